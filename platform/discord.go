package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordPlatform implements Platform on top of a discordgo session. Only REST
// calls are used, so the gateway does not need to be open.
type DiscordPlatform struct {
	s *discordgo.Session

	mu     sync.RWMutex
	selfID string
}

func NewDiscordPlatform(s *discordgo.Session) *DiscordPlatform {
	return &DiscordPlatform{s: s}
}

// Init resolves the bot's own user id.
func (d *DiscordPlatform) Init(ctx context.Context) error {
	if d.s.State != nil && d.s.State.User != nil {
		d.setSelfID(d.s.State.User.ID)
		return nil
	}
	u, err := d.s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	d.setSelfID(u.ID)
	return nil
}

func (d *DiscordPlatform) setSelfID(id string) {
	d.mu.Lock()
	d.selfID = id
	d.mu.Unlock()
}

func (d *DiscordPlatform) SelfID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selfID
}

// mapError converts discordgo REST errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownGuild:
			return fmt.Errorf("%w: %v", ErrUnknownGuild, err)
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return fmt.Errorf("%w: %v", ErrUnknownMember, err)
		case discordgo.ErrCodeUnknownRole:
			return fmt.Errorf("%w: %v", ErrUnknownRole, err)
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %v", ErrUnknownChannel, err)
		case discordgo.ErrCodeUnknownBan:
			return fmt.Errorf("%w: %v", ErrUnknownBan, err)
		}
	}
	return err
}

// mapGuildError is mapError for guild lookups. A bot that was removed from a
// guild gets Missing Access, or a bare 404, instead of Unknown Guild.
func mapGuildError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeMissingAccess:
			return fmt.Errorf("%w: %v", ErrUnknownGuild, err)
		case (restErr.Message == nil || restErr.Message.Code == 0) &&
			restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrUnknownGuild, err)
		}
	}
	return mapError(err)
}

func (d *DiscordPlatform) ResolveGuild(ctx context.Context, guildID string) (*Guild, error) {
	g, err := d.s.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapGuildError(err)
	}
	return &Guild{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID}, nil
}

func (d *DiscordPlatform) ResolveMember(ctx context.Context, guildID, userID string) (*Member, error) {
	m, err := d.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return &Member{
		GuildID:         guildID,
		UserID:          userID,
		RoleIDs:         m.Roles,
		SuppressedUntil: m.CommunicationDisabledUntil,
	}, nil
}

func (d *DiscordPlatform) guildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	roles, err := d.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return roles, nil
}

func (d *DiscordPlatform) ResolveRole(ctx context.Context, guildID, roleID string) (*Role, error) {
	roles, err := d.guildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if r.ID == roleID {
			return &Role{ID: r.ID, Name: r.Name, Position: r.Position, Permissions: r.Permissions, Managed: r.Managed}, nil
		}
	}
	return nil, fmt.Errorf("role %s in guild %s: %w", roleID, guildID, ErrUnknownRole)
}

func (d *DiscordPlatform) ResolveChannel(ctx context.Context, guildID, channelID string) (*Channel, error) {
	ch, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	if ch.GuildID != guildID {
		return nil, fmt.Errorf("channel %s is not in guild %s: %w", channelID, guildID, ErrUnknownChannel)
	}
	return &Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name}, nil
}

// memberPermissions folds @everyone and the member's roles into one bit set.
func (d *DiscordPlatform) memberPermissions(ctx context.Context, guildID, userID string) (int64, error) {
	g, err := d.ResolveGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if g.OwnerID == userID {
		return discordgo.PermissionAll, nil
	}
	m, err := d.ResolveMember(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	roles, err := d.guildRoles(ctx, guildID)
	if err != nil {
		return 0, err
	}

	var perms int64
	for _, r := range roles {
		if r.ID == guildID || m.HasRole(r.ID) {
			perms |= r.Permissions
		}
	}
	if perms&discordgo.PermissionAdministrator != 0 {
		return discordgo.PermissionAll, nil
	}
	return perms, nil
}

func (d *DiscordPlatform) HasCapability(ctx context.Context, guildID, userID string, c Capability) (bool, error) {
	perms, err := d.memberPermissions(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return perms&int64(c) == int64(c), nil
}

func (d *DiscordPlatform) HighestRolePosition(ctx context.Context, guildID, userID string) (int, error) {
	m, err := d.ResolveMember(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	roles, err := d.guildRoles(ctx, guildID)
	if err != nil {
		return 0, err
	}
	top := 0
	for _, r := range roles {
		if m.HasRole(r.ID) && r.Position > top {
			top = r.Position
		}
	}
	return top, nil
}

func (d *DiscordPlatform) LiftBan(ctx context.Context, guildID, userID, reason string) error {
	err := d.s.GuildBanDelete(guildID, userID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return mapError(err)
}

// RestoreChannelPermissions clears the SendMessages deny on the @everyone
// overwrite. A channel without such a deny is left untouched.
func (d *DiscordPlatform) RestoreChannelPermissions(ctx context.Context, guildID, channelID, reason string) error {
	ch, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}
	if ch.GuildID != guildID {
		return fmt.Errorf("channel %s is not in guild %s: %w", channelID, guildID, ErrUnknownChannel)
	}

	for _, ow := range ch.PermissionOverwrites {
		if ow.ID != guildID || ow.Type != discordgo.PermissionOverwriteTypeRole {
			continue
		}
		deny := ow.Deny &^ discordgo.PermissionSendMessages
		if deny == ow.Deny {
			return nil
		}
		if deny == 0 && ow.Allow == 0 {
			return mapError(d.s.ChannelPermissionDelete(channelID, guildID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason)))
		}
		return mapError(d.s.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole, ow.Allow, deny,
			discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason)))
	}
	return nil
}

func (d *DiscordPlatform) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := d.s.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return mapError(err)
}

func (d *DiscordPlatform) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := d.s.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	return mapError(err)
}
