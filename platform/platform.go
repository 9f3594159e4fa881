// Package platform is the boundary to the chat platform. It exposes the
// calls the case engine needs, maps platform errors onto sentinel errors, and
// turns reconciliation decisions into external changes through the Applier.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	ErrUnknownGuild   = errors.New("guild not found")
	ErrUnknownMember  = errors.New("member not found")
	ErrUnknownRole    = errors.New("role not found")
	ErrUnknownChannel = errors.New("channel not found")
	ErrUnknownBan     = errors.New("ban not found")

	ErrBotMemberNotFound  = errors.New("bot member not found")
	ErrMissingManageRoles = errors.New("bot lacks manage roles permission")
	ErrRoleAboveBot       = errors.New("role is not below the bot's highest role")
)

// Capability is a platform permission bit.
type Capability int64

const (
	CapAdministrator  Capability = discordgo.PermissionAdministrator
	CapManageRoles    Capability = discordgo.PermissionManageRoles
	CapBanMembers     Capability = discordgo.PermissionBanMembers
	CapManageChannels Capability = discordgo.PermissionManageChannels
	CapModerate       Capability = discordgo.PermissionModerateMembers
)

type Guild struct {
	ID      string
	Name    string
	OwnerID string
}

type Member struct {
	GuildID string
	UserID  string
	RoleIDs []string
	// SuppressedUntil is the end of the member's current timeout, if any.
	SuppressedUntil *time.Time
}

func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// IsSuppressed reports whether a timeout is still in effect at now.
func (m *Member) IsSuppressed(now time.Time) bool {
	return m.SuppressedUntil != nil && m.SuppressedUntil.After(now)
}

type Role struct {
	ID          string
	Name        string
	Position    int
	Permissions int64
	Managed     bool
}

type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// Platform is the set of platform calls the engine depends on. Not-found
// conditions are reported with the Err* sentinels above.
type Platform interface {
	SelfID() string

	ResolveGuild(ctx context.Context, guildID string) (*Guild, error)
	ResolveMember(ctx context.Context, guildID, userID string) (*Member, error)
	ResolveRole(ctx context.Context, guildID, roleID string) (*Role, error)
	ResolveChannel(ctx context.Context, guildID, channelID string) (*Channel, error)

	HasCapability(ctx context.Context, guildID, userID string, c Capability) (bool, error)
	HighestRolePosition(ctx context.Context, guildID, userID string) (int, error)

	LiftBan(ctx context.Context, guildID, userID, reason string) error
	RestoreChannelPermissions(ctx context.Context, guildID, channelID, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
}

// CheckRoleManageable returns nil when the bot may add or remove role, or one
// of ErrBotMemberNotFound, ErrMissingManageRoles, ErrRoleAboveBot. Other
// errors are platform failures.
func CheckRoleManageable(ctx context.Context, p Platform, guildID string, role *Role) error {
	selfID := p.SelfID()
	if _, err := p.ResolveMember(ctx, guildID, selfID); err != nil {
		if errors.Is(err, ErrUnknownMember) {
			return ErrBotMemberNotFound
		}
		return fmt.Errorf("resolve bot member: %w", err)
	}

	ok, err := p.HasCapability(ctx, guildID, selfID, CapManageRoles)
	if err != nil {
		return fmt.Errorf("check manage roles: %w", err)
	}
	if !ok {
		return ErrMissingManageRoles
	}

	top, err := p.HighestRolePosition(ctx, guildID, selfID)
	if err != nil {
		return fmt.Errorf("resolve bot role position: %w", err)
	}
	if CompareRolePositions(top, role.Position) <= 0 {
		return ErrRoleAboveBot
	}
	return nil
}

// CompareRolePositions returns -1, 0 or 1 as a is below, level with or above b.
func CompareRolePositions(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
