package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakePlatform is an in-memory Platform for tests.
type FakePlatform struct {
	mu sync.Mutex

	self     string
	guilds   map[string]*Guild
	members  map[string]map[string]*Member
	roles    map[string]map[string]*Role
	channels map[string]map[string]*Channel
	bans     map[string]map[string]bool
	locked   map[string]bool
	caps     map[string]map[string]Capability
	errs     map[string]error
	calls    map[string]int

	// DropRoleAdds makes AddRole succeed without changing the member.
	DropRoleAdds bool
}

func NewFakePlatform(selfID string) *FakePlatform {
	return &FakePlatform{
		self:     selfID,
		guilds:   map[string]*Guild{},
		members:  map[string]map[string]*Member{},
		roles:    map[string]map[string]*Role{},
		channels: map[string]map[string]*Channel{},
		bans:     map[string]map[string]bool{},
		locked:   map[string]bool{},
		caps:     map[string]map[string]Capability{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *FakePlatform) PutGuild(guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guilds[guildID] = &Guild{ID: guildID, Name: "guild-" + guildID}
	f.members[guildID] = map[string]*Member{}
	f.roles[guildID] = map[string]*Role{}
	f.channels[guildID] = map[string]*Channel{}
	f.bans[guildID] = map[string]bool{}
	f.caps[guildID] = map[string]Capability{}
}

func (f *FakePlatform) RemoveGuild(guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guilds, guildID)
}

func (f *FakePlatform) PutMember(guildID, userID string, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[guildID][userID] = &Member{GuildID: guildID, UserID: userID, RoleIDs: append([]string(nil), roleIDs...)}
}

func (f *FakePlatform) RemoveMember(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[guildID], userID)
}

func (f *FakePlatform) Suppress(guildID, userID string, until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[guildID][userID]; ok {
		m.SuppressedUntil = &until
	}
}

func (f *FakePlatform) PutRole(guildID, roleID string, position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[guildID][roleID] = &Role{ID: roleID, Name: "role-" + roleID, Position: position}
}

func (f *FakePlatform) DeleteRole(guildID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles[guildID], roleID)
}

func (f *FakePlatform) PutChannel(guildID, channelID string, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[guildID][channelID] = &Channel{ID: channelID, GuildID: guildID, Name: "channel-" + channelID}
	f.locked[channelID] = locked
}

func (f *FakePlatform) PutBan(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[guildID][userID] = true
}

func (f *FakePlatform) Grant(guildID, userID string, c Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[guildID][userID] |= c
}

func (f *FakePlatform) Revoke(guildID, userID string, c Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[guildID][userID] &^= c
}

// FailWith makes every call to op return err until cleared with a nil err.
func (f *FakePlatform) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *FakePlatform) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakePlatform) IsBanned(guildID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bans[guildID][userID]
}

func (f *FakePlatform) IsLocked(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[channelID]
}

func (f *FakePlatform) MemberHasRole(guildID, userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID][userID]
	return ok && m.HasRole(roleID)
}

// enter records the call and returns a forced error, if any. f.mu is held.
func (f *FakePlatform) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func (f *FakePlatform) guildLocked(guildID string) error {
	if _, ok := f.guilds[guildID]; !ok {
		return fmt.Errorf("guild %s: %w", guildID, ErrUnknownGuild)
	}
	return nil
}

func (f *FakePlatform) SelfID() string {
	return f.self
}

func (f *FakePlatform) ResolveGuild(ctx context.Context, guildID string) (*Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResolveGuild"); err != nil {
		return nil, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return nil, err
	}
	g := *f.guilds[guildID]
	return &g, nil
}

func (f *FakePlatform) ResolveMember(ctx context.Context, guildID, userID string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResolveMember"); err != nil {
		return nil, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return nil, err
	}
	m, ok := f.members[guildID][userID]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", userID, ErrUnknownMember)
	}
	cp := *m
	cp.RoleIDs = append([]string(nil), m.RoleIDs...)
	return &cp, nil
}

func (f *FakePlatform) ResolveRole(ctx context.Context, guildID, roleID string) (*Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResolveRole"); err != nil {
		return nil, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return nil, err
	}
	r, ok := f.roles[guildID][roleID]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, ErrUnknownRole)
	}
	cp := *r
	return &cp, nil
}

func (f *FakePlatform) ResolveChannel(ctx context.Context, guildID, channelID string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResolveChannel"); err != nil {
		return nil, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return nil, err
	}
	ch, ok := f.channels[guildID][channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrUnknownChannel)
	}
	cp := *ch
	return &cp, nil
}

func (f *FakePlatform) HasCapability(ctx context.Context, guildID, userID string, c Capability) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HasCapability"); err != nil {
		return false, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return false, err
	}
	have := f.caps[guildID][userID]
	if have&CapAdministrator != 0 {
		return true, nil
	}
	return have&c == c, nil
}

func (f *FakePlatform) HighestRolePosition(ctx context.Context, guildID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HighestRolePosition"); err != nil {
		return 0, err
	}
	if err := f.guildLocked(guildID); err != nil {
		return 0, err
	}
	m, ok := f.members[guildID][userID]
	if !ok {
		return 0, fmt.Errorf("member %s: %w", userID, ErrUnknownMember)
	}
	top := 0
	for _, id := range m.RoleIDs {
		if r, ok := f.roles[guildID][id]; ok && r.Position > top {
			top = r.Position
		}
	}
	return top, nil
}

func (f *FakePlatform) LiftBan(ctx context.Context, guildID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LiftBan"); err != nil {
		return err
	}
	if err := f.guildLocked(guildID); err != nil {
		return err
	}
	if !f.bans[guildID][userID] {
		return fmt.Errorf("ban for %s: %w", userID, ErrUnknownBan)
	}
	delete(f.bans[guildID], userID)
	return nil
}

func (f *FakePlatform) RestoreChannelPermissions(ctx context.Context, guildID, channelID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RestoreChannelPermissions"); err != nil {
		return err
	}
	if err := f.guildLocked(guildID); err != nil {
		return err
	}
	if _, ok := f.channels[guildID][channelID]; !ok {
		return fmt.Errorf("channel %s: %w", channelID, ErrUnknownChannel)
	}
	f.locked[channelID] = false
	return nil
}

func (f *FakePlatform) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddRole"); err != nil {
		return err
	}
	if err := f.guildLocked(guildID); err != nil {
		return err
	}
	m, ok := f.members[guildID][userID]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrUnknownMember)
	}
	if _, ok := f.roles[guildID][roleID]; !ok {
		return fmt.Errorf("role %s: %w", roleID, ErrUnknownRole)
	}
	if !f.DropRoleAdds && !m.HasRole(roleID) {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	return nil
}

func (f *FakePlatform) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveRole"); err != nil {
		return err
	}
	if err := f.guildLocked(guildID); err != nil {
		return err
	}
	m, ok := f.members[guildID][userID]
	if !ok {
		return fmt.Errorf("member %s: %w", userID, ErrUnknownMember)
	}
	kept := m.RoleIDs[:0]
	for _, id := range m.RoleIDs {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	m.RoleIDs = kept
	return nil
}

var _ Platform = (*FakePlatform)(nil)
