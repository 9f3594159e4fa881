package model

import "time"

// TemporaryRoleGrant tracks a role handed out for a limited time.
// RemoveOnExpire is fixed at grant time and is true only when the member did
// not already hold the role.
type TemporaryRoleGrant struct {
	GuildID        string
	UserID         string
	RoleID         string
	GrantedBy      string
	ExpiresAt      time.Time
	RemoveOnExpire bool
	CreatedAt      time.Time
}

// CommandScope is the invocation style a command permission applies to.
type CommandScope string

const (
	ScopePrefix CommandScope = "prefix"
	ScopeSlash  CommandScope = "slash"
	ScopeAny    CommandScope = "any"
)

// AllCommandScopes lists every scope a key may be stored under.
var AllCommandScopes = []CommandScope{ScopePrefix, ScopeSlash, ScopeAny}

// CommandKey is a normalized "<scope>:<name>" command token.
type CommandKey struct {
	Scope CommandScope
	Name  string
}

func (k CommandKey) String() string {
	return string(k.Scope) + ":" + k.Name
}

// TemporaryCommandPermission lets a user run a command until ExpiresAt.
// Permanent grants use an expiry far in the future.
type TemporaryCommandPermission struct {
	GuildID   string
	UserID    string
	Command   CommandKey
	GrantedBy string
	ExpiresAt time.Time
}

// PermanentGrantTTL is how far out a "permanent" grant expires.
const PermanentGrantTTL = 100 * 365 * 24 * time.Hour
