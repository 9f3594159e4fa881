package model

import "time"

// Action is the kind of moderation or administrative action a case records.
type Action string

const (
	ActionBan            Action = "BAN"
	ActionKick           Action = "KICK"
	ActionMute           Action = "MUTE"
	ActionWarn           Action = "WARN"
	ActionUnban          Action = "UNBAN"
	ActionUnmute         Action = "UNMUTE"
	ActionUnwarn         Action = "UNWARN"
	ActionLock           Action = "LOCK"
	ActionUnlock         Action = "UNLOCK"
	ActionPurge          Action = "PURGE"
	ActionTempRole       Action = "TEMPROLE"
	ActionTempRoleRemove Action = "TEMPROLE_REMOVE"
	ActionNote           Action = "NOTE"
)

var knownActions = map[Action]bool{
	ActionBan: true, ActionKick: true, ActionMute: true, ActionWarn: true,
	ActionUnban: true, ActionUnmute: true, ActionUnwarn: true, ActionLock: true,
	ActionUnlock: true, ActionPurge: true, ActionTempRole: true,
	ActionTempRoleRemove: true, ActionNote: true,
}

func (a Action) Valid() bool {
	return knownActions[a]
}

const (
	// AutomationActor is the mod id recorded for actions taken by the bot itself.
	AutomationActor = "automation"

	DefaultReason        = "No reason provided"
	MaxCloseReasonLength = 512
)

// CaseContext carries correlation data for a case. MessageID is only used for
// dedupe matching.
type CaseContext struct {
	ChannelID string
	MessageID string
}

// CaseEdit is one entry in a case's append-only audit trail.
type CaseEdit struct {
	Field    string
	Previous string
	Next     string
	EditedBy string
	EditedAt time.Time
}

// ModCase is a single recorded action, numbered per guild.
type ModCase struct {
	GuildID     string
	CaseID      int64
	Action      Action
	Subject     Subject
	ModID       string
	Reason      string
	DurationMs  *int64
	ExpiresAt   *time.Time
	Active      bool
	ClosedAt    *time.Time
	CloseReason *string
	Context     CaseContext
	Edits       []CaseEdit
	CreatedAt   time.Time
}

// Duration returns the case duration, or zero when the case is not timed.
func (c *ModCase) Duration() time.Duration {
	if c.DurationMs == nil {
		return 0
	}
	return time.Duration(*c.DurationMs) * time.Millisecond
}

// CaseFlag marks a case the audit pass considered suspicious.
type CaseFlag struct {
	GuildID   string
	CaseID    int64
	Flag      string
	Detail    string
	CreatedAt time.Time
}
