package model

import "time"

// ModConfig is the per-guild moderation configuration row. CaseCounter is the
// source of truth for the next case number and only ever increases; the other
// fields are read by callers, not by the case engine.
type ModConfig struct {
	GuildID        string
	CaseCounter    int64
	LogChannelID   string
	NotifyOnAction bool
	ExemptRoleIDs  []string
	ExemptUserIDs  []string
	UpdatedAt      time.Time
}
