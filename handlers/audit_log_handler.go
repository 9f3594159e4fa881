package handlers

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"modlog-bot/modcase"
	"modlog-bot/model"
)

const auditLogTimeout = 10 * time.Second

// CaseRecorder is implemented by *modcase.Service.
type CaseRecorder interface {
	CreateCase(ctx context.Context, in modcase.CreateCaseInput) (*modcase.CreateResult, error)
}

// AuditLogObserver records cases for moderation actions that show up in a
// guild's audit log, including ones taken outside the bot's commands.
type AuditLogObserver struct {
	cases  CaseRecorder
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditLogObserver(cases CaseRecorder, logger *zap.Logger) *AuditLogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogObserver{cases: cases, logger: logger, now: time.Now}
}

// OnAuditLogEntry is registered with discordgo.Session.AddHandler.
func (o *AuditLogObserver) OnAuditLogEntry(s *discordgo.Session, e *discordgo.GuildAuditLogEntryCreate) {
	if e == nil || e.AuditLogEntry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditLogTimeout)
	defer cancel()
	o.Observe(ctx, e.GuildID, e.AuditLogEntry)
}

// Observe records entry as a case when it is a tracked moderation action.
func (o *AuditLogObserver) Observe(ctx context.Context, guildID string, entry *discordgo.AuditLogEntry) {
	in, ok := CaseInputFromAuditEntry(guildID, entry, o.now())
	if !ok {
		return
	}
	res, err := o.cases.CreateCase(ctx, in)
	if err != nil {
		o.logger.Error("failed to record audit log case",
			zap.String("guild_id", guildID), zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	if res.Created {
		o.logger.Debug("audit log case recorded",
			zap.String("guild_id", guildID), zap.String("entry_id", entry.ID), zap.Int64("case_id", res.Case.CaseID))
	}
}

// CaseInputFromAuditEntry maps a ban, unban, kick or timeout change to a
// case. The entry id is the correlation id, so replays of the same entry
// dedupe to one case.
func CaseInputFromAuditEntry(guildID string, entry *discordgo.AuditLogEntry, now time.Time) (modcase.CreateCaseInput, bool) {
	if entry == nil || entry.ActionType == nil || guildID == "" || entry.TargetID == "" || entry.UserID == "" {
		return modcase.CreateCaseInput{}, false
	}

	in := modcase.CreateCaseInput{
		GuildID: guildID,
		Subject: model.UserSubject(entry.TargetID),
		ModID:   entry.UserID,
		Reason:  entry.Reason,
		Context: model.CaseContext{MessageID: entry.ID},
		Dedupe:  modcase.DedupeOptions{Enabled: true},
	}
	if entry.Options != nil {
		in.Context.ChannelID = entry.Options.ChannelID
	}

	switch *entry.ActionType {
	case discordgo.AuditLogActionMemberBanAdd:
		in.Action = model.ActionBan
	case discordgo.AuditLogActionMemberBanRemove:
		in.Action = model.ActionUnban
	case discordgo.AuditLogActionMemberKick:
		in.Action = model.ActionKick
	case discordgo.AuditLogActionMemberUpdate:
		until, changed := timeoutChange(entry.Changes)
		if !changed {
			return modcase.CreateCaseInput{}, false
		}
		if until != nil && until.After(now) {
			d := until.Sub(now).Milliseconds()
			in.Action = model.ActionMute
			in.DurationMs = &d
		} else {
			in.Action = model.ActionUnmute
		}
	default:
		return modcase.CreateCaseInput{}, false
	}
	return in, true
}

// timeoutChange returns the new timeout end from a member update. changed is
// false when the entry does not touch the timeout.
func timeoutChange(changes []*discordgo.AuditLogChange) (until *time.Time, changed bool) {
	for _, c := range changes {
		if c == nil || c.Key == nil || *c.Key != discordgo.AuditLogChangeKeyCommunicationDisabledUntil {
			continue
		}
		raw, ok := c.NewValue.(string)
		if !ok || raw == "" {
			return nil, true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, true
		}
		return &t, true
	}
	return nil, false
}
