package scanner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/utils"
	"modlog-bot/utils/database"
)

const (
	FlagMassAction    = "mass_action"
	FlagSelfAction    = "self_action"
	FlagMissingReason = "missing_reason"
)

var massActions = []model.Action{model.ActionBan, model.ActionKick}

type AuditSource interface {
	ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]model.ModCase, error)
	CountByModerator(ctx context.Context, since time.Time, actions []model.Action) ([]database.ModActionCount, error)
}

type FlagStore interface {
	Add(ctx context.Context, f model.CaseFlag) (bool, error)
}

type AuditOptions struct {
	Window    time.Duration
	Batch     int
	Threshold int
}

type AuditStats struct {
	Scanned int
	Flagged int
}

// CaseAuditor reviews recently created cases and stores a flag for each one
// that looks suspicious. A case is flagged at most once per flag.
type CaseAuditor struct {
	source AuditSource
	flags  FlagStore
	opts   AuditOptions
	logger *zap.Logger
	now    func() time.Time
}

func NewCaseAuditor(source AuditSource, flags FlagStore, opts AuditOptions, logger *zap.Logger) *CaseAuditor {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Batch <= 0 {
		opts.Batch = 500
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseAuditor{source: source, flags: flags, opts: opts, logger: logger, now: time.Now}
}

func modKey(guildID, modID string) string {
	return guildID + "/" + modID
}

func isMassAction(a model.Action) bool {
	for _, m := range massActions {
		if a == m {
			return true
		}
	}
	return false
}

func (a *CaseAuditor) Tick(ctx context.Context) AuditStats {
	var stats AuditStats
	now := a.now()
	since := now.Add(-a.opts.Window)

	counts, err := a.source.CountByModerator(ctx, since, massActions)
	if err != nil {
		a.logger.Error("failed to count cases by moderator", zap.Error(err))
		return stats
	}
	heavy := make(map[string]int)
	for _, c := range counts {
		if c.Count > a.opts.Threshold {
			heavy[modKey(c.GuildID, c.ModID)] = c.Count
		}
	}

	cases, err := a.source.ListCreatedSince(ctx, since, a.opts.Batch)
	if err != nil {
		a.logger.Error("failed to list recent cases", zap.Error(err))
		return stats
	}

	for i := range cases {
		c := &cases[i]
		stats.Scanned++
		for _, f := range a.inspect(c, heavy, since) {
			f.CreatedAt = now
			added, err := a.flags.Add(ctx, f)
			if err != nil {
				a.logger.Warn("failed to store case flag",
					zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID), zap.String("flag", f.Flag), zap.Error(err))
				continue
			}
			if added {
				stats.Flagged++
				utils.AuditFlagsRaised.WithLabelValues(f.Flag).Inc()
				a.logger.Warn("case flagged",
					zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID),
					zap.String("flag", f.Flag), zap.String("detail", f.Detail))
			}
		}
	}
	return stats
}

func (a *CaseAuditor) inspect(c *model.ModCase, heavy map[string]int, since time.Time) []model.CaseFlag {
	var flags []model.CaseFlag
	add := func(flag, detail string) {
		flags = append(flags, model.CaseFlag{GuildID: c.GuildID, CaseID: c.CaseID, Flag: flag, Detail: detail})
	}

	if n, ok := heavy[modKey(c.GuildID, c.ModID)]; ok && isMassAction(c.Action) {
		add(FlagMassAction, fmt.Sprintf("%s issued %d bans/kicks since %s", c.ModID, n, since.UTC().Format(time.RFC3339)))
	}
	if c.Subject.IsUser() && c.Subject.ID == c.ModID {
		add(FlagSelfAction, fmt.Sprintf("%s acted on themselves", c.ModID))
	}
	if c.Action == model.ActionBan && (c.Reason == "" || c.Reason == model.DefaultReason) {
		add(FlagMissingReason, "ban recorded without a reason")
	}
	return flags
}
