package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/platform"
	"modlog-bot/utils"
)

const (
	CloseBanLifted      = "temporary ban expired, user unbanned automatically"
	CloseBanGone        = "temporary ban expired, ban was already lifted"
	CloseLockLifted     = "temporary lock expired, channel unlocked automatically"
	CloseLockGone       = "temporary lock expired, channel no longer exists"
	CloseMuteResolved   = "temporary mute expired, detected externally resolved"
	CloseContextMissing = "cannot reconcile: context unavailable"
)

// ExpiredCases is where the sweeper finds due cases.
type ExpiredCases interface {
	FindExpired(ctx context.Context, action model.Action, now time.Time, limit int) ([]model.ModCase, error)
	MarkAttempted(ctx context.Context, guildID string, caseID int64, at time.Time) error
}

// CaseCloser re-reads and closes cases. *modcase.Service implements it.
type CaseCloser interface {
	GetCase(ctx context.Context, guildID string, caseID int64) (*model.ModCase, error)
	CloseCase(ctx context.Context, c *model.ModCase, reason string) (bool, error)
}

// CaseSweepStats counts what one tick did.
type CaseSweepStats struct {
	Scanned  int
	Closed   int
	Retained int
	Failed   int
}

// CaseExpirySweeper closes expired MUTE, BAN and LOCK cases. Bans and locks are
// lifted through the applier; mutes are only observed, since the platform
// enforces the timeout itself.
type CaseExpirySweeper struct {
	source  ExpiredCases
	cases   CaseCloser
	applier *platform.Applier
	batch   int
	logger  *zap.Logger
	now     func() time.Time
}

func NewCaseExpirySweeper(source ExpiredCases, cases CaseCloser, applier *platform.Applier, batch int, logger *zap.Logger) *CaseExpirySweeper {
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseExpirySweeper{source: source, cases: cases, applier: applier, batch: batch, logger: logger, now: time.Now}
}

var sweptActions = []model.Action{model.ActionMute, model.ActionBan, model.ActionLock}

// Tick processes one batch per action, one case at a time.
func (s *CaseExpirySweeper) Tick(ctx context.Context) CaseSweepStats {
	var stats CaseSweepStats
	for _, action := range sweptActions {
		if ctx.Err() != nil {
			break
		}
		due, err := s.source.FindExpired(ctx, action, s.now(), s.batch)
		if err != nil {
			s.logger.Error("failed to query expired cases", zap.String("action", string(action)), zap.Error(err))
			continue
		}
		for i := range due {
			stats.Scanned++
			s.reconcile(ctx, &due[i], &stats)
		}
	}
	if stats.Scanned > 0 {
		s.logger.Info("case expiry sweep finished",
			zap.Int("scanned", stats.Scanned), zap.Int("closed", stats.Closed),
			zap.Int("retained", stats.Retained), zap.Int("failed", stats.Failed))
	}
	return stats
}

func (s *CaseExpirySweeper) reconcile(ctx context.Context, due *model.ModCase, stats *CaseSweepStats) {
	log := s.logger.With(zap.String("guild_id", due.GuildID), zap.Int64("case_id", due.CaseID), zap.String("action", string(due.Action)))

	// A previous tick or a moderator may have closed it since the query ran.
	c, err := s.cases.GetCase(ctx, due.GuildID, due.CaseID)
	if err != nil {
		log.Warn("failed to reload case", zap.Error(err))
		stats.Failed++
		return
	}
	if !c.Active {
		return
	}

	var res platform.Result
	switch c.Action {
	case model.ActionMute:
		res = s.applier.ObserveMute(ctx, c, s.now())
	case model.ActionBan:
		res = s.applier.LiftBan(ctx, c)
	case model.ActionLock:
		res = s.applier.Unlock(ctx, c)
	default:
		return
	}
	utils.ReconcileOutcomes.WithLabelValues(LoopCaseExpiry, string(res.Outcome)).Inc()

	reason := closeReason(c.Action, res.Outcome)
	if reason == "" {
		if res.Outcome == platform.Failed {
			log.Warn("reconciliation failed, will retry", zap.Error(res.Err))
			stats.Failed++
		} else {
			stats.Retained++
		}
		if err := s.source.MarkAttempted(ctx, c.GuildID, c.CaseID, s.now()); err != nil {
			log.Error("failed to mark case attempted", zap.Error(err))
		}
		return
	}

	if _, err := s.cases.CloseCase(ctx, c, reason); err != nil {
		log.Error("failed to close reconciled case", zap.Error(err))
		stats.Failed++
		return
	}
	stats.Closed++
}

// closeReason maps an outcome to the reason the case is closed with, or ""
// when the case stays active.
func closeReason(action model.Action, outcome platform.Outcome) string {
	switch outcome {
	case platform.ContextUnavailable:
		return CloseContextMissing
	case platform.Applied:
		switch action {
		case model.ActionBan:
			return CloseBanLifted
		case model.ActionLock:
			return CloseLockLifted
		}
	case platform.AlreadyResolved:
		switch action {
		case model.ActionBan:
			return CloseBanGone
		case model.ActionLock:
			return CloseLockGone
		case model.ActionMute:
			return CloseMuteResolved
		}
	}
	return ""
}
