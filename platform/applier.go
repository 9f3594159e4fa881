package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"modlog-bot/model"
)

// Outcome is the domain result of one reconciliation attempt.
type Outcome string

const (
	// Applied means the corrective call succeeded.
	Applied Outcome = "applied"
	// AlreadyResolved means the external state already matched the target.
	AlreadyResolved Outcome = "already_resolved"
	// StillActive means the action is still in effect and needs no change yet.
	StillActive Outcome = "still_active"
	// ContextUnavailable means the owning guild could not be resolved at all.
	ContextUnavailable Outcome = "context_unavailable"
	// Failed is a retryable failure. Result.Err holds the cause.
	Failed Outcome = "failed"
)

type Result struct {
	Outcome Outcome
	Err     error
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}

// Applier turns reconciliation decisions into platform calls, absorbing
// "already in target state" errors into outcomes. Calls are paced by a shared
// limiter.
type Applier struct {
	p       Platform
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewApplier builds an Applier. A nil limiter means no pacing and a nil logger
// is replaced with a no-op logger.
func NewApplier(p Platform, limiter *rate.Limiter, logger *zap.Logger) *Applier {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{p: p, limiter: limiter, logger: logger}
}

func (a *Applier) Platform() Platform {
	return a.p
}

// begin waits for the limiter and checks that the guild still resolves.
func (a *Applier) begin(ctx context.Context, guildID string) (Result, bool) {
	if err := a.limiter.Wait(ctx); err != nil {
		return failed(err), false
	}
	if _, err := a.p.ResolveGuild(ctx, guildID); err != nil {
		if errors.Is(err, ErrUnknownGuild) {
			return Result{Outcome: ContextUnavailable}, false
		}
		return failed(fmt.Errorf("resolve guild %s: %w", guildID, err)), false
	}
	return Result{}, true
}

func BanLiftReason(caseID int64) string {
	return fmt.Sprintf("Temporary ban expired (case #%d)", caseID)
}

func UnlockReason(caseID int64) string {
	return fmt.Sprintf("Temporary lock expired (case #%d)", caseID)
}

// LiftBan lifts the ban recorded by c. A missing ban counts as resolved.
func (a *Applier) LiftBan(ctx context.Context, c *model.ModCase) Result {
	if !c.Subject.IsUser() {
		a.logger.Warn("ban case has non-user subject",
			zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID), zap.Stringer("subject", c.Subject))
		return Result{Outcome: ContextUnavailable}
	}
	if res, ok := a.begin(ctx, c.GuildID); !ok {
		return res
	}

	err := a.p.LiftBan(ctx, c.GuildID, c.Subject.ID, BanLiftReason(c.CaseID))
	switch {
	case err == nil:
		return Result{Outcome: Applied}
	case errors.Is(err, ErrUnknownBan), errors.Is(err, ErrUnknownMember):
		return Result{Outcome: AlreadyResolved}
	case errors.Is(err, ErrUnknownGuild):
		return Result{Outcome: ContextUnavailable}
	default:
		return failed(fmt.Errorf("lift ban: %w", err))
	}
}

// Unlock restores send permissions on the channel recorded by c. A deleted
// channel counts as resolved.
func (a *Applier) Unlock(ctx context.Context, c *model.ModCase) Result {
	if !c.Subject.IsChannel() {
		a.logger.Warn("lock case has non-channel subject",
			zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID), zap.Stringer("subject", c.Subject))
		return Result{Outcome: ContextUnavailable}
	}
	if res, ok := a.begin(ctx, c.GuildID); !ok {
		return res
	}

	err := a.p.RestoreChannelPermissions(ctx, c.GuildID, c.Subject.ID, UnlockReason(c.CaseID))
	switch {
	case err == nil:
		return Result{Outcome: Applied}
	case errors.Is(err, ErrUnknownChannel):
		return Result{Outcome: AlreadyResolved}
	case errors.Is(err, ErrUnknownGuild):
		return Result{Outcome: ContextUnavailable}
	default:
		return failed(fmt.Errorf("restore channel permissions: %w", err))
	}
}

// ObserveMute checks the member's timeout without changing it.
func (a *Applier) ObserveMute(ctx context.Context, c *model.ModCase, now time.Time) Result {
	if !c.Subject.IsUser() {
		return Result{Outcome: ContextUnavailable}
	}
	if res, ok := a.begin(ctx, c.GuildID); !ok {
		return res
	}

	m, err := a.p.ResolveMember(ctx, c.GuildID, c.Subject.ID)
	switch {
	case errors.Is(err, ErrUnknownMember):
		return Result{Outcome: AlreadyResolved}
	case errors.Is(err, ErrUnknownGuild):
		return Result{Outcome: ContextUnavailable}
	case err != nil:
		return failed(fmt.Errorf("resolve member: %w", err))
	}
	if m.IsSuppressed(now) {
		return Result{Outcome: StillActive}
	}
	return Result{Outcome: AlreadyResolved}
}

// RemoveRole removes a role from a member. A member or role that is already
// gone counts as resolved.
func (a *Applier) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) Result {
	if res, ok := a.begin(ctx, guildID); !ok {
		return res
	}

	err := a.p.RemoveRole(ctx, guildID, userID, roleID, reason)
	switch {
	case err == nil:
		return Result{Outcome: Applied}
	case errors.Is(err, ErrUnknownMember), errors.Is(err, ErrUnknownRole):
		return Result{Outcome: AlreadyResolved}
	case errors.Is(err, ErrUnknownGuild):
		return Result{Outcome: ContextUnavailable}
	default:
		return failed(fmt.Errorf("remove role: %w", err))
	}
}
