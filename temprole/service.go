// Package temprole hands out roles for a limited time and removes them again
// once they expire, but only when the member did not hold the role already.
package temprole

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/platform"
	"modlog-bot/utils"
)

type Repository interface {
	Upsert(ctx context.Context, g *model.TemporaryRoleGrant) error
	Get(ctx context.Context, guildID, userID, roleID string) (*model.TemporaryRoleGrant, error)
	Delete(ctx context.Context, guildID, userID, roleID string) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.TemporaryRoleGrant, error)
	MarkAttempted(ctx context.Context, guildID, userID, roleID string, at time.Time) error
	ListActive(ctx context.Context, guildID string, now time.Time) ([]model.TemporaryRoleGrant, error)
}

type GrantResult struct {
	OK             bool
	Reason         model.FailureReason
	ExpiresAt      time.Time
	HadRoleBefore  bool
	RemoveOnExpire bool
}

type RevokeResult struct {
	OK          bool
	Reason      model.FailureReason
	Existed     bool
	RoleRemoved bool
}

type Service struct {
	repo    Repository
	applier *platform.Applier
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(repo Repository, applier *platform.Applier, logger *zap.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, applier: applier, logger: logger, now: now}
}

func refused(r model.FailureReason) *GrantResult {
	return &GrantResult{Reason: r}
}

func manageFailure(err error) (model.FailureReason, bool) {
	switch {
	case errors.Is(err, platform.ErrBotMemberNotFound):
		return model.ReasonBotMemberNotFound, true
	case errors.Is(err, platform.ErrMissingManageRoles):
		return model.ReasonMissingManageRoles, true
	case errors.Is(err, platform.ErrRoleAboveBot):
		return model.ReasonRoleAboveBot, true
	}
	return "", false
}

func isGone(err error) bool {
	return errors.Is(err, platform.ErrUnknownGuild) || errors.Is(err, platform.ErrUnknownMember)
}

// Grant gives userID the role until durationMs from now. Domain refusals are
// reported in the result; the error is only set for platform or storage
// failures.
func (s *Service) Grant(ctx context.Context, guildID, userID, roleID, grantedBy string, durationMs int64) (*GrantResult, error) {
	if guildID == "" || userID == "" || roleID == "" || grantedBy == "" {
		return refused(model.ReasonInvalidInput), nil
	}
	if durationMs <= 0 || durationMs > utils.MaxDurationMs {
		return refused(model.ReasonInvalidDuration), nil
	}

	p := s.applier.Platform()
	member, err := p.ResolveMember(ctx, guildID, userID)
	if isGone(err) {
		return refused(model.ReasonMemberNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve member %s: %w", userID, err)
	}

	role, err := p.ResolveRole(ctx, guildID, roleID)
	if errors.Is(err, platform.ErrUnknownRole) {
		return refused(model.ReasonRoleNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve role %s: %w", roleID, err)
	}

	if err := platform.CheckRoleManageable(ctx, p, guildID, role); err != nil {
		if reason, ok := manageFailure(err); ok {
			return refused(reason), nil
		}
		return nil, err
	}

	hadRole := member.HasRole(roleID)
	if !hadRole {
		if err := p.AddRole(ctx, guildID, userID, roleID, "Temporary role granted"); err != nil {
			s.logger.Warn("failed to add temporary role",
				zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("role_id", roleID), zap.Error(err))
			return refused(model.ReasonAddFailed), nil
		}
		after, err := p.ResolveMember(ctx, guildID, userID)
		if err != nil || !after.HasRole(roleID) {
			return refused(model.ReasonAddFailed), nil
		}
	}

	now := s.now()
	g := &model.TemporaryRoleGrant{
		GuildID:        guildID,
		UserID:         userID,
		RoleID:         roleID,
		GrantedBy:      grantedBy,
		ExpiresAt:      now.Add(time.Duration(durationMs) * time.Millisecond),
		RemoveOnExpire: !hadRole,
		CreatedAt:      now,
	}
	if err := s.repo.Upsert(ctx, g); err != nil {
		if !hadRole {
			// Nothing tracks the role now, so take it back off.
			if rerr := p.RemoveRole(ctx, guildID, userID, roleID, "Temporary role grant could not be saved"); rerr != nil {
				s.logger.Error("failed to undo untracked role",
					zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("role_id", roleID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	s.logger.Info("temporary role granted",
		zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("role_id", roleID),
		zap.Time("expires_at", g.ExpiresAt), zap.Bool("remove_on_expire", g.RemoveOnExpire))
	return &GrantResult{OK: true, ExpiresAt: g.ExpiresAt, HadRoleBefore: hadRole, RemoveOnExpire: g.RemoveOnExpire}, nil
}

// Revoke drops the grant record. The role is only taken away when this grant
// added it in the first place.
func (s *Service) Revoke(ctx context.Context, guildID, userID, roleID string) (*RevokeResult, error) {
	if guildID == "" || userID == "" || roleID == "" {
		return &RevokeResult{Reason: model.ReasonInvalidInput}, nil
	}

	g, err := s.repo.Get(ctx, guildID, userID, roleID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return &RevokeResult{OK: true}, nil
	}

	res := &RevokeResult{OK: true, Existed: true}
	if g.RemoveOnExpire {
		member, err := s.applier.Platform().ResolveMember(ctx, guildID, userID)
		switch {
		case isGone(err):
		case err != nil:
			return nil, fmt.Errorf("resolve member %s: %w", userID, err)
		case member.HasRole(roleID):
			r := s.applier.RemoveRole(ctx, guildID, userID, roleID, "Temporary role revoked")
			if r.Outcome == platform.Failed {
				return nil, r.Err
			}
			res.RoleRemoved = r.Outcome == platform.Applied
		}
	}

	if _, err := s.repo.Delete(ctx, guildID, userID, roleID); err != nil {
		return nil, err
	}
	return res, nil
}

// ListActive returns the guild's unexpired grants. A read failure yields an
// empty list.
func (s *Service) ListActive(ctx context.Context, guildID string) []model.TemporaryRoleGrant {
	grants, err := s.repo.ListActive(ctx, guildID, s.now())
	if err != nil {
		s.logger.Warn("failed to list temporary roles", zap.String("guild_id", guildID), zap.Error(err))
		return []model.TemporaryRoleGrant{}
	}
	return grants
}

// SweepStats summarises one expiry sweep.
type SweepStats struct {
	Scanned int
	Removed int
	Deleted int
	Skipped int
}

// SweepExpired reconciles up to limit expired grants, one at a time. Records
// are deleted once nothing is left to reconcile; a grant whose role could not
// be removed stays for the next sweep.
func (s *Service) SweepExpired(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats
	due, err := s.repo.ListDue(ctx, s.now(), limit)
	if err != nil {
		return stats, err
	}

	for i := range due {
		g := &due[i]
		stats.Scanned++
		removed, keep := s.reconcile(ctx, g)
		if keep {
			stats.Skipped++
			utils.ReconcileOutcomes.WithLabelValues("role_expiry", "skipped").Inc()
			if err := s.repo.MarkAttempted(ctx, g.GuildID, g.UserID, g.RoleID, s.now()); err != nil {
				s.logger.Error("failed to mark temporary role attempted", zap.Error(err))
			}
			continue
		}
		if removed {
			stats.Removed++
		}
		if _, err := s.repo.Delete(ctx, g.GuildID, g.UserID, g.RoleID); err != nil {
			s.logger.Error("failed to delete expired temporary role",
				zap.String("guild_id", g.GuildID), zap.String("user_id", g.UserID), zap.String("role_id", g.RoleID), zap.Error(err))
			stats.Skipped++
			continue
		}
		stats.Deleted++
		utils.ReconcileOutcomes.WithLabelValues("role_expiry", "deleted").Inc()
	}
	return stats, nil
}

// reconcile removes an expired grant's role when needed. keep reports that the
// record must stay for a later retry.
func (s *Service) reconcile(ctx context.Context, g *model.TemporaryRoleGrant) (removed, keep bool) {
	if !g.RemoveOnExpire {
		return false, false
	}
	log := s.logger.With(zap.String("guild_id", g.GuildID), zap.String("user_id", g.UserID), zap.String("role_id", g.RoleID))

	p := s.applier.Platform()
	member, err := p.ResolveMember(ctx, g.GuildID, g.UserID)
	if isGone(err) {
		return false, false
	}
	if err != nil {
		if _, gerr := p.ResolveGuild(ctx, g.GuildID); errors.Is(gerr, platform.ErrUnknownGuild) {
			return false, false
		}
		log.Warn("failed to resolve member for expired role", zap.Error(err))
		return false, true
	}
	if !member.HasRole(g.RoleID) {
		return false, false
	}

	role, err := p.ResolveRole(ctx, g.GuildID, g.RoleID)
	if errors.Is(err, platform.ErrUnknownRole) || errors.Is(err, platform.ErrUnknownGuild) {
		return false, false
	}
	if err != nil {
		log.Warn("failed to resolve expired role", zap.Error(err))
		return false, true
	}
	if err := platform.CheckRoleManageable(ctx, p, g.GuildID, role); err != nil {
		log.Warn("cannot manage expired role yet", zap.Error(err))
		return false, true
	}

	r := s.applier.RemoveRole(ctx, g.GuildID, g.UserID, g.RoleID, "Temporary role expired")
	switch r.Outcome {
	case platform.Applied:
		log.Info("expired temporary role removed")
		return true, false
	case platform.Failed:
		log.Warn("failed to remove expired role", zap.Error(r.Err))
		return false, true
	default:
		return false, false
	}
}
