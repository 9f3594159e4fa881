package scanner

import (
	"context"

	"go.uber.org/zap"

	"modlog-bot/temprole"
)

// RoleSweeper is implemented by *temprole.Service.
type RoleSweeper interface {
	SweepExpired(ctx context.Context, limit int) (temprole.SweepStats, error)
}

type RoleExpirySweeper struct {
	roles  RoleSweeper
	batch  int
	logger *zap.Logger
}

func NewRoleExpirySweeper(roles RoleSweeper, batch int, logger *zap.Logger) *RoleExpirySweeper {
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleExpirySweeper{roles: roles, batch: batch, logger: logger}
}

func (s *RoleExpirySweeper) Tick(ctx context.Context) temprole.SweepStats {
	stats, err := s.roles.SweepExpired(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to query expired temporary roles", zap.Error(err))
		return stats
	}
	if stats.Scanned > 0 {
		s.logger.Info("role expiry sweep finished",
			zap.Int("scanned", stats.Scanned), zap.Int("removed", stats.Removed),
			zap.Int("deleted", stats.Deleted), zap.Int("skipped", stats.Skipped))
	}
	return stats
}
