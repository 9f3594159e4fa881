package scanner

import (
	"context"
	"time"
)

const (
	LoopCaseExpiry = "case_expiry"
	LoopRoleExpiry = "role_expiry"
	LoopCaseAudit  = "case_audit"
)

const (
	defaultSweepBatch    = 50
	defaultCaseInterval  = time.Minute
	defaultRoleInterval  = time.Minute
	defaultAuditInterval = 10 * time.Minute
)

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// StartCaseExpiryLoop starts the case expiry sweep unless it is already running.
func StartCaseExpiryLoop(ctx context.Context, reg *Registry, s *CaseExpirySweeper, interval time.Duration) bool {
	return reg.Start(ctx, LoopCaseExpiry, orDefault(interval, defaultCaseInterval), func(ctx context.Context) {
		s.Tick(ctx)
	})
}

// StartRoleExpiryLoop starts the temporary role sweep unless it is already running.
func StartRoleExpiryLoop(ctx context.Context, reg *Registry, s *RoleExpirySweeper, interval time.Duration) bool {
	return reg.Start(ctx, LoopRoleExpiry, orDefault(interval, defaultRoleInterval), func(ctx context.Context) {
		s.Tick(ctx)
	})
}

func StartCaseAuditLoop(ctx context.Context, reg *Registry, a *CaseAuditor, interval time.Duration) bool {
	return reg.Start(ctx, LoopCaseAudit, orDefault(interval, defaultAuditInterval), func(ctx context.Context) {
		a.Tick(ctx)
	})
}
