package bot

import (
	"context"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/scanner"
	"modlog-bot/temprole"
)

// Scheduler owns the reconciliation loops.
type Scheduler struct {
	config   model.BotConfigProvider
	registry *scanner.Registry
	logger   *zap.Logger

	caseExpiry *scanner.CaseExpirySweeper
	roleExpiry *scanner.RoleExpirySweeper
	caseAudit  *scanner.CaseAuditor
}

func NewScheduler(b *Bot) *Scheduler {
	cfg := b.GetConfig()
	logger := b.Logger.Named("scheduler")
	return &Scheduler{
		config:     b,
		registry:   scanner.NewRegistry(logger),
		logger:     logger,
		caseExpiry: scanner.NewCaseExpirySweeper(b.CaseStore, b.Cases, b.Applier, cfg.SweepBatchSize, logger.Named(scanner.LoopCaseExpiry)),
		roleExpiry: scanner.NewRoleExpirySweeper(b.TempRoles, cfg.SweepBatchSize, logger.Named(scanner.LoopRoleExpiry)),
		caseAudit: scanner.NewCaseAuditor(b.CaseStore, b.FlagStore, scanner.AuditOptions{
			Window:    cfg.AuditWindow,
			Batch:     cfg.AuditBatchSize,
			Threshold: cfg.AuditMassActionThreshold,
		}, logger.Named(scanner.LoopCaseAudit)),
	}
}

// Start begins all loops. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.config.GetConfig()
	scanner.StartCaseExpiryLoop(ctx, s.registry, s.caseExpiry, cfg.CaseExpiryInterval)
	scanner.StartRoleExpiryLoop(ctx, s.registry, s.roleExpiry, cfg.RoleExpiryInterval)
	scanner.StartCaseAuditLoop(ctx, s.registry, s.caseAudit, cfg.CaseAuditInterval)
}

// Stop terminates all loops and waits for running ticks.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler...")
	s.registry.StopAll()
	s.logger.Info("Scheduler stopped.")
}

// SweepResult is what RunOnce did.
type SweepResult struct {
	Cases scanner.CaseSweepStats
	Roles temprole.SweepStats
	Audit scanner.AuditStats
}

// RunOnce runs a single tick of every loop in order, for maintenance runs.
func (s *Scheduler) RunOnce(ctx context.Context) SweepResult {
	return SweepResult{
		Cases: s.caseExpiry.Tick(ctx),
		Roles: s.roleExpiry.Tick(ctx),
		Audit: s.caseAudit.Tick(ctx),
	}
}
