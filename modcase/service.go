// Package modcase records moderation actions as numbered cases and manages
// their active/closed lifecycle.
package modcase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/utils"
	"modlog-bot/utils/database"
)

const DefaultDedupeWindow = 15 * time.Second

var ErrInvalidInput = errors.New("invalid case input")

// Repository is the case persistence the service needs. *database.CaseStore
// implements it.
type Repository interface {
	AllocateCaseNumber(ctx context.Context, guildID string) (int64, error)
	InsertCase(ctx context.Context, c *model.ModCase) error
	FindByMessageID(ctx context.Context, m database.CaseMatch, messageID string) (*model.ModCase, error)
	FindRecent(ctx context.Context, m database.CaseMatch, since time.Time, reason *string, durationMs *int64) (*model.ModCase, error)
	GetCase(ctx context.Context, guildID string, caseID int64) (*model.ModCase, error)
	ListForSubject(ctx context.Context, guildID string, subject model.Subject, limit int) ([]model.ModCase, error)
	ListActive(ctx context.Context, guildID string) ([]model.ModCase, error)
	AppendEdit(ctx context.Context, guildID string, caseID int64, e model.CaseEdit) error
	UpdateReason(ctx context.Context, guildID string, caseID int64, reason string, e model.CaseEdit) error
	UpdateDuration(ctx context.Context, guildID string, caseID int64, durationMs *int64, expiresAt *time.Time, e model.CaseEdit) error
	CloseCase(ctx context.Context, guildID string, caseID int64, closedAt time.Time, reason string) (bool, error)
}

type ConfigRepository interface {
	Get(ctx context.Context, guildID string) (*model.ModConfig, error)
	Save(ctx context.Context, cfg *model.ModConfig) error
}

type Options struct {
	// AutomationActorIDs are actors whose reports are never recorded.
	// model.AutomationActor is always included.
	AutomationActorIDs []string
	DedupeWindow       time.Duration
	Logger             *zap.Logger
	Now                func() time.Time
}

type Service struct {
	cases   Repository
	configs ConfigRepository

	automation map[string]bool
	window     time.Duration
	logger     *zap.Logger
	now        func() time.Time

	guildLocks utils.KeyedMutex
}

func NewService(cases Repository, configs ConfigRepository, opts Options) *Service {
	s := &Service{
		cases:      cases,
		configs:    configs,
		automation: map[string]bool{model.AutomationActor: true},
		window:     opts.DedupeWindow,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	for _, id := range opts.AutomationActorIDs {
		if id != "" {
			s.automation[id] = true
		}
	}
	if s.window <= 0 {
		s.window = DefaultDedupeWindow
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddAutomationActor registers another actor id whose reports are skipped.
// It must be called before the service is shared between goroutines.
func (s *Service) AddAutomationActor(id string) {
	if id != "" {
		s.automation[id] = true
	}
}

func (s *Service) IsAutomationActor(id string) bool {
	return s.automation[id]
}

// DedupeOptions controls duplicate detection for CreateCase.
type DedupeOptions struct {
	Enabled bool
	// DisableMessageID skips the correlation match on Context.MessageID.
	DisableMessageID bool
	// IgnoreReason lets the window match accept a different reason.
	IgnoreReason bool
	// Window overrides the service dedupe window when positive.
	Window time.Duration
}

type CreateCaseInput struct {
	GuildID    string
	Action     model.Action
	Subject    model.Subject
	ModID      string
	Reason     string
	DurationMs *int64
	Context    model.CaseContext
	Dedupe     DedupeOptions
}

type CreateResult struct {
	Case        *model.ModCase
	Created     bool
	IsDuplicate bool
	Skipped     bool
}

func (in CreateCaseInput) validate() error {
	switch {
	case in.GuildID == "":
		return fmt.Errorf("%w: guild id is empty", ErrInvalidInput)
	case !in.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
	case in.Subject.ID == "" || (!in.Subject.IsUser() && !in.Subject.IsChannel()):
		return fmt.Errorf("%w: bad subject %q", ErrInvalidInput, in.Subject)
	case in.ModID == "":
		return fmt.Errorf("%w: mod id is empty", ErrInvalidInput)
	case in.DurationMs != nil && *in.DurationMs < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidInput)
	case in.DurationMs != nil && *in.DurationMs > utils.MaxDurationMs:
		return fmt.Errorf("%w: duration too long", ErrInvalidInput)
	}
	return nil
}

// CreateCase records an action. Reports from automation actors are skipped,
// and with dedupe enabled a report matching an existing case returns that case
// instead of creating a new one.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (*CreateResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if s.automation[in.ModID] {
		utils.CasesSkipped.WithLabelValues(string(in.Action)).Inc()
		return &CreateResult{Skipped: true}, nil
	}
	if in.Reason == "" {
		in.Reason = model.DefaultReason
	}

	unlock := s.guildLocks.Lock(in.GuildID)
	defer unlock()

	if in.Dedupe.Enabled {
		dup, match, err := s.findDuplicate(ctx, in)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			utils.CasesDeduplicated.WithLabelValues(string(in.Action), match).Inc()
			s.logger.Debug("duplicate case report",
				zap.String("guild_id", in.GuildID), zap.Int64("case_id", dup.CaseID), zap.String("match", match))
			return &CreateResult{Case: dup, IsDuplicate: true}, nil
		}
	}

	caseID, err := s.cases.AllocateCaseNumber(ctx, in.GuildID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &model.ModCase{
		GuildID:   in.GuildID,
		CaseID:    caseID,
		Action:    in.Action,
		Subject:   in.Subject,
		ModID:     in.ModID,
		Reason:    in.Reason,
		Active:    true,
		Context:   in.Context,
		Edits:     []model.CaseEdit{},
		CreatedAt: now,
	}
	if in.DurationMs != nil {
		d := *in.DurationMs
		exp := now.Add(time.Duration(d) * time.Millisecond)
		c.DurationMs = &d
		c.ExpiresAt = &exp
	}
	if err := s.cases.InsertCase(ctx, c); err != nil {
		s.logger.Error("case number allocated but insert failed",
			zap.String("guild_id", in.GuildID), zap.Int64("case_id", caseID), zap.Error(err))
		return nil, err
	}

	utils.CasesCreated.WithLabelValues(string(in.Action)).Inc()
	s.logger.Info("case created",
		zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID),
		zap.String("action", string(c.Action)), zap.Stringer("subject", c.Subject), zap.String("mod_id", c.ModID))
	return &CreateResult{Case: c, Created: true}, nil
}

func (s *Service) findDuplicate(ctx context.Context, in CreateCaseInput) (*model.ModCase, string, error) {
	m := database.CaseMatch{GuildID: in.GuildID, Action: in.Action, Subject: in.Subject, ModID: in.ModID}

	if in.Context.MessageID != "" && !in.Dedupe.DisableMessageID {
		c, err := s.cases.FindByMessageID(ctx, m, in.Context.MessageID)
		if err != nil {
			return nil, "", err
		}
		if c != nil {
			return c, "message_id", nil
		}
	}

	window := s.window
	if in.Dedupe.Window > 0 {
		window = in.Dedupe.Window
	}
	var reason *string
	if !in.Dedupe.IgnoreReason {
		reason = &in.Reason
	}
	c, err := s.cases.FindRecent(ctx, m, s.now().Add(-window), reason, in.DurationMs)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		return c, "window", nil
	}
	return nil, "", nil
}

// AppendEdit records one audit entry on a case without changing the field
// itself.
func (s *Service) AppendEdit(ctx context.Context, c *model.ModCase, field, previous, next, editedBy string) error {
	e := model.CaseEdit{Field: field, Previous: previous, Next: next, EditedBy: editedBy, EditedAt: s.now()}
	if err := s.cases.AppendEdit(ctx, c.GuildID, c.CaseID, e); err != nil {
		return err
	}
	c.Edits = append(c.Edits, e)
	return nil
}

// CloseCase moves an active case to closed. It returns false when the case was
// already closed; the stored closedAt and reason are then left as they were.
func (s *Service) CloseCase(ctx context.Context, c *model.ModCase, reason string) (bool, error) {
	reason = truncate(reason, model.MaxCloseReasonLength)
	now := s.now()
	closed, err := s.cases.CloseCase(ctx, c.GuildID, c.CaseID, now, reason)
	if err != nil {
		return false, err
	}
	if closed {
		c.Active = false
		c.ClosedAt = &now
		c.CloseReason = &reason
		s.logger.Info("case closed",
			zap.String("guild_id", c.GuildID), zap.Int64("case_id", c.CaseID), zap.String("reason", reason))
	}
	return closed, nil
}

// UpdateReason changes a case's reason and records the edit.
func (s *Service) UpdateReason(ctx context.Context, c *model.ModCase, reason, editedBy string) error {
	if reason == "" {
		reason = model.DefaultReason
	}
	e := model.CaseEdit{Field: "reason", Previous: c.Reason, Next: reason, EditedBy: editedBy, EditedAt: s.now()}
	if err := s.cases.UpdateReason(ctx, c.GuildID, c.CaseID, reason, e); err != nil {
		return err
	}
	c.Reason = reason
	c.Edits = append(c.Edits, e)
	return nil
}

// UpdateDuration changes a case's duration. The expiry is recomputed from the
// creation time; a nil duration clears both.
func (s *Service) UpdateDuration(ctx context.Context, c *model.ModCase, durationMs *int64, editedBy string) error {
	if durationMs != nil && *durationMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}
	if durationMs != nil && *durationMs > utils.MaxDurationMs {
		return fmt.Errorf("%w: duration too long", ErrInvalidInput)
	}
	var expiresAt *time.Time
	if durationMs != nil {
		exp := c.CreatedAt.Add(time.Duration(*durationMs) * time.Millisecond)
		expiresAt = &exp
	}
	e := model.CaseEdit{
		Field:    "duration",
		Previous: formatDuration(c.DurationMs),
		Next:     formatDuration(durationMs),
		EditedBy: editedBy,
		EditedAt: s.now(),
	}
	if err := s.cases.UpdateDuration(ctx, c.GuildID, c.CaseID, durationMs, expiresAt, e); err != nil {
		return err
	}
	c.DurationMs = durationMs
	c.ExpiresAt = expiresAt
	c.Edits = append(c.Edits, e)
	return nil
}

func (s *Service) GetCase(ctx context.Context, guildID string, caseID int64) (*model.ModCase, error) {
	return s.cases.GetCase(ctx, guildID, caseID)
}

func (s *Service) ListCasesForSubject(ctx context.Context, guildID string, subject model.Subject, limit int) ([]model.ModCase, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.cases.ListForSubject(ctx, guildID, subject, limit)
}

func (s *Service) ListActiveCases(ctx context.Context, guildID string) ([]model.ModCase, error) {
	return s.cases.ListActive(ctx, guildID)
}

func (s *Service) GetModConfig(ctx context.Context, guildID string) (*model.ModConfig, error) {
	return s.configs.Get(ctx, guildID)
}

// UpdateModConfig saves a guild's secondary settings. The case counter is
// never written here.
func (s *Service) UpdateModConfig(ctx context.Context, cfg *model.ModConfig) error {
	if cfg.GuildID == "" {
		return fmt.Errorf("%w: guild id is empty", ErrInvalidInput)
	}
	return s.configs.Save(ctx, cfg)
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "permanent"
	}
	return strconv.FormatInt(*ms, 10)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
