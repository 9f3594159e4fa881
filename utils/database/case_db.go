package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modlog-bot/model"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrCaseNotFound = errors.New("case not found")

// CaseMatch identifies "the same action" for dedupe lookups.
type CaseMatch struct {
	GuildID string
	Action  model.Action
	Subject model.Subject
	ModID   string
}

// ModActionCount is the number of cases one moderator created in a guild.
type ModActionCount struct {
	GuildID string `db:"guild_id"`
	ModID   string `db:"mod_id"`
	Count   int    `db:"count"`
}

type caseRow struct {
	GuildID     string         `db:"guild_id"`
	CaseID      int64          `db:"case_id"`
	Action      string         `db:"action"`
	SubjectKind string         `db:"subject_kind"`
	SubjectID   string         `db:"subject_id"`
	ModID       string         `db:"mod_id"`
	Reason      string         `db:"reason"`
	DurationMs  sql.NullInt64  `db:"duration_ms"`
	ExpiresAt   sql.NullInt64  `db:"expires_at"`
	Active      bool           `db:"active"`
	ClosedAt    sql.NullInt64  `db:"closed_at"`
	CloseReason sql.NullString `db:"close_reason"`
	ChannelID   string         `db:"channel_id"`
	MessageID   string         `db:"message_id"`
	CreatedAt   int64          `db:"created_at"`
}

type editRow struct {
	Field    string `db:"field"`
	Previous string `db:"previous"`
	Next     string `db:"next"`
	EditedBy string `db:"edited_by"`
	EditedAt int64  `db:"edited_at"`
}

const caseColumns = `guild_id, case_id, action, subject_kind, subject_id, mod_id, reason,
	duration_ms, expires_at, active, closed_at, close_reason, channel_id, message_id, created_at`

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func rowFromCase(c *model.ModCase) caseRow {
	r := caseRow{
		GuildID:     c.GuildID,
		CaseID:      c.CaseID,
		Action:      string(c.Action),
		SubjectKind: string(c.Subject.Kind),
		SubjectID:   c.Subject.ID,
		ModID:       c.ModID,
		Reason:      c.Reason,
		DurationMs:  nullInt(c.DurationMs),
		ExpiresAt:   nullTime(c.ExpiresAt),
		Active:      c.Active,
		ClosedAt:    nullTime(c.ClosedAt),
		ChannelID:   c.Context.ChannelID,
		MessageID:   c.Context.MessageID,
		CreatedAt:   toMillis(c.CreatedAt),
	}
	if c.CloseReason != nil {
		r.CloseReason = sql.NullString{String: *c.CloseReason, Valid: true}
	}
	return r
}

func (r caseRow) toCase() model.ModCase {
	c := model.ModCase{
		GuildID:   r.GuildID,
		CaseID:    r.CaseID,
		Action:    model.Action(r.Action),
		Subject:   model.Subject{Kind: model.SubjectKind(r.SubjectKind), ID: r.SubjectID},
		ModID:     r.ModID,
		Reason:    r.Reason,
		Active:    r.Active,
		Context:   model.CaseContext{ChannelID: r.ChannelID, MessageID: r.MessageID},
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		c.DurationMs = &d
	}
	if r.ExpiresAt.Valid {
		t := fromMillis(r.ExpiresAt.Int64)
		c.ExpiresAt = &t
	}
	if r.ClosedAt.Valid {
		t := fromMillis(r.ClosedAt.Int64)
		c.ClosedAt = &t
	}
	if r.CloseReason.Valid {
		s := r.CloseReason.String
		c.CloseReason = &s
	}
	return c
}

func rowsToCases(rows []caseRow) []model.ModCase {
	cases := make([]model.ModCase, 0, len(rows))
	for _, r := range rows {
		cases = append(cases, r.toCase())
	}
	return cases
}

// CaseStore persists mod cases, their edits and the per-guild case counter.
type CaseStore struct {
	db *sqlx.DB
}

func NewCaseStore(db *sqlx.DB) *CaseStore {
	return &CaseStore{db: db}
}

// AllocateCaseNumber increments and returns the guild's case counter in one
// statement, creating the config row on first use.
func (s *CaseStore) AllocateCaseNumber(ctx context.Context, guildID string) (int64, error) {
	query := `INSERT INTO mod_configs (guild_id, case_counter, updated_at) VALUES (?, 1, ?)
			  ON CONFLICT(guild_id) DO UPDATE SET case_counter = case_counter + 1, updated_at = excluded.updated_at
			  RETURNING case_counter`
	var n int64
	if err := s.db.GetContext(ctx, &n, query, guildID, toMillis(time.Now())); err != nil {
		return 0, fmt.Errorf("failed to allocate case number for guild %s: %w", guildID, err)
	}
	return n, nil
}

// InsertCase writes a new case row. Edits on c are not persisted.
func (s *CaseStore) InsertCase(ctx context.Context, c *model.ModCase) error {
	query := `INSERT INTO mod_cases (` + caseColumns + `)
			  VALUES (:guild_id, :case_id, :action, :subject_kind, :subject_id, :mod_id, :reason,
			  :duration_ms, :expires_at, :active, :closed_at, :close_reason, :channel_id, :message_id, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, rowFromCase(c)); err != nil {
		return fmt.Errorf("failed to insert case %d for guild %s: %w", c.CaseID, c.GuildID, err)
	}
	return nil
}

func (s *CaseStore) getOne(ctx context.Context, query string, args ...interface{}) (*model.ModCase, error) {
	var r caseRow
	if err := s.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c := r.toCase()
	if err := s.loadEdits(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CaseStore) loadEdits(ctx context.Context, c *model.ModCase) error {
	var rows []editRow
	query := `SELECT field, previous, next, edited_by, edited_at FROM case_edits
			  WHERE guild_id = ? AND case_id = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, c.GuildID, c.CaseID); err != nil {
		return fmt.Errorf("failed to load edits for case %d: %w", c.CaseID, err)
	}
	c.Edits = make([]model.CaseEdit, 0, len(rows))
	for _, r := range rows {
		c.Edits = append(c.Edits, model.CaseEdit{
			Field:    r.Field,
			Previous: r.Previous,
			Next:     r.Next,
			EditedBy: r.EditedBy,
			EditedAt: fromMillis(r.EditedAt),
		})
	}
	return nil
}

// FindByMessageID returns the case matching m with the given correlation
// message id, or nil.
func (s *CaseStore) FindByMessageID(ctx context.Context, m CaseMatch, messageID string) (*model.ModCase, error) {
	query := `SELECT ` + caseColumns + ` FROM mod_cases
			  WHERE guild_id = ? AND action = ? AND subject_kind = ? AND subject_id = ? AND mod_id = ? AND message_id = ?
			  ORDER BY case_id ASC LIMIT 1`
	c, err := s.getOne(ctx, query, m.GuildID, string(m.Action), string(m.Subject.Kind), m.Subject.ID, m.ModID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find case by message %s: %w", messageID, err)
	}
	return c, nil
}

// FindRecent returns the newest case matching m created at or after since with
// the same duration (both absent counts as equal). A nil reason matches any
// reason.
func (s *CaseStore) FindRecent(ctx context.Context, m CaseMatch, since time.Time, reason *string, durationMs *int64) (*model.ModCase, error) {
	query := `SELECT ` + caseColumns + ` FROM mod_cases
			  WHERE guild_id = ? AND action = ? AND subject_kind = ? AND subject_id = ? AND mod_id = ?
			  AND created_at >= ? AND duration_ms IS ?`
	args := []interface{}{m.GuildID, string(m.Action), string(m.Subject.Kind), m.Subject.ID, m.ModID, toMillis(since), nullInt(durationMs)}
	if reason != nil {
		query += " AND reason = ?"
		args = append(args, *reason)
	}
	query += " ORDER BY created_at DESC, case_id DESC LIMIT 1"

	c, err := s.getOne(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find recent case: %w", err)
	}
	return c, nil
}

// GetCase loads one case with its edits.
func (s *CaseStore) GetCase(ctx context.Context, guildID string, caseID int64) (*model.ModCase, error) {
	query := `SELECT ` + caseColumns + ` FROM mod_cases WHERE guild_id = ? AND case_id = ?`
	c, err := s.getOne(ctx, query, guildID, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get case %d for guild %s: %w", caseID, guildID, err)
	}
	if c == nil {
		return nil, fmt.Errorf("case %d for guild %s: %w", caseID, guildID, ErrCaseNotFound)
	}
	return c, nil
}

// ListForSubject returns a subject's cases newest first. Edits are not loaded.
func (s *CaseStore) ListForSubject(ctx context.Context, guildID string, subject model.Subject, limit int) ([]model.ModCase, error) {
	var rows []caseRow
	query := `SELECT ` + caseColumns + ` FROM mod_cases
			  WHERE guild_id = ? AND subject_kind = ? AND subject_id = ?
			  ORDER BY case_id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, guildID, string(subject.Kind), subject.ID, limit); err != nil {
		return nil, fmt.Errorf("failed to list cases for %s in guild %s: %w", subject, guildID, err)
	}
	return rowsToCases(rows), nil
}

// ListActive returns a guild's active cases ordered by case number.
func (s *CaseStore) ListActive(ctx context.Context, guildID string) ([]model.ModCase, error) {
	var rows []caseRow
	query := `SELECT ` + caseColumns + ` FROM mod_cases WHERE guild_id = ? AND active = 1 ORDER BY case_id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, guildID); err != nil {
		return nil, fmt.Errorf("failed to list active cases for guild %s: %w", guildID, err)
	}
	return rowsToCases(rows), nil
}

// FindExpired returns active cases of one action whose expiry is at or before
// now. Cases never attempted come first, soonest-expired first; retried cases
// follow in the order they were last attempted.
func (s *CaseStore) FindExpired(ctx context.Context, action model.Action, now time.Time, limit int) ([]model.ModCase, error) {
	var rows []caseRow
	query := `SELECT ` + caseColumns + ` FROM mod_cases
			  WHERE action = ? AND active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
			  ORDER BY last_attempt_at ASC, expires_at ASC, case_id ASC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, string(action), toMillis(now), limit); err != nil {
		return nil, fmt.Errorf("failed to find expired %s cases: %w", action, err)
	}
	return rowsToCases(rows), nil
}

// MarkAttempted records that reconciling the case was tried at and left it
// active, moving it behind untried cases in FindExpired.
func (s *CaseStore) MarkAttempted(ctx context.Context, guildID string, caseID int64, at time.Time) error {
	query := `UPDATE mod_cases SET last_attempt_at = ? WHERE guild_id = ? AND case_id = ?`
	if _, err := s.db.ExecContext(ctx, query, toMillis(at), guildID, caseID); err != nil {
		return fmt.Errorf("failed to mark case %d for guild %s attempted: %w", caseID, guildID, err)
	}
	return nil
}

// ListCreatedSince returns up to limit cases created at or after since, newest
// first.
func (s *CaseStore) ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]model.ModCase, error) {
	var rows []caseRow
	query := `SELECT ` + caseColumns + ` FROM mod_cases WHERE created_at >= ? ORDER BY created_at DESC, case_id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, toMillis(since), limit); err != nil {
		return nil, fmt.Errorf("failed to list cases since %v: %w", since, err)
	}
	return rowsToCases(rows), nil
}

// CountByModerator counts cases per (guild, moderator) created since the given
// time for the given actions.
func (s *CaseStore) CountByModerator(ctx context.Context, since time.Time, actions []model.Action) ([]ModActionCount, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actions)), ",")
	query := `SELECT guild_id, mod_id, COUNT(*) AS count FROM mod_cases
			  WHERE created_at >= ? AND action IN (` + placeholders + `)
			  GROUP BY guild_id, mod_id ORDER BY count DESC`
	args := []interface{}{toMillis(since)}
	for _, a := range actions {
		args = append(args, string(a))
	}
	var counts []ModActionCount
	if err := s.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count cases by moderator: %w", err)
	}
	return counts, nil
}

func insertEdit(ctx context.Context, ex sqlx.ExtContext, guildID string, caseID int64, e model.CaseEdit) error {
	query := `INSERT INTO case_edits (guild_id, case_id, field, previous, next, edited_by, edited_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.ExecContext(ctx, query, guildID, caseID, e.Field, e.Previous, e.Next, e.EditedBy, toMillis(e.EditedAt))
	return err
}

// AppendEdit appends one audit entry to a case.
func (s *CaseStore) AppendEdit(ctx context.Context, guildID string, caseID int64, e model.CaseEdit) error {
	if err := insertEdit(ctx, s.db, guildID, caseID, e); err != nil {
		return fmt.Errorf("failed to append edit to case %d: %w", caseID, err)
	}
	return nil
}

func (s *CaseStore) updateWithEdit(ctx context.Context, guildID string, caseID int64, e model.CaseEdit, query string, args ...interface{}) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s of case %d: %w", e.Field, caseID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for case %d: %w", caseID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("case %d for guild %s: %w", caseID, guildID, ErrCaseNotFound)
	}
	if err := insertEdit(ctx, tx, guildID, caseID, e); err != nil {
		return fmt.Errorf("failed to append edit to case %d: %w", caseID, err)
	}
	return tx.Commit()
}

// UpdateReason sets the reason and appends e in one transaction.
func (s *CaseStore) UpdateReason(ctx context.Context, guildID string, caseID int64, reason string, e model.CaseEdit) error {
	query := `UPDATE mod_cases SET reason = ? WHERE guild_id = ? AND case_id = ?`
	return s.updateWithEdit(ctx, guildID, caseID, e, query, reason, guildID, caseID)
}

// UpdateDuration sets duration and expiry together and appends e in one
// transaction.
func (s *CaseStore) UpdateDuration(ctx context.Context, guildID string, caseID int64, durationMs *int64, expiresAt *time.Time, e model.CaseEdit) error {
	query := `UPDATE mod_cases SET duration_ms = ?, expires_at = ? WHERE guild_id = ? AND case_id = ?`
	return s.updateWithEdit(ctx, guildID, caseID, e, query, nullInt(durationMs), nullTime(expiresAt), guildID, caseID)
}

// CloseCase moves an active case to closed. It reports false, without changing
// anything, when the case was already closed.
func (s *CaseStore) CloseCase(ctx context.Context, guildID string, caseID int64, closedAt time.Time, reason string) (bool, error) {
	query := `UPDATE mod_cases SET active = 0, closed_at = ?, close_reason = ?
			  WHERE guild_id = ? AND case_id = ? AND active = 1`
	result, err := s.db.ExecContext(ctx, query, toMillis(closedAt), reason, guildID, caseID)
	if err != nil {
		return false, fmt.Errorf("failed to close case %d for guild %s: %w", caseID, guildID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for case %d: %w", caseID, err)
	}
	return rowsAffected > 0, nil
}
