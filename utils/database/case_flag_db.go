package database

import (
	"context"
	"fmt"
	"modlog-bot/model"

	"github.com/jmoiron/sqlx"
)

type caseFlagRow struct {
	GuildID   string `db:"guild_id"`
	CaseID    int64  `db:"case_id"`
	Flag      string `db:"flag"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}

// CaseFlagStore keeps one row per (guild, case, flag) raised by the audit pass.
type CaseFlagStore struct {
	db *sqlx.DB
}

func NewCaseFlagStore(db *sqlx.DB) *CaseFlagStore {
	return &CaseFlagStore{db: db}
}

// Add stores f unless the same flag is already on the case. It reports
// whether a row was written.
func (s *CaseFlagStore) Add(ctx context.Context, f model.CaseFlag) (bool, error) {
	query := `INSERT OR IGNORE INTO case_flags (guild_id, case_id, flag, detail, created_at)
			  VALUES (:guild_id, :case_id, :flag, :detail, :created_at)`
	result, err := s.db.NamedExecContext(ctx, query, caseFlagRow{
		GuildID:   f.GuildID,
		CaseID:    f.CaseID,
		Flag:      f.Flag,
		Detail:    f.Detail,
		CreatedAt: toMillis(f.CreatedAt),
	})
	if err != nil {
		return false, fmt.Errorf("failed to add flag %s to case %d: %w", f.Flag, f.CaseID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for flag on case %d: %w", f.CaseID, err)
	}
	return n > 0, nil
}

// List returns a guild's flags, newest first.
func (s *CaseFlagStore) List(ctx context.Context, guildID string, limit int) ([]model.CaseFlag, error) {
	var rows []caseFlagRow
	query := `SELECT * FROM case_flags WHERE guild_id = ? ORDER BY created_at DESC, case_id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, guildID, limit); err != nil {
		return nil, fmt.Errorf("failed to list flags for guild %s: %w", guildID, err)
	}
	flags := make([]model.CaseFlag, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, model.CaseFlag{
			GuildID:   r.GuildID,
			CaseID:    r.CaseID,
			Flag:      r.Flag,
			Detail:    r.Detail,
			CreatedAt: fromMillis(r.CreatedAt),
		})
	}
	return flags, nil
}
