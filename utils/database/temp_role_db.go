package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modlog-bot/model"
	"time"

	"github.com/jmoiron/sqlx"
)

type tempRoleRow struct {
	GuildID        string `db:"guild_id"`
	UserID         string `db:"user_id"`
	RoleID         string `db:"role_id"`
	GrantedBy      string `db:"granted_by"`
	ExpiresAt      int64  `db:"expires_at"`
	RemoveOnExpire bool   `db:"remove_on_expire"`
	CreatedAt      int64  `db:"created_at"`
	LastAttemptAt  int64  `db:"last_attempt_at"`
}

func (r tempRoleRow) toGrant() model.TemporaryRoleGrant {
	return model.TemporaryRoleGrant{
		GuildID:        r.GuildID,
		UserID:         r.UserID,
		RoleID:         r.RoleID,
		GrantedBy:      r.GrantedBy,
		ExpiresAt:      fromMillis(r.ExpiresAt),
		RemoveOnExpire: r.RemoveOnExpire,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

func rowsToGrants(rows []tempRoleRow) []model.TemporaryRoleGrant {
	grants := make([]model.TemporaryRoleGrant, 0, len(rows))
	for _, r := range rows {
		grants = append(grants, r.toGrant())
	}
	return grants
}

// TempRoleStore tracks temporary role grants keyed by (guild, user, role).
type TempRoleStore struct {
	db *sqlx.DB
}

func NewTempRoleStore(db *sqlx.DB) *TempRoleStore {
	return &TempRoleStore{db: db}
}

// Upsert inserts the grant or refreshes granted_by, expires_at and
// remove_on_expire of an existing one. A refreshed grant counts as untried.
func (s *TempRoleStore) Upsert(ctx context.Context, g *model.TemporaryRoleGrant) error {
	row := tempRoleRow{
		GuildID:        g.GuildID,
		UserID:         g.UserID,
		RoleID:         g.RoleID,
		GrantedBy:      g.GrantedBy,
		ExpiresAt:      toMillis(g.ExpiresAt),
		RemoveOnExpire: g.RemoveOnExpire,
		CreatedAt:      toMillis(g.CreatedAt),
	}
	query := `INSERT INTO temp_role_grants (guild_id, user_id, role_id, granted_by, expires_at, remove_on_expire, created_at)
			  VALUES (:guild_id, :user_id, :role_id, :granted_by, :expires_at, :remove_on_expire, :created_at)
			  ON CONFLICT(guild_id, user_id, role_id) DO UPDATE SET
			  granted_by = excluded.granted_by,
			  expires_at = excluded.expires_at,
			  remove_on_expire = excluded.remove_on_expire,
			  last_attempt_at = 0`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert temp role %s for user %s: %w", g.RoleID, g.UserID, err)
	}
	return nil
}

// Get returns the grant or nil.
func (s *TempRoleStore) Get(ctx context.Context, guildID, userID, roleID string) (*model.TemporaryRoleGrant, error) {
	var r tempRoleRow
	query := `SELECT * FROM temp_role_grants WHERE guild_id = ? AND user_id = ? AND role_id = ?`
	if err := s.db.GetContext(ctx, &r, query, guildID, userID, roleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get temp role %s for user %s: %w", roleID, userID, err)
	}
	g := r.toGrant()
	return &g, nil
}

// Delete removes the grant and reports whether it existed.
func (s *TempRoleStore) Delete(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	query := "DELETE FROM temp_role_grants WHERE guild_id = ? AND user_id = ? AND role_id = ?"
	result, err := s.db.ExecContext(ctx, query, guildID, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to delete temp role %s for user %s in guild %s: %w", roleID, userID, guildID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for temp role %s: %w", roleID, err)
	}
	return rowsAffected > 0, nil
}

// ListDue returns grants whose expiry is at or before now. Untried grants come
// first, soonest first; retried grants follow by last attempt.
func (s *TempRoleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.TemporaryRoleGrant, error) {
	var rows []tempRoleRow
	query := "SELECT * FROM temp_role_grants WHERE expires_at <= ? ORDER BY last_attempt_at ASC, expires_at ASC LIMIT ?"
	if err := s.db.SelectContext(ctx, &rows, query, toMillis(now), limit); err != nil {
		return nil, fmt.Errorf("failed to get due temp roles: %w", err)
	}
	return rowsToGrants(rows), nil
}

// MarkAttempted records a failed reconciliation at the given time.
func (s *TempRoleStore) MarkAttempted(ctx context.Context, guildID, userID, roleID string, at time.Time) error {
	query := "UPDATE temp_role_grants SET last_attempt_at = ? WHERE guild_id = ? AND user_id = ? AND role_id = ?"
	if _, err := s.db.ExecContext(ctx, query, toMillis(at), guildID, userID, roleID); err != nil {
		return fmt.Errorf("failed to mark temp role %s for user %s attempted: %w", roleID, userID, err)
	}
	return nil
}

// ListActive returns a guild's unexpired grants, soonest expiry first.
func (s *TempRoleStore) ListActive(ctx context.Context, guildID string, now time.Time) ([]model.TemporaryRoleGrant, error) {
	var rows []tempRoleRow
	query := "SELECT * FROM temp_role_grants WHERE guild_id = ? AND expires_at > ? ORDER BY expires_at ASC"
	if err := s.db.SelectContext(ctx, &rows, query, guildID, toMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to list temp roles for guild %s: %w", guildID, err)
	}
	return rowsToGrants(rows), nil
}
