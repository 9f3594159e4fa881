package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"modlog-bot/model"
	"time"

	"github.com/jmoiron/sqlx"
)

type modConfigRow struct {
	GuildID        string `db:"guild_id"`
	CaseCounter    int64  `db:"case_counter"`
	LogChannelID   string `db:"log_channel_id"`
	NotifyOnAction bool   `db:"notify_on_action"`
	ExemptRoleIDs  string `db:"exempt_role_ids"`
	ExemptUserIDs  string `db:"exempt_user_ids"`
	UpdatedAt      int64  `db:"updated_at"`
}

// ModConfigStore reads and writes the per-guild settings row. The case counter
// is only ever changed by CaseStore.AllocateCaseNumber.
type ModConfigStore struct {
	db *sqlx.DB
}

func NewModConfigStore(db *sqlx.DB) *ModConfigStore {
	return &ModConfigStore{db: db}
}

// Get returns the guild's config, or a zero config when none exists yet.
func (s *ModConfigStore) Get(ctx context.Context, guildID string) (*model.ModConfig, error) {
	var r modConfigRow
	query := `SELECT guild_id, case_counter, log_channel_id, notify_on_action, exempt_role_ids, exempt_user_ids, updated_at
			  FROM mod_configs WHERE guild_id = ?`
	err := s.db.GetContext(ctx, &r, query, guildID)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.ModConfig{GuildID: guildID, ExemptRoleIDs: []string{}, ExemptUserIDs: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mod config for guild %s: %w", guildID, err)
	}

	cfg := &model.ModConfig{
		GuildID:        r.GuildID,
		CaseCounter:    r.CaseCounter,
		LogChannelID:   r.LogChannelID,
		NotifyOnAction: r.NotifyOnAction,
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.ExemptRoleIDs), &cfg.ExemptRoleIDs); err != nil {
		return nil, fmt.Errorf("failed to parse exempt_role_ids for guild %s: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(r.ExemptUserIDs), &cfg.ExemptUserIDs); err != nil {
		return nil, fmt.Errorf("failed to parse exempt_user_ids for guild %s: %w", guildID, err)
	}
	return cfg, nil
}

// Save upserts the secondary settings of cfg, leaving case_counter untouched.
func (s *ModConfigStore) Save(ctx context.Context, cfg *model.ModConfig) error {
	roles, err := json.Marshal(nonNil(cfg.ExemptRoleIDs))
	if err != nil {
		return err
	}
	users, err := json.Marshal(nonNil(cfg.ExemptUserIDs))
	if err != nil {
		return err
	}

	query := `INSERT INTO mod_configs (guild_id, log_channel_id, notify_on_action, exempt_role_ids, exempt_user_ids, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT(guild_id) DO UPDATE SET
			  log_channel_id = excluded.log_channel_id,
			  notify_on_action = excluded.notify_on_action,
			  exempt_role_ids = excluded.exempt_role_ids,
			  exempt_user_ids = excluded.exempt_user_ids,
			  updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, cfg.GuildID, cfg.LogChannelID, cfg.NotifyOnAction, string(roles), string(users), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save mod config for guild %s: %w", cfg.GuildID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
