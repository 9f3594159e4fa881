// Package cmdperm grants users temporary access to commands. Expiry is enforced
// when checking and by the store's own TTL eviction; nothing sweeps it.
package cmdperm

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"modlog-bot/model"
	"modlog-bot/utils"
)

type Repository interface {
	Put(ctx context.Context, p model.TemporaryCommandPermission) error
	Get(ctx context.Context, guildID, userID string, keys []model.CommandKey) ([]model.TemporaryCommandPermission, error)
	Delete(ctx context.Context, guildID, userID string, keys []model.CommandKey) (int64, error)
	List(ctx context.Context, guildID, userID string) ([]model.TemporaryCommandPermission, error)
}

type GrantInput struct {
	GuildID   string
	UserID    string
	Command   string
	GrantedBy string
	// DurationMs is ignored when Permanent is set.
	DurationMs int64
	Permanent  bool
}

type GrantResult struct {
	OK        bool
	Reason    model.FailureReason
	Command   model.CommandKey
	ExpiresAt time.Time
}

type RevokeResult struct {
	OK      bool
	Reason  model.FailureReason
	Command model.CommandKey
	Removed int64
}

type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *zap.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, logger: logger, now: now}
}

// Grant stores or refreshes a permission for the normalized command token.
func (s *Service) Grant(ctx context.Context, in GrantInput) (*GrantResult, error) {
	if in.GuildID == "" || in.UserID == "" || in.GrantedBy == "" {
		return &GrantResult{Reason: model.ReasonInvalidInput}, nil
	}
	key, err := utils.NormalizeCommandToken(in.Command)
	if err != nil {
		return &GrantResult{Reason: model.ReasonInvalidInput}, nil
	}

	ttl := model.PermanentGrantTTL
	if !in.Permanent {
		if in.DurationMs <= 0 || in.DurationMs > utils.MaxDurationMs {
			return &GrantResult{Reason: model.ReasonInvalidDuration}, nil
		}
		ttl = time.Duration(in.DurationMs) * time.Millisecond
	}

	p := model.TemporaryCommandPermission{
		GuildID:   in.GuildID,
		UserID:    in.UserID,
		Command:   key,
		GrantedBy: in.GrantedBy,
		ExpiresAt: s.now().Add(ttl),
	}
	if err := s.repo.Put(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("command permission granted",
		zap.String("guild_id", in.GuildID), zap.String("user_id", in.UserID),
		zap.Stringer("command", key), zap.Time("expires_at", p.ExpiresAt))
	return &GrantResult{OK: true, Command: key, ExpiresAt: p.ExpiresAt}, nil
}

// candidates lists the stored keys that allow key. A grant under "any"
// matches every scope; checking "any" accepts a grant under any scope.
func candidates(key model.CommandKey) []model.CommandKey {
	if key.Scope == model.ScopeAny {
		return utils.ExpandCommandScopes(key)
	}
	return []model.CommandKey{key, {Scope: model.ScopeAny, Name: key.Name}}
}

// Has reports whether the user holds an unexpired grant for key. Read
// failures count as no permission.
func (s *Service) Has(ctx context.Context, guildID, userID string, key model.CommandKey) bool {
	perms, err := s.repo.Get(ctx, guildID, userID, candidates(key))
	if err != nil {
		s.logger.Warn("failed to read command permissions",
			zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return false
	}
	now := s.now()
	for _, p := range perms {
		if p.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// Revoke removes the command's grants under every scope.
func (s *Service) Revoke(ctx context.Context, guildID, userID, command string) (*RevokeResult, error) {
	if guildID == "" || userID == "" {
		return &RevokeResult{Reason: model.ReasonInvalidInput}, nil
	}
	key, err := utils.NormalizeCommandToken(command)
	if err != nil {
		return &RevokeResult{Reason: model.ReasonInvalidInput}, nil
	}
	n, err := s.repo.Delete(ctx, guildID, userID, utils.ExpandCommandScopes(key))
	if err != nil {
		return nil, err
	}
	return &RevokeResult{OK: true, Command: key, Removed: n}, nil
}

// List returns the user's unexpired grants ordered by command. Read failures
// yield an empty list.
func (s *Service) List(ctx context.Context, guildID, userID string) []model.TemporaryCommandPermission {
	perms, err := s.repo.List(ctx, guildID, userID)
	if err != nil {
		s.logger.Warn("failed to list command permissions",
			zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return []model.TemporaryCommandPermission{}
	}
	now := s.now()
	live := make([]model.TemporaryCommandPermission, 0, len(perms))
	for _, p := range perms {
		if p.ExpiresAt.After(now) {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Command.String() < live[j].Command.String() })
	return live
}
