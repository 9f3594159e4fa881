package database

import (
	"context"
	"encoding/json"
	"fmt"
	"modlog-bot/model"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const commandPermissionPrefix = "modlog:cmdperm"

type commandPermissionValue struct {
	GrantedBy string `json:"granted_by"`
	ExpiresAt int64  `json:"expires_at"`
}

// CommandPermissionStore keeps temporary command permissions in Redis, one key
// per (guild, user, scope, command). Every key carries EXPIREAT so Redis evicts
// expired grants on its own.
type CommandPermissionStore struct {
	client *goredis.Client
}

func NewCommandPermissionStore(client *goredis.Client) *CommandPermissionStore {
	return &CommandPermissionStore{client: client}
}

func commandPermissionKey(guildID, userID string, key model.CommandKey) string {
	return strings.Join([]string{commandPermissionPrefix, guildID, userID, string(key.Scope), key.Name}, ":")
}

func parseCommandPermissionKey(redisKey string) (guildID, userID string, key model.CommandKey, ok bool) {
	rest, found := strings.CutPrefix(redisKey, commandPermissionPrefix+":")
	if !found {
		return "", "", model.CommandKey{}, false
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return "", "", model.CommandKey{}, false
	}
	return parts[0], parts[1], model.CommandKey{Scope: model.CommandScope(parts[2]), Name: parts[3]}, true
}

// Put creates or refreshes a grant.
func (s *CommandPermissionStore) Put(ctx context.Context, p model.TemporaryCommandPermission) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	payload, err := json.Marshal(commandPermissionValue{GrantedBy: p.GrantedBy, ExpiresAt: toMillis(p.ExpiresAt)})
	if err != nil {
		return err
	}
	key := commandPermissionKey(p.GuildID, p.UserID, p.Command)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		pipe.ExpireAt(ctx, key, p.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store command permission %s: %w", key, err)
	}
	return nil
}

// Get returns the stored grants among keys. Rows past expiry that Redis has
// not evicted yet are returned too; callers filter on ExpiresAt.
func (s *CommandPermissionStore) Get(ctx context.Context, guildID, userID string, keys []model.CommandKey) ([]model.TemporaryCommandPermission, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, commandPermissionKey(guildID, userID, k))
	}
	return s.load(ctx, redisKeys)
}

func (s *CommandPermissionStore) load(ctx context.Context, redisKeys []string) ([]model.TemporaryCommandPermission, error) {
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read command permissions: %w", err)
	}

	perms := make([]model.TemporaryCommandPermission, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		guildID, userID, key, ok := parseCommandPermissionKey(redisKeys[i])
		if !ok {
			continue
		}
		var val commandPermissionValue
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("decode command permission %s: %w", redisKeys[i], err)
		}
		perms = append(perms, model.TemporaryCommandPermission{
			GuildID:   guildID,
			UserID:    userID,
			Command:   key,
			GrantedBy: val.GrantedBy,
			ExpiresAt: fromMillis(val.ExpiresAt),
		})
	}
	return perms, nil
}

// Delete removes the given grants and returns how many existed.
func (s *CommandPermissionStore) Delete(ctx context.Context, guildID, userID string, keys []model.CommandKey) (int64, error) {
	if s.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	if len(keys) == 0 {
		return 0, nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, commandPermissionKey(guildID, userID, k))
	}
	n, err := s.client.Del(ctx, redisKeys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete command permissions: %w", err)
	}
	return n, nil
}

// List returns every grant stored for a user.
func (s *CommandPermissionStore) List(ctx context.Context, guildID, userID string) ([]model.TemporaryCommandPermission, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	pattern := strings.Join([]string{commandPermissionPrefix, guildID, userID, "*"}, ":")

	var redisKeys []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan command permissions: %w", err)
		}
		redisKeys = append(redisKeys, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(redisKeys) == 0 {
		return []model.TemporaryCommandPermission{}, nil
	}
	return s.load(ctx, redisKeys)
}
