package cmdperm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modlog-bot/model"
	"modlog-bot/utils"
	"modlog-bot/utils/database"
)

type fixture struct {
	svc *Service
	mr  *miniredis.Miniredis
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Redis evicts on wall-clock EXPIREAT, so the test clock starts at real time.
	f := &fixture{mr: mr, now: time.Now().Truncate(time.Millisecond)}
	f.svc = NewService(database.NewCommandPermissionStore(client), nil, func() time.Time { return f.now })
	return f
}

func key(scope model.CommandScope, name string) model.CommandKey {
	return model.CommandKey{Scope: scope, Name: name}
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", Command: "ban", GrantedBy: "m1", DurationMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidInput, res.Reason)

	res, err = f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "weird:ban", GrantedBy: "m1", DurationMs: 1000})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidInput, res.Reason)

	for _, d := range []int64{0, -5, utils.MaxDurationMs + 1} {
		res, err = f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "ban", GrantedBy: "m1", DurationMs: d})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, model.ReasonInvalidDuration, res.Reason)
	}
	assert.Empty(t, f.mr.Keys())
}

func TestScopedGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "/Ban", GrantedBy: "m1", DurationMs: 60_000})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, key(model.ScopeSlash, "ban"), res.Command)
	assert.True(t, f.mr.Exists("modlog:cmdperm:g1:u1:slash:ban"))

	assert.True(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeSlash, "ban")))
	assert.True(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeAny, "ban")))
	assert.False(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopePrefix, "ban")))
	assert.False(t, f.svc.Has(ctx, "g1", "u2", key(model.ScopeSlash, "ban")))
	assert.False(t, f.svc.Has(ctx, "g2", "u1", key(model.ScopeSlash, "ban")))
}

func TestBareGrantCoversEveryScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "purge", GrantedBy: "m1", DurationMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, key(model.ScopeAny, "purge"), res.Command)

	for _, s := range model.AllCommandScopes {
		assert.True(t, f.svc.Has(ctx, "g1", "u1", key(s, "purge")), s)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "ban", GrantedBy: "m1", DurationMs: 60_000})
	require.NoError(t, err)
	redisKey := "modlog:cmdperm:g1:u1:any:ban"
	ttl := f.mr.TTL(redisKey)
	assert.True(t, ttl > 0 && ttl <= time.Minute, ttl)

	// Checks filter on expiry even before Redis evicts the key.
	f.now = f.now.Add(61 * time.Second)
	assert.True(t, f.mr.Exists(redisKey))
	assert.False(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeAny, "ban")))
	assert.Empty(t, f.svc.List(ctx, "g1", "u1"))

	f.mr.FastForward(2 * time.Minute)
	assert.False(t, f.mr.Exists(redisKey))
}

func TestPermanentGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "prefix:warn", GrantedBy: "m1", Permanent: true})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, f.now.Add(model.PermanentGrantTTL), res.ExpiresAt)
	assert.Greater(t, f.mr.TTL("modlog:cmdperm:g1:u1:prefix:warn"), 99*365*24*time.Hour)

	f.now = f.now.Add(10 * 365 * 24 * time.Hour)
	assert.True(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopePrefix, "warn")))
}

func TestVeryLongGrantStaysValid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := utils.ParseDurationMs("15000w")
	require.NoError(t, err)
	res, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "ban", GrantedBy: "m1", DurationMs: d})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, f.now.UnixMilli()+d, res.ExpiresAt.UnixMilli())
	assert.True(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeSlash, "ban")))
}

func TestRevokeExpandsScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, cmd := range []string{"slash:ban", "prefix:ban", "slash:kick"} {
		_, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: cmd, GrantedBy: "m1", DurationMs: 60_000})
		require.NoError(t, err)
	}

	res, err := f.svc.Revoke(ctx, "g1", "u1", "slash:ban")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, int64(2), res.Removed)
	assert.False(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopePrefix, "ban")))
	assert.True(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeSlash, "kick")))

	res, err = f.svc.Revoke(ctx, "g1", "u1", "ban")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	res, err = f.svc.Revoke(ctx, "g1", "u1", "  ")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidInput, res.Reason)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, cmd := range []string{"slash:kick", "ban", "prefix:warn"} {
		_, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: cmd, GrantedBy: "m1", DurationMs: 60_000})
		require.NoError(t, err)
	}
	_, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u2", Command: "ban", GrantedBy: "m1", DurationMs: 60_000})
	require.NoError(t, err)

	perms := f.svc.List(ctx, "g1", "u1")
	require.Len(t, perms, 3)
	assert.Equal(t, "any:ban", perms[0].Command.String())
	assert.Equal(t, "prefix:warn", perms[1].Command.String())
	assert.Equal(t, "slash:kick", perms[2].Command.String())
	assert.Equal(t, "m1", perms[0].GrantedBy)
}

func TestReadFailuresDegrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "ban", GrantedBy: "m1", DurationMs: 60_000})
	require.NoError(t, err)
	f.mr.Close()

	assert.False(t, f.svc.Has(ctx, "g1", "u1", key(model.ScopeAny, "ban")))
	perms := f.svc.List(ctx, "g1", "u1")
	assert.NotNil(t, perms)
	assert.Empty(t, perms)

	_, err = f.svc.Grant(ctx, GrantInput{GuildID: "g1", UserID: "u1", Command: "kick", GrantedBy: "m1", DurationMs: 60_000})
	assert.Error(t, err)
}
