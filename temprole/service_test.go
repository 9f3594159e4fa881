package temprole

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modlog-bot/model"
	"modlog-bot/platform"
	"modlog-bot/utils"
	"modlog-bot/utils/database"
)

type fixture struct {
	svc   *Service
	fp    *platform.FakePlatform
	store *database.TempRoleStore
	now   time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fp := platform.NewFakePlatform("bot")
	fp.PutGuild("g1")
	fp.PutRole("g1", "botrole", 10)
	fp.PutRole("g1", "vip", 5)
	fp.PutRole("g1", "admin", 20)
	fp.PutMember("g1", "bot", "botrole")
	fp.Grant("g1", "bot", platform.CapManageRoles)
	fp.PutMember("g1", "u1")

	f := &fixture{fp: fp, store: database.NewTempRoleStore(db), now: time.UnixMilli(1_700_000_000_000)}
	f.svc = NewService(f.store, platform.NewApplier(fp, nil, nil), nil, func() time.Time { return f.now })
	return f
}

func TestGrantRejectsBadDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, d := range []int64{0, -5, utils.MaxDurationMs + 1} {
		res, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", d)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, model.ReasonInvalidDuration, res.Reason)
	}

	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.Zero(t, f.fp.Calls("AddRole"))
}

func TestGrantRefusals(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(*platform.FakePlatform)
		user   string
		role   string
		reason model.FailureReason
	}{
		{name: "empty role", user: "u1", role: "", reason: model.ReasonInvalidInput},
		{name: "unknown member", user: "ghost", role: "vip", reason: model.ReasonMemberNotFound},
		{name: "unknown role", user: "u1", role: "nope", reason: model.ReasonRoleNotFound},
		{name: "role above bot", user: "u1", role: "admin", reason: model.ReasonRoleAboveBot},
		{name: "role level with bot", user: "u1", role: "botrole", reason: model.ReasonRoleAboveBot},
		{
			name:   "missing manage roles",
			setup:  func(fp *platform.FakePlatform) { fp.Revoke("g1", "bot", platform.CapManageRoles) },
			user:   "u1",
			role:   "vip",
			reason: model.ReasonMissingManageRoles,
		},
		{
			name:   "bot not in guild",
			setup:  func(fp *platform.FakePlatform) { fp.RemoveMember("g1", "bot") },
			user:   "u1",
			role:   "vip",
			reason: model.ReasonBotMemberNotFound,
		},
		{
			name:   "add not reflected",
			setup:  func(fp *platform.FakePlatform) { fp.DropRoleAdds = true },
			user:   "u1",
			role:   "vip",
			reason: model.ReasonAddFailed,
		},
		{
			name:   "add rejected",
			setup:  func(fp *platform.FakePlatform) { fp.FailWith("AddRole", errors.New("500")) },
			user:   "u1",
			role:   "vip",
			reason: model.ReasonAddFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f.fp)
			}
			res, err := f.svc.Grant(ctx, "g1", tt.user, tt.role, "m1", 60_000)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tt.reason, res.Reason)

			g, err := f.store.Get(ctx, "g1", tt.user, tt.role)
			require.NoError(t, err)
			assert.Nil(t, g)
		})
	}
}

func TestGrantNewRoleIsRemovedOnExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 3_600_000)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.False(t, res.HadRoleBefore)
	assert.True(t, res.RemoveOnExpire)
	assert.Equal(t, f.now.Add(time.Hour), res.ExpiresAt)
	assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)

	f.advance(time.Hour + time.Millisecond)
	stats, err = f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Removed: 1, Deleted: 1}, stats)
	assert.False(t, f.fp.MemberHasRole("g1", "u1", "vip"))

	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestVeryLongGrantIsNotDueImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := utils.ParseDurationMs("15000w")
	require.NoError(t, err)
	res, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", d)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, f.now.UnixMilli()+d, res.ExpiresAt.UnixMilli())

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
	assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))
}

func TestGrantHeldRoleIsKeptOnExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fp.PutMember("g1", "u1", "vip")

	res, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.True(t, res.HadRoleBefore)
	assert.False(t, res.RemoveOnExpire)
	assert.Zero(t, f.fp.Calls("AddRole"))

	f.advance(2 * time.Minute)
	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Zero(t, stats.Removed)
	assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))
	assert.Zero(t, f.fp.Calls("RemoveRole"))

	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestRenewedGrantNeverBecomesRemovable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	require.True(t, first.RemoveOnExpire)

	second, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m2", 120_000)
	require.NoError(t, err)
	require.True(t, second.OK)
	assert.True(t, second.HadRoleBefore)
	assert.False(t, second.RemoveOnExpire)

	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "m2", g.GrantedBy)
	assert.False(t, g.RemoveOnExpire)
	assert.Equal(t, f.now.Add(2*time.Minute).UnixMilli(), g.ExpiresAt.UnixMilli())
}

func TestSweepSkipsWhenRoleNotManageable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	f.fp.Revoke("g1", "bot", platform.CapManageRoles)
	f.advance(2 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))
	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	assert.NotNil(t, g)

	f.fp.Grant("g1", "bot", platform.CapManageRoles)
	stats, err = f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.False(t, f.fp.MemberHasRole("g1", "u1", "vip"))
}

func TestSweepRetriesFailedRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	f.fp.FailWith("RemoveRole", errors.New("503"))
	f.advance(2 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	f.fp.FailWith("RemoveRole", nil)
	stats, err = f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Removed: 1, Deleted: 1}, stats)
}

func TestSweepDropsGrantsWithoutContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	f.fp.RemoveMember("g1", "u1")
	f.advance(2 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	f.fp.PutMember("g1", "u2")
	_, err = f.svc.Grant(ctx, "g1", "u2", "vip", "m1", 60_000)
	require.NoError(t, err)
	f.fp.RemoveGuild("g1")
	f.advance(2 * time.Minute)

	stats, err = f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
}

func TestSweepRotatesSkippedGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fp.PutRole("g1", "guest", 3)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	_, err = f.svc.Grant(ctx, "g1", "u1", "guest", "m1", 120_000)
	require.NoError(t, err)
	f.fp.PutRole("g1", "vip", 50)
	f.advance(5 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Skipped: 1}, stats)

	stats, err = f.svc.SweepExpired(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Removed: 1, Deleted: 1}, stats)
	assert.False(t, f.fp.MemberHasRole("g1", "u1", "guest"))
	assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))
}

func TestSweepChecksGuildWhenMemberLookupFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	f.fp.FailWith("ResolveMember", errors.New("403 Forbidden: Missing Access"))
	f.advance(2 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Skipped: 1}, stats)

	f.fp.RemoveGuild("g1")
	stats, err = f.svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Deleted: 1}, stats)

	g, err := f.store.Get(ctx, "g1", "u1", "vip")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestSweepHonoursBatchSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, u := range []string{"a", "b", "c"} {
		f.fp.PutMember("g1", u)
		_, err := f.svc.Grant(ctx, "g1", u, "vip", "m1", 60_000)
		require.NoError(t, err)
	}
	f.advance(2 * time.Minute)

	stats, err := f.svc.SweepExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deleted)
	stats, err = f.svc.SweepExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("removes a role the grant added", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
		require.NoError(t, err)

		res, err := f.svc.Revoke(ctx, "g1", "u1", "vip")
		require.NoError(t, err)
		assert.True(t, res.Existed)
		assert.True(t, res.RoleRemoved)
		assert.False(t, f.fp.MemberHasRole("g1", "u1", "vip"))
	})

	t.Run("leaves a role the member already had", func(t *testing.T) {
		f := newFixture(t)
		f.fp.PutMember("g1", "u1", "vip")
		_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
		require.NoError(t, err)

		res, err := f.svc.Revoke(ctx, "g1", "u1", "vip")
		require.NoError(t, err)
		assert.True(t, res.Existed)
		assert.False(t, res.RoleRemoved)
		assert.True(t, f.fp.MemberHasRole("g1", "u1", "vip"))
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Revoke(ctx, "g1", "u1", "vip")
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.False(t, res.Existed)
	})

	t.Run("removal failure keeps the record", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
		require.NoError(t, err)
		f.fp.FailWith("RemoveRole", errors.New("503"))

		_, err = f.svc.Revoke(ctx, "g1", "u1", "vip")
		assert.Error(t, err)
		g, err := f.store.Get(ctx, "g1", "u1", "vip")
		require.NoError(t, err)
		assert.NotNil(t, g)
	})
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Grant(ctx, "g1", "u1", "vip", "m1", 60_000)
	require.NoError(t, err)
	assert.Len(t, f.svc.ListActive(ctx, "g1"), 1)

	f.advance(2 * time.Minute)
	assert.Empty(t, f.svc.ListActive(ctx, "g1"))
}

func TestListActiveDegradesOnReadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT \\* FROM temp_role_grants").WillReturnError(errors.New("disk I/O error"))

	store := database.NewTempRoleStore(sqlx.NewDb(db, "sqlite3"))
	svc := NewService(store, platform.NewApplier(platform.NewFakePlatform("bot"), nil, nil), nil, nil)

	grants := svc.ListActive(context.Background(), "g1")
	assert.NotNil(t, grants)
	assert.Empty(t, grants)
	assert.NoError(t, mock.ExpectationsWereMet())
}
