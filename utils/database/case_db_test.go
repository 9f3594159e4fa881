package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modlog-bot/model"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func insertCase(t *testing.T, s *CaseStore, c model.ModCase) *model.ModCase {
	t.Helper()
	n, err := s.AllocateCaseNumber(context.Background(), c.GuildID)
	require.NoError(t, err)
	c.CaseID = n
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t0
	}
	c.Active = true
	require.NoError(t, s.InsertCase(context.Background(), &c))
	return &c
}

func TestAllocateCaseNumberPerGuild(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.AllocateCaseNumber(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.AllocateCaseNumber(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAllocateCaseNumberError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectQuery("INSERT INTO mod_configs").WillReturnError(errors.New("disk full"))
	s := NewCaseStore(sqlx.NewDb(raw, "sqlite3"))

	_, err = s.AllocateCaseNumber(context.Background(), "g1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseRoundTripKeepsOptionalFields(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()

	timed := insertCase(t, s, model.ModCase{
		GuildID:    "g1",
		Action:     model.ActionMute,
		Subject:    model.UserSubject("u1"),
		ModID:      "m1",
		Reason:     "noise",
		DurationMs: ptr(int64(60_000)),
		ExpiresAt:  ptr(t0.Add(time.Minute)),
		Context:    model.CaseContext{ChannelID: "c1", MessageID: "msg1"},
	})
	plain := insertCase(t, s, model.ModCase{
		GuildID: "g1",
		Action:  model.ActionLock,
		Subject: model.ChannelSubject("c9"),
		ModID:   "m1",
		Reason:  "raid",
	})

	got, err := s.GetCase(ctx, "g1", timed.CaseID)
	require.NoError(t, err)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(60_000), *got.DurationMs)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "msg1", got.Context.MessageID)
	assert.Empty(t, got.Edits)

	got, err = s.GetCase(ctx, "g1", plain.CaseID)
	require.NoError(t, err)
	assert.Nil(t, got.DurationMs)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.ClosedAt)
	assert.Equal(t, model.ChannelSubject("c9"), got.Subject)

	_, err = s.GetCase(ctx, "g1", 99)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestFindRecentMatchesDurationAndReason(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()
	m := CaseMatch{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u1"), ModID: "m1"}

	permanent := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: m.Subject, ModID: "m1", Reason: "spam"})

	got, err := s.FindRecent(ctx, m, t0.Add(-time.Second), ptr("spam"), nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, permanent.CaseID, got.CaseID)

	got, err = s.FindRecent(ctx, m, t0.Add(-time.Second), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = s.FindRecent(ctx, m, t0.Add(-time.Second), ptr("other"), nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindRecent(ctx, m, t0.Add(-time.Second), nil, ptr(int64(1000)))
	require.NoError(t, err)
	assert.Nil(t, got, "a timed lookup must not match a permanent case")

	got, err = s.FindRecent(ctx, m, t0.Add(time.Second), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got, "cases before the window are ignored")
}

func TestFindByMessageID(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()
	m := CaseMatch{GuildID: "g1", Action: model.ActionKick, Subject: model.UserSubject("u1"), ModID: "m1"}
	c := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionKick, Subject: m.Subject, ModID: "m1", Reason: "x",
		Context: model.CaseContext{MessageID: "entry-1"}})

	got, err := s.FindByMessageID(ctx, m, "entry-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.CaseID, got.CaseID)

	got, err = s.FindByMessageID(ctx, m, "entry-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindExpiredOrdersAndFilters(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()

	later := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u1"), ModID: "m1", Reason: "a",
		DurationMs: ptr(int64(2000)), ExpiresAt: ptr(t0.Add(2 * time.Second))})
	sooner := insertCase(t, s, model.ModCase{GuildID: "g2", Action: model.ActionBan, Subject: model.UserSubject("u2"), ModID: "m1", Reason: "b",
		DurationMs: ptr(int64(1000)), ExpiresAt: ptr(t0.Add(time.Second))})
	insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u3"), ModID: "m1", Reason: "c",
		DurationMs: ptr(int64(60_000)), ExpiresAt: ptr(t0.Add(time.Minute))})
	insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionMute, Subject: model.UserSubject("u4"), ModID: "m1", Reason: "d",
		DurationMs: ptr(int64(1000)), ExpiresAt: ptr(t0.Add(time.Second))})
	insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u5"), ModID: "m1", Reason: "permanent"})

	got, err := s.FindExpired(ctx, model.ActionBan, t0.Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sooner.GuildID, got[0].GuildID)
	assert.Equal(t, later.CaseID, got[1].CaseID)

	got, err = s.FindExpired(ctx, model.ActionBan, t0.Add(2*time.Second), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	closed, err := s.CloseCase(ctx, sooner.GuildID, sooner.CaseID, t0, "done")
	require.NoError(t, err)
	assert.True(t, closed)
	got, err = s.FindExpired(ctx, model.ActionBan, t0.Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFindExpiredPutsAttemptedCasesLast(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()

	first := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u1"), ModID: "m1", Reason: "a",
		DurationMs: ptr(int64(1000)), ExpiresAt: ptr(t0.Add(time.Second))})
	second := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u2"), ModID: "m1", Reason: "b",
		DurationMs: ptr(int64(2000)), ExpiresAt: ptr(t0.Add(2 * time.Second))})

	require.NoError(t, s.MarkAttempted(ctx, "g1", first.CaseID, t0.Add(time.Minute)))
	got, err := s.FindExpired(ctx, model.ActionBan, t0.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.CaseID, got[0].CaseID)

	require.NoError(t, s.MarkAttempted(ctx, "g1", second.CaseID, t0.Add(2*time.Minute)))
	got, err = s.FindExpired(ctx, model.ActionBan, t0.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.CaseID, got[0].CaseID)
	assert.Equal(t, second.CaseID, got[1].CaseID)
}

func TestOpenMigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE mod_cases (
		guild_id TEXT NOT NULL, case_id INTEGER NOT NULL, action TEXT NOT NULL,
		subject_kind TEXT NOT NULL, subject_id TEXT NOT NULL, mod_id TEXT NOT NULL,
		reason TEXT NOT NULL, duration_ms INTEGER, expires_at INTEGER,
		active BOOLEAN NOT NULL DEFAULT 1, closed_at INTEGER, close_reason TEXT,
		channel_id TEXT NOT NULL DEFAULT '', message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL, PRIMARY KEY (guild_id, case_id))`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	s := NewCaseStore(db)
	c := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u1"), ModID: "m1", Reason: "a",
		DurationMs: ptr(int64(1000)), ExpiresAt: ptr(t0.Add(time.Second))})
	assert.NoError(t, s.MarkAttempted(context.Background(), "g1", c.CaseID, t0))

	reopened, err := Open(path)
	require.NoError(t, err)
	reopened.Close()
}

func TestCloseCaseOnlyOnce(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()
	c := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionWarn, Subject: model.UserSubject("u1"), ModID: "m1", Reason: "x"})

	closed, err := s.CloseCase(ctx, "g1", c.CaseID, t0.Add(time.Minute), "first")
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseCase(ctx, "g1", c.CaseID, t0.Add(2*time.Minute), "second")
	require.NoError(t, err)
	assert.False(t, closed)

	got, err := s.GetCase(ctx, "g1", c.CaseID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.CloseReason)
	assert.Equal(t, "first", *got.CloseReason)
	assert.True(t, got.ClosedAt.Equal(t0.Add(time.Minute)))
}

func TestUpdatesAppendEditsInOrder(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()
	c := insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionMute, Subject: model.UserSubject("u1"), ModID: "m1", Reason: "old",
		DurationMs: ptr(int64(1000)), ExpiresAt: ptr(t0.Add(time.Second))})

	require.NoError(t, s.UpdateReason(ctx, "g1", c.CaseID, "new", model.CaseEdit{
		Field: "reason", Previous: "old", Next: "new", EditedBy: "m2", EditedAt: t0.Add(time.Second)}))
	require.NoError(t, s.UpdateDuration(ctx, "g1", c.CaseID, nil, nil, model.CaseEdit{
		Field: "duration", Previous: "1000", Next: "permanent", EditedBy: "m2", EditedAt: t0.Add(2 * time.Second)}))

	got, err := s.GetCase(ctx, "g1", c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Reason)
	assert.Nil(t, got.DurationMs)
	assert.Nil(t, got.ExpiresAt)
	require.Len(t, got.Edits, 2)
	assert.Equal(t, "reason", got.Edits[0].Field)
	assert.Equal(t, "duration", got.Edits[1].Field)

	err = s.UpdateReason(ctx, "g1", 42, "x", model.CaseEdit{Field: "reason", EditedAt: t0})
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestCountByModerator(t *testing.T) {
	s := NewCaseStore(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionBan, Subject: model.UserSubject("u"), ModID: "m1", Reason: "x"})
	}
	insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionKick, Subject: model.UserSubject("u"), ModID: "m2", Reason: "x"})
	insertCase(t, s, model.ModCase{GuildID: "g1", Action: model.ActionWarn, Subject: model.UserSubject("u"), ModID: "m2", Reason: "x"})

	counts, err := s.CountByModerator(ctx, t0.Add(-time.Hour), []model.Action{model.ActionBan, model.ActionKick})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, ModActionCount{GuildID: "g1", ModID: "m1", Count: 3}, counts[0])
	assert.Equal(t, ModActionCount{GuildID: "g1", ModID: "m2", Count: 1}, counts[1])

	counts, err = s.CountByModerator(ctx, t0, nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
