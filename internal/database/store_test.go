package database

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mantonx/syncstream/internal/config"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/rtsp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultConfig().Database
	cfg.Path = ":memory:"
	// every pooled connection would get its own in-memory database
	cfg.MaxOpenConns = 1
	db, err := Open(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db, nil)
}

func sessionInfo(id, path string, created time.Time) rtsp.SessionInfo {
	return rtsp.SessionInfo{
		ID:           id,
		Path:         path,
		MediaID:      "media-" + id,
		Shared:       true,
		State:        "ready",
		Transport:    "tcp",
		Remote:       "127.0.0.1:50000",
		Streams:      1,
		Created:      created,
		LastActivity: created,
		Timeout:      time.Minute,
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().Add(-time.Minute).UTC()
	info := sessionInfo("a", "/test", start)

	s.SessionOpened(info)
	row, err := s.Session("a")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusOpen, row.Status)
	assert.Equal(t, "/test", row.Path)
	assert.Nil(t, row.EndTime)

	info.Streams = 2
	s.SessionClosed(info, "teardown")
	row, err = s.Session("a")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusClosed, row.Status)
	assert.Equal(t, "teardown", row.CloseReason)
	assert.Equal(t, 2, row.Streams)
	require.NotNil(t, row.EndTime)
	assert.InDelta(t, float64(time.Minute), float64(row.Duration(time.Now())), float64(5*time.Second))
}

func TestStore_CloseWithoutOpenInserts(t *testing.T) {
	s := newTestStore(t)
	s.SessionClosed(sessionInfo("late", "/test", time.Now()), "timeout")
	row, err := s.Session("late")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusClosed, row.Status)
	assert.Equal(t, "timeout", row.CloseReason)
}

func TestStore_QueriesAndHousekeeping(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, path := range []string{"/test", "/bars", "/test"} {
		s.SessionOpened(sessionInfo(string(rune('a'+i)), path, base.Add(time.Duration(i)*time.Minute)))
	}
	s.SessionClosed(sessionInfo("a", "/test", base), "teardown")

	rows, err := s.Sessions(SessionFilter{Path: "/test"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].ID, "newest first")

	open, err := s.Sessions(SessionFilter{Status: SessionStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	n, err := s.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Prune(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Session("a")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_ClockSyncs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordClockSync("clk-1", "ntp", "pool.ntp.org:123", 3*time.Millisecond, time.Millisecond))
	rows, err := s.ClockSyncs(0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3*time.Millisecond), rows[0].OffsetNs)
	assert.Equal(t, "ntp", rows[0].Kind)
}

func TestOpen_RejectsUnknownType(t *testing.T) {
	cfg := config.DefaultConfig().Database
	cfg.Type = "mysql"
	_, err := Open(cfg, nil)
	assert.Error(t, err)

	cfg.Type = "postgres"
	cfg.URL = ""
	_, err = Open(cfg, nil)
	assert.Error(t, err)
}

// newMockDb creates a postgres-dialect gorm DB backed by go-sqlmock
func newMockDb(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })
	return db, mock
}

func TestStore_PostgresDialect(t *testing.T) {
	db, mock := newMockDb(t)
	s := NewStore(db, nil)
	info := sessionInfo("pg", "/test", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "stream_sessions"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	s.SessionOpened(info)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "stream_sessions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	s.SessionClosed(info, "disconnect")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "stream_sessions" WHERE path = $1 ORDER BY start_time DESC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "path", "status", "start_time", "last_active"}).
			AddRow("pg", "/test", "closed", info.Created, info.Created))
	rows, err := s.Sessions(SessionFilter{Path: "/test"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, SessionStatusClosed, rows[0].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}
