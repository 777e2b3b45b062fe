package ledger

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, DialectPostgres)
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s, mock
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestSQLStore_Init(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS spell_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimInserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO spell_ledger (fingerprint, status, owner, lease_until, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (fingerprint) DO NOTHING")).
		WithArgs("fp", "pending", "owner-a", int64(1_700_000_060_000), int64(1_700_000_000_000), int64(1_700_000_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, claimed, err := s.Claim(context.Background(), "fp", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, int64(1_700_000_060_000), e.LeaseUntil.UnixMilli())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimConflictReadsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO spell_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM spell_ledger WHERE fingerprint = $1")).
		WithArgs("fp").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "owner", "lease_until", "result", "created_at", "updated_at"}).
			AddRow("fp", "done", "owner-a", int64(1), []byte(`{"ok":true}`), int64(1), int64(2)))

	e, claimed, err := s.Claim(context.Background(), "fp", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, StatusDone, e.Status)
	assert.Equal(t, `{"ok":true}`, string(e.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CompleteScopedToOwner(t *testing.T) {
	s, mock := newMockStore(t)
	query := regexp.QuoteMeta("UPDATE spell_ledger SET status = $1, result = $2, updated_at = $3 WHERE fingerprint = $4 AND owner = $5 AND status = $6")
	mock.ExpectExec(query).
		WithArgs("done", []byte("r"), int64(1_700_000_000_000), "fp", "owner-a", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("done", []byte("r"), int64(1_700_000_000_000), "fp", "owner-b", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Complete(context.Background(), "fp", "owner-a", []byte("r")))
	assert.ErrorIs(t, s.Complete(context.Background(), "fp", "owner-b", []byte("r")), ErrNotOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Release(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM spell_ledger WHERE fingerprint = $1 AND owner = $2 AND status = $3")).
		WithArgs("fp", "owner-a", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Release(context.Background(), "fp", "owner-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Renew(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE spell_ledger SET lease_until = $1, updated_at = $2")).
		WithArgs(int64(1_700_000_030_000), int64(1_700_000_000_000), "fp", "owner-a", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Renew(context.Background(), "fp", "owner-a", 30*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM spell_ledger")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO spell_ledger")).WillReturnError(boom)

	_, _, err := s.Claim(context.Background(), "fp", "owner-a", time.Minute)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
