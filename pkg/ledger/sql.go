package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and column types.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on database/sql. Timestamps are stored as Unix
// milliseconds so both dialects scan them the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call Init to create the table.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// OpenSQL opens a database for the dialect: lib/pq for postgres, modernc
// for sqlite. SQLite is limited to one connection so claims serialize.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	driver := "postgres"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS spell_ledger (
	fingerprint TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	owner TEXT NOT NULL,
	lease_until BIGINT NOT NULL,
	result %s,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// Init creates the ledger table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	blob := "BYTEA"
	if s.dialect == DialectSQLite {
		blob = "BLOB"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, blob)); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Claim(ctx context.Context, fp, owner string, lease time.Duration) (Entry, bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO spell_ledger (fingerprint, status, owner, lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`),
		fp, string(StatusPending), owner, millis(now.Add(lease)), millis(now), millis(now),
	)
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: claim: %w", err)
	}
	if rows == 1 {
		return Entry{
			Fingerprint: fp,
			Status:      StatusPending,
			Owner:       owner,
			LeaseUntil:  fromMillis(millis(now.Add(lease))),
			CreatedAt:   fromMillis(millis(now)),
			UpdatedAt:   fromMillis(millis(now)),
		}, true, nil
	}
	e, err := s.Get(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		// released between the insert and the read
		return s.Claim(ctx, fp, owner, lease)
	}
	return e, false, err
}

func (s *SQLStore) Complete(ctx context.Context, fp, owner string, result []byte) error {
	return s.ownedExec(ctx, "complete", `
		UPDATE spell_ledger SET status = ?, result = ?, updated_at = ?
		WHERE fingerprint = ? AND owner = ? AND status = ?`,
		string(StatusDone), result, millis(s.now()), fp, owner, string(StatusPending),
	)
}

func (s *SQLStore) Release(ctx context.Context, fp, owner string) error {
	return s.ownedExec(ctx, "release", `
		DELETE FROM spell_ledger WHERE fingerprint = ? AND owner = ? AND status = ?`,
		fp, owner, string(StatusPending),
	)
}

func (s *SQLStore) Renew(ctx context.Context, fp, owner string, lease time.Duration) error {
	now := s.now()
	return s.ownedExec(ctx, "renew", `
		UPDATE spell_ledger SET lease_until = ?, updated_at = ?
		WHERE fingerprint = ? AND owner = ? AND status = ?`,
		millis(now.Add(lease)), millis(now), fp, owner, string(StatusPending),
	)
}

func (s *SQLStore) ownedExec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if rows == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, fp string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT fingerprint, status, owner, lease_until, result, created_at, updated_at
		FROM spell_ledger WHERE fingerprint = ?`), fp)

	var (
		e                       Entry
		status                  string
		lease, created, updated int64
		result                  []byte
	)
	if err := row.Scan(&e.Fingerprint, &status, &e.Owner, &lease, &result, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: get: %w", err)
	}
	e.Status = Status(status)
	e.LeaseUntil = fromMillis(lease)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if len(result) > 0 {
		e.Result = result
	}
	return e, nil
}
