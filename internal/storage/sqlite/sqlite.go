// Package sqlite implements the logbook storage interface on sqlite.
//
// The search engine depends on JSON field extraction, JSON array
// iteration and recursive common table expressions; New verifies all
// of them and refuses to start when the library lacks one.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	regexpext "github.com/ncruces/go-sqlite3/ext/regexp"
)

func init() {
	// The search engine filters with the REGEXP operator, which
	// sqlite does not ship by default.
	sqlite3.AutoExtension(func(c *sqlite3.Conn) error {
		regexpext.Register(c)
		return nil
	})
}

// Store is the sqlite-backed implementation of storage.Storage.
type Store struct {
	db      *sql.DB
	path    string
	flk     *flock.Flock
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the default 1h entry lock lifetime.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLogger sets the logger used for warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (creating if necessary) the database at path and makes
// sure the schema exists. The database file is protected with an
// exclusive file lock so two server processes cannot share it.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		lockTTL: time.Hour,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		s.flk = flock.New(path + ".lock")
		ok, err := s.flk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock database file: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("database %s is in use by another process", path)
		}
	}

	db, err := sql.Open("sqlite3", connString(path))
	if err != nil {
		s.unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.checkFeatures(ctx); err != nil {
		_ = db.Close()
		s.unlock()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		s.unlock()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func connString(path string) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_time_format=sqlite" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"
}

// checkFeatures probes the sqlite library for the SQL features the
// search engine relies on.
func (s *Store) checkFeatures(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx,
		`SELECT json_extract('{"a": 1}', '$.a')`).Scan(&one); err != nil || one != 1 {
		return fmt.Errorf("sqlite library lacks JSON1 support: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE cnt(x) AS (
		    SELECT 1 UNION ALL SELECT x + 1 FROM cnt WHERE x < 3
		)
		SELECT max(x) FROM cnt
	`).Scan(&n); err != nil || n != 3 {
		return fmt.Errorf("sqlite library lacks recursive CTE support: %w", err)
	}
	var match bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT 'abc' REGEXP 'a.c'`).Scan(&match); err != nil || !match {
		return fmt.Errorf("REGEXP operator unavailable: %w", err)
	}
	return nil
}

// Close releases the database and the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	s.unlock()
	return err
}

func (s *Store) unlock() {
	if s.flk != nil {
		_ = s.flk.Unlock()
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// utc normalises a timestamp to UTC before it is bound to a query.
// All stored timestamps are UTC; the API layer attaches the zone
// designator on marshalling.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return utc(*t)
}

// toJSON encodes a value for a JSON-typed column.
func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(b), nil
}

func fromJSON(data sql.NullString, target any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data.String), target); err != nil {
		return fmt.Errorf("failed to decode JSON column: %w", err)
	}
	return nil
}

// jsonEqual compares two values through their JSON encoding. Used to
// decide which fields an update actually changed.
func jsonEqual(a, b any) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ja) == string(jb)
}

// timeValue renders a timestamp for field maps and change pre-images.
func timeValue(t time.Time) string {
	return utc(t).Format(time.RFC3339)
}

func nullableTimeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeValue(*t)
}
