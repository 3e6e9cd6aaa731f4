// Package store owns every durable table of the control plane: tasks,
// activities, approvals, dispatch slots, memories, access logs, external
// calls, rate limits, quotas, breakers, denials, workers, nonces and
// scheduled tasks. All mutation goes through conditional UPDATEs or UNIQUE
// inserts so concurrent callers never need row locks of their own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	AdapterSQLite   = "sqlite3"
	AdapterPostgres = "postgres"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Config selects the backing database. SQLite is the default and only needs
// Path; the postgres adapter builds a DSN from the connection fields.
type Config struct {
	Adapter  string            `yaml:"adapter"`
	Path     string            `yaml:"path"`
	Host     string            `yaml:"host"`
	Port     string            `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	Params   map[string]string `yaml:"params"`
}

// DataSourceName renders the driver DSN for the configured adapter.
func (c Config) DataSourceName() string {
	switch c.Adapter {
	case AdapterPostgres:
		u := url.URL{
			Scheme: "postgresql",
			User:   url.UserPassword(c.Username, c.Password),
			Host:   c.Host + ":" + c.Port,
			Path:   "/" + c.Database,
		}
		q := url.Values{}
		for k, v := range c.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String()
	default:
		if c.Path == "" {
			return ":memory:"
		}
		return c.Path
	}
}

// Store wraps the SQL connection plus the adapter tag needed for the few
// dialect-sensitive statements (placeholders, serial columns, conflict
// detection).
type Store struct {
	db      *sql.DB
	adapter string
}

// Open connects to the configured database and prepares the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	adapter := cfg.Adapter
	if adapter == "" {
		adapter = AdapterSQLite
	}
	db, err := sql.Open(adapter, cfg.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", adapter, err)
	}
	s := &Store{db: db, adapter: adapter}
	if adapter == AdapterSQLite {
		// One writer at a time; the database file is owned by this process.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
	}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory returns a fresh in-memory SQLite store. Tests use this.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open(AdapterSQLite, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, adapter: AdapterSQLite}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Adapter reports which driver backs this store.
func (s *Store) Adapter() string { return s.adapter }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// rebind converts ?-style placeholders to the $n form postgres expects.
// Statements are written against the sqlite dialect and rebound on the way
// out; string literals in our queries never contain '?'.
func (s *Store) rebind(query string) string {
	if s.adapter != AdapterPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// IsUniqueViolation reports whether err is a UNIQUE or primary-key conflict
// on either adapter. Idempotent inserts turn this into a false return
// instead of an error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}

// now returns the wall clock truncated for stable round-trips through both
// adapters.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// MinuteBucket formats t as the fixed-window rate-limit bucket key.
func MinuteBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

// DayBucket formats t as the quota day key.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
