// Package syncdb holds the narrow database-family descriptor the sync stores
// are written against, the shared schema, and the bounded retry used for
// serialization failures. The caller owns the *sql.DB pool; stores never
// cache connections across requests.
package syncdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
)

// timeFormat is RFC3339 with fixed nanosecond width so stored strings sort
// chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// TimeScanner scans a timestamp column from either family: TEXT from SQLite,
// time.Time from PostgreSQL.
type TimeScanner struct {
	Time time.Time
}

func (ts *TimeScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time = time.Time{}
		return nil
	case time.Time:
		ts.Time = v.UTC()
		return nil
	case []byte:
		return ts.parse(string(v))
	case string:
		return ts.parse(v)
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
}

func (ts *TimeScanner) parse(s string) error {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return fmt.Errorf("scan timestamp %q: %w", s, err)
	}
	ts.Time = t.UTC()
	return nil
}

// Dialect describes the differences between the SQLite and PostgreSQL
// families that the portable SQL in the stores cannot paper over.
type Dialect struct {
	// Name is "sqlite" or "postgres".
	Name string

	// EncodeBool maps a Go bool to the driver's boolean column value.
	EncodeBool func(bool) any

	// EncodeTime maps a Go time to the driver's timestamp column value.
	// SQLite stores a fixed-width UTC string so lexicographic comparison
	// matches chronological order; PostgreSQL takes time.Time directly.
	EncodeTime func(time.Time) any

	// SerializationFailure reports whether err is a transaction conflict
	// worth retrying (PG serialization_failure / deadlock, SQLite busy).
	SerializationFailure func(err error) bool

	// EnsureSchema creates the sync tables and indexes when missing.
	EnsureSchema func(ctx context.Context, db *sql.DB) error
}

// Rebind converts ?-style placeholders to the dialect's own style. SQLite
// keeps ? as-is; PostgreSQL gets $1..$n.
func (d *Dialect) Rebind(query string) string {
	if d.Name != "postgres" {
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

// SQLite returns the SQLite-family dialect.
func SQLite() *Dialect {
	return &Dialect{
		Name: "sqlite",
		EncodeBool: func(v bool) any {
			if v {
				return int64(1)
			}
			return int64(0)
		},
		EncodeTime: func(t time.Time) any { return t.UTC().Format(timeFormat) },
		SerializationFailure: func(err error) bool {
			var se *sqlite.Error
			if !errors.As(err, &se) {
				return false
			}
			// SQLITE_BUSY (5) and SQLITE_LOCKED (6), including extended codes.
			code := se.Code() & 0xff
			return code == 5 || code == 6
		},
		EnsureSchema: ensureSchemaSQLite,
	}
}

// Postgres returns the PostgreSQL-family dialect.
func Postgres() *Dialect {
	return &Dialect{
		Name:       "postgres",
		EncodeBool: func(v bool) any { return v },
		EncodeTime: func(t time.Time) any { return t.UTC() },
		SerializationFailure: func(err error) bool {
			var pe *pq.Error
			if !errors.As(err, &pe) {
				return false
			}
			// serialization_failure, deadlock_detected.
			return pe.Code == "40001" || pe.Code == "40P01"
		},
		EnsureSchema: ensureSchemaPostgres,
	}
}

// OpenSQLite opens a SQLite database with the pragmas the sync stores rely
// on (WAL for concurrent readers, a busy timeout instead of immediate
// SQLITE_BUSY, foreign keys for prune cascades). SQLite pragmas are
// per-connection, so they ride the DSN and apply to every pooled connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sync db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sync db: %w", err)
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL pool from a DSN.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sync db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sync db: %w", err)
	}
	return db, nil
}
