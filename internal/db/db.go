// Package db stores sessions, baselines, state transitions and published
// ticks in sqlite.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsFS returns the embedded schema migrations.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		// the directory is embedded at build time
		panic(err)
	}
	return sub
}

// pragmas are applied by the driver to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

type DB struct {
	*sql.DB
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	sqlDB, err := sql.Open("sqlite", path+sep+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database at path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Timestamps are stored as fractional unix seconds.
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// TimeRange bounds a history query. Zero times are unbounded. A positive
// Limit keeps the most recent rows, still returned oldest first.
type TimeRange struct {
	Start time.Time
	End   time.Time
	Limit int
}

// where appends the range conditions on column to conds.
func (r TimeRange) where(column string, conds []string, args []interface{}) ([]string, []interface{}) {
	if !r.Start.IsZero() {
		conds = append(conds, column+" >= ?")
		args = append(args, toUnix(r.Start))
	}
	if !r.End.IsZero() {
		conds = append(conds, column+" <= ?")
		args = append(args, toUnix(r.End))
	}
	return conds, args
}

func (r TimeRange) limit() int {
	if r.Limit <= 0 {
		return -1
	}
	return r.Limit
}
