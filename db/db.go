package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const maxBusyRetries = 5

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// connPragmas apply to every pooled connection, not just the first one.
var connPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

// fileConnPragmas tune on-disk databases.
var fileConnPragmas = []string{"synchronous(NORMAL)", "cache_size(-64000)", "temp_store(MEMORY)"}

func dsn(path string) string {
	pragmas := connPragmas
	if path != ":memory:" {
		pragmas = slices.Concat(connPragmas, fileConnPragmas)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Open opens the SQLite database at path and runs all migrations.
// ":memory:" is pinned to a single connection so every query sees the same database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warn("Failed to enable WAL mode", "err", err)
		} else {
			log.Debug("Database journal mode", "mode", journalMode)
		}
	}

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return d, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, retrying while SQLite reports busy.
// Unique constraint violations are returned as domain.ErrDuplicate.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	for attempt := 0; ; attempt++ {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Error("error starting transaction", "err", err)
			return err
		}

		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}

		if isBusy(err) && attempt < maxBusyRetries {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrDuplicate) {
			return err
		}
		if isUniqueViolation(err) {
			log.Debug("unique constraint hit", "err", err)
			return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
		}
		log.Error("error in transaction", "err", err)
		return err
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlitelib.SQLITE_CONSTRAINT:
		return strings.Contains(serr.Error(), "UNIQUE")
	}
	return false
}

// notFound maps sql.ErrNoRows to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
