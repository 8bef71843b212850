package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
)

// Delivery failure queries
const (
	sqlSelectDeliveryFailure  = `SELECT domain, failure_count, last_failure_at, updated_at FROM delivery_failures WHERE domain = ?`
	sqlSelectDeliveryFailures = `SELECT domain, failure_count, last_failure_at, updated_at FROM delivery_failures
		WHERE failure_count > 0 ORDER BY failure_count DESC, domain ASC`
	sqlRecordDeliveryFailure = `INSERT INTO delivery_failures(domain, failure_count, last_failure_at, updated_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET failure_count = failure_count + 1, last_failure_at = excluded.last_failure_at,
		updated_at = excluded.updated_at`
	sqlResetDeliveryFailures = `INSERT INTO delivery_failures(domain, failure_count, last_failure_at, updated_at) VALUES (?, 0, NULL, ?)
		ON CONFLICT(domain) DO UPDATE SET failure_count = 0, updated_at = excluded.updated_at`
)

func scanDeliveryFailure(row scanner) (*domain.DeliveryFailure, error) {
	var f domain.DeliveryFailure
	var last sql.NullTime
	if err := row.Scan(&f.Domain, &f.FailureCount, &last, &f.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	f.LastFailureAt = timePtr(last)
	return &f, nil
}

func (db *DB) ReadDeliveryFailure(ctx context.Context, host string) (*domain.DeliveryFailure, error) {
	return scanDeliveryFailure(db.db.QueryRowContext(ctx, sqlSelectDeliveryFailure, host))
}

// ReadDeliveryFailures lists every domain with a non-zero failure streak.
func (db *DB) ReadDeliveryFailures(ctx context.Context) ([]domain.DeliveryFailure, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveryFailures)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.DeliveryFailure
	for rows.Next() {
		f, err := scanDeliveryFailure(rows)
		if err != nil {
			return failures, err
		}
		failures = append(failures, *f)
	}
	return failures, rows.Err()
}

// RecordDeliveryFailure increments the consecutive failure count of a domain.
func (db *DB) RecordDeliveryFailure(ctx context.Context, host string, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRecordDeliveryFailure, host, at.UTC(), time.Now().UTC())
		return err
	})
}

// ResetDeliveryFailures zeroes the consecutive failure count of a domain.
func (db *DB) ResetDeliveryFailures(ctx context.Context, host string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlResetDeliveryFailures, host, time.Now().UTC())
		return err
	})
}
