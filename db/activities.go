package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

const activityColumns = `id, ap_id, ap_type, actor_id, object_type, object_ap_id, object_ref, summary, local,
	raw_json, rowid, created_at, published_at`

const (
	sqlInsertActivity = `INSERT INTO activities(id, ap_id, ap_type, actor_id, object_type, object_ap_id, object_ref,
		summary, local, raw_json, created_at, published_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity          = `UPDATE activities SET summary = ?, raw_json = ?, published_at = ? WHERE id = ?`
	sqlSelectActivityById      = `SELECT ` + activityColumns + ` FROM activities WHERE id = ?`
	sqlSelectActivityByApId    = `SELECT ` + activityColumns + ` FROM activities WHERE ap_id = ?`
	sqlSelectAnnounce          = `SELECT ` + activityColumns + ` FROM activities WHERE ap_type = 'Announce' AND actor_id = ? AND object_ap_id = ?`
	sqlSelectActivitiesByActor = `SELECT ` + activityColumns + ` FROM activities WHERE actor_id = ? AND ap_type IN (?, ?, ?, ?)
		ORDER BY created_at DESC, rowid ASC`
	sqlDeleteActivity = `DELETE FROM activities WHERE id = ?`
)

// OutboxActivityTypes are the activity types listed in an actor's outbox.
var OutboxActivityTypes = [4]string{"Create", "Update", "Delete", "Announce"}

func scanActivity(row scanner) (*domain.Activity, error) {
	var a domain.Activity
	var idStr, actorIdStr string
	var objectRef sql.NullString
	var published sql.NullTime
	err := row.Scan(
		&idStr,
		&a.ApId,
		&a.ApType,
		&actorIdStr,
		&a.ObjectType,
		&a.ObjectApId,
		&objectRef,
		&a.Summary,
		&a.Local,
		&a.RawJSON,
		&a.Seq,
		&a.CreatedAt,
		&published,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	a.ActorId, _ = uuid.Parse(actorIdStr)
	a.ObjectRef = parseNullUUID(objectRef)
	a.PublishedAt = timePtr(published)
	return &a, nil
}

// CreateActivity stores an activity. A second activity with the same ap_id, or a second
// Announce of the same object by the same actor, fails with domain.ErrDuplicate.
func (db *DB) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity,
			a.Id.String(),
			a.ApId,
			a.ApType,
			a.ActorId.String(),
			a.ObjectType,
			a.ObjectApId,
			nullableUUID(a.ObjectRef),
			a.Summary,
			a.Local,
			a.RawJSON,
			a.CreatedAt,
			nullableTime(a.PublishedAt),
		)
		if err != nil {
			return err
		}
		a.Seq, _ = res.LastInsertId()
		return nil
	})
}

func (db *DB) UpdateActivity(ctx context.Context, a *domain.Activity) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateActivity, a.Summary, a.RawJSON, nullableTime(a.PublishedAt), a.Id.String())
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadActivityById(ctx context.Context, id uuid.UUID) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivityById, id.String()))
}

func (db *DB) ReadActivityByApId(ctx context.Context, apId string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivityByApId, apId))
}

// ReadAnnounce returns the Announce of objectApId by the actor, if one was recorded.
func (db *DB) ReadAnnounce(ctx context.Context, actorId uuid.UUID, objectApId string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectAnnounce, actorId.String(), objectApId))
}

// ReadOutboxActivities returns the publishable activities performed by an actor.
func (db *DB) ReadOutboxActivities(ctx context.Context, actorId uuid.UUID) ([]domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectActivitiesByActor, actorId.String(),
		OutboxActivityTypes[0], OutboxActivityTypes[1], OutboxActivityTypes[2], OutboxActivityTypes[3])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return activities, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

func (db *DB) DeleteActivity(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}
