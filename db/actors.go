package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

const actorColumns = `id, ap_id, ap_type, local, domain, username, name, summary, inbox_uri, outbox_uri,
	followers_uri, shared_inbox, public_key_pem, private_key_pem, model_type, model_id, enabled,
	tombstoned_at, created_at, updated_at`

const (
	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActor = `UPDATE actors SET ap_type = ?, domain = ?, username = ?, name = ?, summary = ?, inbox_uri = ?,
		outbox_uri = ?, followers_uri = ?, shared_inbox = ?, public_key_pem = ?, private_key_pem = ?, model_type = ?,
		model_id = ?, enabled = ?, tombstoned_at = ?, updated_at = ? WHERE id = ?`
	sqlUpsertRemoteActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, 1, NULL, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET ap_type = excluded.ap_type, domain = excluded.domain, username = excluded.username,
		name = excluded.name, summary = excluded.summary, inbox_uri = excluded.inbox_uri, outbox_uri = excluded.outbox_uri,
		followers_uri = excluded.followers_uri, shared_inbox = excluded.shared_inbox, public_key_pem = excluded.public_key_pem,
		updated_at = excluded.updated_at
		WHERE actors.local = 0
		RETURNING id`
	sqlSelectActorById      = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByApId    = `SELECT ` + actorColumns + ` FROM actors WHERE ap_id = ?`
	sqlSelectActorByInbox   = `SELECT ` + actorColumns + ` FROM actors WHERE inbox_uri = ? OR shared_inbox = ?
		ORDER BY local DESC, (enabled = 1 AND tombstoned_at IS NULL) DESC, created_at ASC LIMIT 1`
	sqlSelectActorByModel   = `SELECT ` + actorColumns + ` FROM actors WHERE model_type = ? AND model_id = ?`
	sqlSelectLocalActors    = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 ORDER BY created_at ASC`
	sqlSelectLocalByName    = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND username = ? ORDER BY created_at ASC LIMIT 1`
	sqlTombstoneActor       = `UPDATE actors SET tombstoned_at = ?, updated_at = ? WHERE id = ?`
	sqlDeleteActor          = `DELETE FROM actors WHERE id = ?`
	sqlCountActorActivities = `SELECT COUNT(*) FROM activities WHERE actor_id = ?`
)

func scanActor(row scanner) (*domain.Actor, error) {
	var a domain.Actor
	var idStr string
	var modelId sql.NullString
	var tombstoned sql.NullTime
	err := row.Scan(
		&idStr,
		&a.ApId,
		&a.ApType,
		&a.Local,
		&a.Domain,
		&a.Username,
		&a.Name,
		&a.Summary,
		&a.InboxURI,
		&a.OutboxURI,
		&a.FollowersURI,
		&a.SharedInbox,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.ModelType,
		&modelId,
		&a.Enabled,
		&tombstoned,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	a.ModelId = parseNullUUID(modelId)
	a.TombstonedAt = timePtr(tombstoned)
	return &a, nil
}

func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			a.Id.String(),
			a.ApId,
			a.ApType,
			a.Local,
			a.Domain,
			a.Username,
			a.Name,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.SharedInbox,
			a.PublicKeyPem,
			a.PrivateKeyPem,
			a.ModelType,
			nullableUUID(a.ModelId),
			a.Enabled,
			nullableTime(a.TombstonedAt),
			a.CreatedAt,
			a.UpdatedAt,
		)
		return err
	})
}

func (db *DB) UpdateActor(ctx context.Context, a *domain.Actor) error {
	a.UpdatedAt = time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateActor,
			a.ApType,
			a.Domain,
			a.Username,
			a.Name,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.SharedInbox,
			a.PublicKeyPem,
			a.PrivateKeyPem,
			a.ModelType,
			nullableUUID(a.ModelId),
			a.Enabled,
			nullableTime(a.TombstonedAt),
			a.UpdatedAt,
			a.Id.String(),
		)
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// UpsertRemoteActor inserts a remote actor or refreshes the profile of the one sharing its ap_id.
// a.Id is set to the stored row's id. Local actors are never overwritten.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor) error {
	now := time.Now().UTC()
	newId := uuid.New()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var idStr string
		err := tx.QueryRow(sqlUpsertRemoteActor,
			newId.String(),
			a.ApId,
			a.ApType,
			a.Domain,
			a.Username,
			a.Name,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.SharedInbox,
			a.PublicKeyPem,
			now,
			now,
		).Scan(&idStr)
		if err != nil {
			// the conflict target was a local actor, nothing was returned
			return notFound(err)
		}
		a.Id, _ = uuid.Parse(idStr)
		a.Local = false
		a.Enabled = true
		a.UpdatedAt = now
		return nil
	})
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorById, id.String()))
}

func (db *DB) ReadActorByApId(ctx context.Context, apId string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByApId, apId))
}

// ReadActorByInbox finds the actor owning an inbox, matching personal or shared inboxes.
// On a shared inbox an active actor is preferred over a deleted or disabled one.
func (db *DB) ReadActorByInbox(ctx context.Context, inbox string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByInbox, inbox, inbox))
}

func (db *DB) ReadActorByModel(ctx context.Context, modelType string, modelId uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByModel, modelType, modelId.String()))
}

// ReadLocalActorByUsername returns the oldest local actor with the given username.
func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalByName, username))
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *a)
	}
	return actors, rows.Err()
}

func (db *DB) TombstoneActor(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlTombstoneActor, at.UTC(), time.Now().UTC(), id.String())
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) DeleteActor(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActor, id.String())
		return err
	})
}

func (db *DB) CountActivitiesByActor(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountActorActivities, id.String()).Scan(&n)
	return n, err
}
