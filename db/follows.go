package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

// Follow queries
const (
	sqlInsertFollow       = `INSERT INTO follows(id, follower_id, followed_id, ap_id, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollow       = `SELECT id, follower_id, followed_id, ap_id, accepted, created_at FROM follows WHERE follower_id = ? AND followed_id = ?`
	sqlSelectFollowByApId = `SELECT id, follower_id, followed_id, ap_id, accepted, created_at FROM follows WHERE ap_id = ?`
	sqlAcceptFollow       = `UPDATE follows SET accepted = 1 WHERE id = ?`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_id = ? AND followed_id = ?`
	sqlDeleteFollowByApId = `DELETE FROM follows WHERE follower_id = ? AND ap_id = ?`
	sqlDeleteActorFollows = `DELETE FROM follows WHERE follower_id = ? OR followed_id = ?`
	sqlSelectFollowers    = `SELECT f.id, f.follower_id, f.followed_id, f.ap_id, f.accepted, f.created_at, f.rowid, ` + actorColumnsPrefixed + `
		FROM follows f INNER JOIN actors a ON a.id = f.follower_id
		WHERE f.followed_id = ? AND f.accepted = 1 AND a.tombstoned_at IS NULL
		ORDER BY f.created_at DESC, f.rowid ASC`
)

// Like queries
const (
	sqlInsertLike = `INSERT INTO likes(id, actor_id, object_id, ap_id, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteLike = `DELETE FROM likes WHERE actor_id = ? AND object_id = ?`
	sqlCountLikes = `SELECT COUNT(*) FROM likes WHERE object_id = ?`
)

const actorColumnsPrefixed = `a.id, a.ap_id, a.ap_type, a.local, a.domain, a.username, a.name, a.summary, a.inbox_uri,
	a.outbox_uri, a.followers_uri, a.shared_inbox, a.public_key_pem, a.private_key_pem, a.model_type, a.model_id,
	a.enabled, a.tombstoned_at, a.created_at, a.updated_at`

func scanFollow(row scanner) (*domain.Follow, error) {
	var f domain.Follow
	var idStr, followerStr, followedStr string
	err := row.Scan(&idStr, &followerStr, &followedStr, &f.ApId, &f.Accepted, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	f.Id, _ = uuid.Parse(idStr)
	f.FollowerId, _ = uuid.Parse(followerStr)
	f.FollowedId, _ = uuid.Parse(followedStr)
	return &f, nil
}

// CreateFollow stores a follow. A second follow of the same pair fails with domain.ErrDuplicate.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			f.Id.String(),
			f.FollowerId.String(),
			f.FollowedId.String(),
			f.ApId,
			f.Accepted,
			f.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollow(ctx context.Context, followerId, followedId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, followerId.String(), followedId.String()))
}

func (db *DB) ReadFollowByApId(ctx context.Context, apId string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByApId, apId))
}

func (db *DB) AcceptFollow(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollow, id.String())
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// DeleteFollow removes the follow between two actors and reports how many rows went away.
func (db *DB) DeleteFollow(ctx context.Context, followerId, followedId uuid.UUID) (int64, error) {
	return db.execCount(ctx, sqlDeleteFollow, followerId.String(), followedId.String())
}

// DeleteFollowByApId removes a follow of the given follower by its activity IRI.
func (db *DB) DeleteFollowByApId(ctx context.Context, followerId uuid.UUID, apId string) (int64, error) {
	return db.execCount(ctx, sqlDeleteFollowByApId, followerId.String(), apId)
}

// DeleteFollowsByActor drops every follow the actor is part of, in either direction.
func (db *DB) DeleteFollowsByActor(ctx context.Context, actorId uuid.UUID) (int64, error) {
	return db.execCount(ctx, sqlDeleteActorFollows, actorId.String(), actorId.String())
}

// ReadFollowers returns accepted, live followers of an actor, most recent follow first.
func (db *DB) ReadFollowers(ctx context.Context, followedId uuid.UUID) ([]domain.Follower, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowers, followedId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var fl domain.Follower
		var idStr, followerStr, followedStr, actorIdStr string
		var modelId sql.NullString
		var tombstoned sql.NullTime
		a := &fl.Actor
		if err := rows.Scan(
			&idStr, &followerStr, &followedStr, &fl.Follow.ApId, &fl.Follow.Accepted, &fl.Follow.CreatedAt, &fl.Seq,
			&actorIdStr, &a.ApId, &a.ApType, &a.Local, &a.Domain, &a.Username, &a.Name, &a.Summary, &a.InboxURI,
			&a.OutboxURI, &a.FollowersURI, &a.SharedInbox, &a.PublicKeyPem, &a.PrivateKeyPem, &a.ModelType, &modelId,
			&a.Enabled, &tombstoned, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return followers, err
		}
		fl.Follow.Id, _ = uuid.Parse(idStr)
		fl.Follow.FollowerId, _ = uuid.Parse(followerStr)
		fl.Follow.FollowedId, _ = uuid.Parse(followedStr)
		a.Id, _ = uuid.Parse(actorIdStr)
		a.ModelId = parseNullUUID(modelId)
		a.TombstonedAt = timePtr(tombstoned)
		followers = append(followers, fl)
	}
	return followers, rows.Err()
}

// CreateLike stores a like and bumps the like count of the post behind the object, if any.
// A second like of the same object by the same actor fails with domain.ErrDuplicate.
func (db *DB) CreateLike(ctx context.Context, l *domain.Like, postId *uuid.UUID) error {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertLike, l.Id.String(), l.ActorId.String(), l.ObjectId.String(), l.ApId, l.CreatedAt); err != nil {
			return err
		}
		if postId == nil {
			return nil
		}
		_, err := tx.Exec(sqlAdjustPostLikeCount, 1, postId.String())
		return err
	})
}

// DeleteLike removes a like, decrementing the post like count when a row went away.
func (db *DB) DeleteLike(ctx context.Context, actorId, objectId uuid.UUID, postId *uuid.UUID) (int64, error) {
	var removed int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteLike, actorId.String(), objectId.String())
		if err != nil {
			return err
		}
		removed = rowsAffected(res)
		if removed == 0 || postId == nil {
			return nil
		}
		_, err = tx.Exec(sqlAdjustPostLikeCount, -removed, postId.String())
		return err
	})
	return removed, err
}

func (db *DB) CountLikes(ctx context.Context, objectId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountLikes, objectId.String()).Scan(&n)
	return n, err
}

func (db *DB) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n = rowsAffected(res)
		return nil
	})
	return n, err
}
