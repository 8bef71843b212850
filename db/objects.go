package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

const objectColumns = `id, ap_id, ap_type, local, model_type, model_id, attributed_to_id, content, name,
	in_reply_to, url, published_at, updated_at, created_at`

const postColumns = `id, actor_id, author_id, object_type, title, content, in_reply_to, like_count,
	created_at, edited_at, deleted_at, published_at`

const (
	sqlInsertObject = `INSERT INTO objects(` + objectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateObject = `UPDATE objects SET ap_type = ?, model_type = ?, model_id = ?, attributed_to_id = ?, content = ?,
		name = ?, in_reply_to = ?, url = ?, published_at = ?, updated_at = ? WHERE id = ?`
	sqlSelectObjectById    = `SELECT ` + objectColumns + ` FROM objects WHERE id = ?`
	sqlSelectObjectByApId  = `SELECT ` + objectColumns + ` FROM objects WHERE ap_id = ?`
	sqlSelectObjectByModel = `SELECT ` + objectColumns + ` FROM objects WHERE model_type = ? AND model_id = ?`

	sqlInsertPost = `INSERT INTO posts(` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdatePost = `UPDATE posts SET object_type = ?, title = ?, content = ?, in_reply_to = ?, edited_at = ?,
		deleted_at = ?, published_at = ? WHERE id = ?`
	sqlSelectPostById      = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostsByActor  = `SELECT ` + postColumns + ` FROM posts WHERE actor_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ?`
	sqlAdjustPostLikeCount = `UPDATE posts SET like_count = MAX(like_count + ?, 0) WHERE id = ?`
)

func scanObject(row scanner) (*domain.Object, error) {
	var o domain.Object
	var idStr string
	var modelId, attributedTo sql.NullString
	var published sql.NullTime
	err := row.Scan(
		&idStr,
		&o.ApId,
		&o.ApType,
		&o.Local,
		&o.ModelType,
		&modelId,
		&attributedTo,
		&o.Content,
		&o.Name,
		&o.InReplyTo,
		&o.URL,
		&published,
		&o.UpdatedAt,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	o.Id, _ = uuid.Parse(idStr)
	o.ModelId = parseNullUUID(modelId)
	o.AttributedToId = parseNullUUID(attributedTo)
	o.PublishedAt = timePtr(published)
	return &o, nil
}

func scanPost(row scanner) (*domain.Post, error) {
	var p domain.Post
	var idStr, actorIdStr, authorIdStr string
	var edited, deleted, published sql.NullTime
	err := row.Scan(
		&idStr,
		&actorIdStr,
		&authorIdStr,
		&p.ObjectType,
		&p.Title,
		&p.Content,
		&p.InReplyTo,
		&p.LikeCount,
		&p.CreatedAt,
		&edited,
		&deleted,
		&published,
	)
	if err != nil {
		return nil, notFound(err)
	}
	p.Id, _ = uuid.Parse(idStr)
	p.ActorId, _ = uuid.Parse(actorIdStr)
	p.AuthorId, _ = uuid.Parse(authorIdStr)
	p.EditedAt = timePtr(edited)
	p.DeletedAt = timePtr(deleted)
	p.PublishedAt = timePtr(published)
	return &p, nil
}

func prepareObject(o *domain.Object) {
	if o.Id == uuid.Nil {
		o.Id = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
}

func preparePost(p *domain.Post) {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
}

func insertObject(tx *sql.Tx, o *domain.Object) error {
	_, err := tx.Exec(sqlInsertObject,
		o.Id.String(),
		o.ApId,
		o.ApType,
		o.Local,
		o.ModelType,
		nullableUUID(o.ModelId),
		nullableUUID(o.AttributedToId),
		o.Content,
		o.Name,
		o.InReplyTo,
		o.URL,
		nullableTime(o.PublishedAt),
		o.UpdatedAt,
		o.CreatedAt,
	)
	return err
}

func insertPost(tx *sql.Tx, p *domain.Post) error {
	_, err := tx.Exec(sqlInsertPost,
		p.Id.String(),
		p.ActorId.String(),
		p.AuthorId.String(),
		p.ObjectType,
		p.Title,
		p.Content,
		p.InReplyTo,
		p.LikeCount,
		p.CreatedAt,
		nullableTime(p.EditedAt),
		nullableTime(p.DeletedAt),
		nullableTime(p.PublishedAt),
	)
	return err
}

func updatePost(tx *sql.Tx, p *domain.Post) error {
	res, err := tx.Exec(sqlUpdatePost,
		p.ObjectType,
		p.Title,
		p.Content,
		p.InReplyTo,
		nullableTime(p.EditedAt),
		nullableTime(p.DeletedAt),
		nullableTime(p.PublishedAt),
		p.Id.String(),
	)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func updateObject(tx *sql.Tx, o *domain.Object) error {
	res, err := tx.Exec(sqlUpdateObject,
		o.ApType,
		o.ModelType,
		nullableUUID(o.ModelId),
		nullableUUID(o.AttributedToId),
		o.Content,
		o.Name,
		o.InReplyTo,
		o.URL,
		nullableTime(o.PublishedAt),
		o.UpdatedAt,
		o.Id.String(),
	)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) CreateObject(ctx context.Context, o *domain.Object) error {
	prepareObject(o)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return insertObject(tx, o)
	})
}

func (db *DB) UpdateObject(ctx context.Context, o *domain.Object) error {
	o.UpdatedAt = time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return updateObject(tx, o)
	})
}

// CreatePostWithObject stores a post and the object mirroring it in one transaction.
// A second object with the same ap_id fails with domain.ErrDuplicate and leaves no post behind.
func (db *DB) CreatePostWithObject(ctx context.Context, p *domain.Post, o *domain.Object) error {
	preparePost(p)
	prepareObject(o)
	o.ModelType = domain.ModelPost
	o.ModelId = &p.Id
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if err := insertPost(tx, p); err != nil {
			return err
		}
		return insertObject(tx, o)
	})
}

// UpdatePostWithObject applies an edit (or tombstone) to a post and its object together.
func (db *DB) UpdatePostWithObject(ctx context.Context, p *domain.Post, o *domain.Object) error {
	o.UpdatedAt = time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if p != nil {
			if err := updatePost(tx, p); err != nil {
				return err
			}
		}
		return updateObject(tx, o)
	})
}

func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	preparePost(p)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return insertPost(tx, p)
	})
}

func (db *DB) UpdatePost(ctx context.Context, p *domain.Post) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return updatePost(tx, p)
	})
}

func (db *DB) ReadObjectById(ctx context.Context, id uuid.UUID) (*domain.Object, error) {
	return scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectById, id.String()))
}

func (db *DB) ReadObjectByApId(ctx context.Context, apId string) (*domain.Object, error) {
	return scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectByApId, apId))
}

func (db *DB) ReadObjectByModel(ctx context.Context, modelType string, modelId uuid.UUID) (*domain.Object, error) {
	return scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectByModel, modelType, modelId.String()))
}

func (db *DB) ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostById, id.String()))
}

// ReadPostsByActor returns the live posts owned by an actor, newest first.
func (db *DB) ReadPostsByActor(ctx context.Context, actorId uuid.UUID, limit int) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPostsByActor, actorId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return posts, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}
