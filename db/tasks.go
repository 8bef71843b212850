package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
)

// Task queue queries
const (
	sqlInsertTask     = `INSERT INTO tasks(id, kind, args, run_at, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectDueTasks = `SELECT id, kind, args, run_at, created_at FROM tasks WHERE run_at <= ? ORDER BY run_at ASC, created_at ASC LIMIT ?`
	sqlDeleteTask     = `DELETE FROM tasks WHERE id = ?`
	sqlCountTasks     = `SELECT kind, COUNT(*) FROM tasks GROUP BY kind`
)

func (db *DB) EnqueueTask(ctx context.Context, t *domain.Task) error {
	if t.Id == uuid.Nil {
		t.Id = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertTask, t.Id.String(), t.Kind, t.Args, t.RunAt.UnixNano(), t.CreatedAt)
		return err
	})
}

// ReadDueTasks returns up to limit tasks whose run time is not after now, oldest first.
func (db *DB) ReadDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDueTasks, now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var idStr string
		var runAt int64
		if err := rows.Scan(&idStr, &t.Kind, &t.Args, &runAt, &t.CreatedAt); err != nil {
			return tasks, err
		}
		t.Id, _ = uuid.Parse(idStr)
		t.RunAt = time.Unix(0, runAt).UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and reports whether this call was the one that removed it.
func (db *DB) DeleteTask(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := db.execCount(ctx, sqlDeleteTask, id.String())
	return n > 0, err
}

// CountTasks returns the number of queued tasks per kind.
func (db *DB) CountTasks(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountTasks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return counts, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
