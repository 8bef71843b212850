package db

import (
	"context"
	"database/sql"

	"github.com/charmbracelet/log"
)

// Schema for the federation tables
const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		ap_type TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		domain TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		shared_inbox TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		model_type TEXT NOT NULL DEFAULT '',
		model_id TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		tombstoned_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_inbox_uri ON actors(inbox_uri);
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_model ON actors(model_type, model_id) WHERE model_id IS NOT NULL;
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		object_type TEXT NOT NULL DEFAULT 'Note',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		in_reply_to TEXT NOT NULL DEFAULT '',
		like_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		edited_at TIMESTAMP,
		deleted_at TIMESTAMP,
		published_at TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_actor_id ON posts(actor_id);
	`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		ap_type TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		model_type TEXT NOT NULL DEFAULT '',
		model_id TEXT,
		attributed_to_id TEXT,
		content TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		in_reply_to TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_model ON objects(model_type, model_id);
	`

	// Activities log (dedup by ap_id, one Announce per actor and object)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		ap_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		object_type TEXT NOT NULL CHECK (object_type IN ('object', 'actor', 'activity', 'collection')),
		object_ap_id TEXT NOT NULL DEFAULT '',
		object_ref TEXT,
		summary TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor_id ON activities(actor_id);
		CREATE INDEX IF NOT EXISTS idx_activities_object_ap_id ON activities(object_ap_id);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_announce ON activities(actor_id, object_ap_id) WHERE ap_type = 'Announce';
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followed_id TEXT NOT NULL,
		ap_id TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_id, followed_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_followed_id ON follows(followed_id);
		CREATE INDEX IF NOT EXISTS idx_follows_ap_id ON follows(ap_id);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		ap_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(actor_id, object_id)
	)`

	sqlCreateDeliveryFailuresTable = `CREATE TABLE IF NOT EXISTS delivery_failures (
		domain TEXT NOT NULL PRIMARY KEY,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_failure_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`

	sqlCreateTasksTable = `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '{}',
		run_at INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateTasksIndices = `
		CREATE INDEX IF NOT EXISTS idx_tasks_run_at ON tasks(run_at);
	`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
	{"objects", sqlCreateObjectsTable, sqlCreateObjectsIndices},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"likes", sqlCreateLikesTable, ""},
	{"delivery_failures", sqlCreateDeliveryFailuresTable, ""},
	{"tasks", sqlCreateTasksTable, sqlCreateTasksIndices},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(tx, m.create, m.table); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.Exec(m.indices); err != nil {
				log.Warn("Failed to create indices", "table", m.table, "err", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Error("Error creating table", "table", tableName, "err", err)
		return err
	}
	log.Debug("Table created or already exists", "table", tableName)
	return nil
}
