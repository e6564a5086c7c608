package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
	_ "modernc.org/sqlite"
)

// sqliteSchema is the bootstrap DDL for the SQLite backend. Timestamps are
// RFC 3339 text and JSON documents plain TEXT, matching the shared codec in
// sql.go.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS bp_templates (
		workflow_id TEXT NOT NULL PRIMARY KEY,
		graph TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT NOT NULL PRIMARY KEY,
		template_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		deployed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		child_workflow_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_roles_workflow ON roles(workflow_id, type)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS components (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_components_role ON components(role_id, direction)`,
	`CREATE INDEX IF NOT EXISTS idx_components_interaction ON components(interaction_id, direction)`,
	`CREATE TABLE IF NOT EXISTS guardians (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		component_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_guardians_component ON guardians(component_id)`,
	`CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		identity TEXT NOT NULL,
		type TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_actor ON assignments(actor_id, role_id)`,
	`CREATE TABLE IF NOT EXISTS role_attributes (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_id TEXT NOT NULL,
		attr_key TEXT NOT NULL,
		attr_value TEXT NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 0,
		toxic INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_accessed_at TEXT NULL,
		UNIQUE(instance_id, role_id, context_type, context_id, attr_key)
	)`,
	`CREATE TABLE IF NOT EXISTS uows (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		current_interaction_id TEXT NOT NULL,
		status TEXT NOT NULL,
		child_count INTEGER NOT NULL DEFAULT 0,
		finished_child_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat TEXT NULL,
		locked_by TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		interaction_count INTEGER NOT NULL DEFAULT 0,
		max_interactions INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		policy TEXT NOT NULL DEFAULT 'null',
		model_id TEXT NOT NULL DEFAULT '',
		injected_instructions TEXT NOT NULL DEFAULT '',
		knowledge_fragments TEXT NOT NULL DEFAULT '[]',
		mutation_audit TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uows_status ON uows(status, instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_uows_pending ON uows(status, current_interaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_uows_heartbeat ON uows(status, last_heartbeat)`,
	`CREATE TABLE IF NOT EXISTS uow_attributes (
		id TEXT NOT NULL PRIMARY KEY,
		uow_id TEXT NOT NULL,
		attr_key TEXT NOT NULL,
		attr_value TEXT NOT NULL,
		version INTEGER NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(uow_id, attr_key, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uow_attributes_uow ON uow_attributes(uow_id)`,
	`CREATE TABLE IF NOT EXISTS uow_history (
		id TEXT NOT NULL PRIMARY KEY,
		uow_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event TEXT NOT NULL,
		prev_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		new_hash TEXT NOT NULL DEFAULT '',
		prev_interaction TEXT NOT NULL DEFAULT '',
		new_interaction TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT 'null',
		created_at TEXT NOT NULL,
		UNIQUE(uow_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS interaction_log (
		id TEXT NOT NULL PRIMARY KEY,
		instance_id TEXT NOT NULL DEFAULT '',
		uow_id TEXT NOT NULL DEFAULT '',
		role_id TEXT NOT NULL DEFAULT '',
		interaction_id TEXT NOT NULL DEFAULT '',
		log_type TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT 'null',
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_uow ON interaction_log(uow_id)`,
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path is the database file location; ":memory:" gives an in-memory
// database for tests. WAL mode is enabled for concurrent reads and the
// writer pool is capped at one connection, which SQLite requires.
//
// gc and emitter carry the same meaning as for NewMemStore.
func NewSQLiteStore(path string, gc loom.GuardContext, emitter emit.Emitter) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return newSQLStore(db, dialect{
		name:   "sqlite",
		schema: sqliteSchema,
		// SQLite has a single writer; no row-lock clause needed.
		forUpdate: "",
	}, gc, emitter)
}
