package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
)

// mysqlSchema is the bootstrap DDL for the MySQL/MariaDB backend. Identical
// column semantics to the SQLite schema: timestamps are RFC 3339 text so
// both backends produce byte-identical attribute maps and content hashes.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS bp_templates (
		workflow_id VARCHAR(64) NOT NULL PRIMARY KEY,
		graph JSON NOT NULL,
		created_at VARCHAR(40) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS instances (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		template_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT '',
		deployed_at VARCHAR(40) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		template_id VARCHAR(64) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL,
		version VARCHAR(64) NOT NULL DEFAULT '',
		notes TEXT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS roles (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(16) NOT NULL,
		strategy VARCHAR(32) NOT NULL DEFAULT '',
		child_workflow_id VARCHAR(64) NOT NULL DEFAULT '',
		INDEX idx_roles_workflow (workflow_id, type)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS components (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		interaction_id VARCHAR(64) NOT NULL,
		role_id VARCHAR(64) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		INDEX idx_components_role (role_id, direction),
		INDEX idx_components_interaction (interaction_id, direction)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS guardians (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		component_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(32) NOT NULL,
		config JSON NOT NULL,
		INDEX idx_guardians_component (component_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS actors (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		identity VARCHAR(255) NOT NULL,
		type VARCHAR(16) NOT NULL,
		capabilities JSON NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		actor_id VARCHAR(64) NOT NULL,
		role_id VARCHAR(64) NOT NULL,
		active TINYINT NOT NULL DEFAULT 1,
		INDEX idx_assignments_actor (actor_id, role_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS role_attributes (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		role_id VARCHAR(64) NOT NULL,
		context_type VARCHAR(16) NOT NULL,
		context_id VARCHAR(64) NOT NULL,
		attr_key VARCHAR(255) NOT NULL,
		attr_value JSON NOT NULL,
		confidence INT NOT NULL DEFAULT 0,
		toxic TINYINT NOT NULL DEFAULT 0,
		created_at VARCHAR(40) NOT NULL,
		last_accessed_at VARCHAR(40) NULL,
		UNIQUE KEY unique_role_attr (instance_id, role_id, context_type, context_id, attr_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS uows (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		parent_id VARCHAR(64) NOT NULL DEFAULT '',
		current_interaction_id VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		child_count INT NOT NULL DEFAULT 0,
		finished_child_count INT NOT NULL DEFAULT 0,
		last_heartbeat VARCHAR(40) NULL,
		locked_by VARCHAR(64) NOT NULL DEFAULT '',
		content_hash CHAR(64) NOT NULL,
		interaction_count INT NOT NULL DEFAULT 0,
		max_interactions INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		policy JSON NOT NULL,
		model_id VARCHAR(255) NOT NULL DEFAULT '',
		injected_instructions TEXT NOT NULL,
		knowledge_fragments JSON NOT NULL,
		mutation_audit JSON NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		INDEX idx_uows_status (status, instance_id),
		INDEX idx_uows_pending (status, current_interaction_id),
		INDEX idx_uows_heartbeat (status, last_heartbeat)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS uow_attributes (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		uow_id VARCHAR(64) NOT NULL,
		attr_key VARCHAR(255) NOT NULL,
		attr_value JSON NOT NULL,
		version INT NOT NULL,
		actor_id VARCHAR(64) NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY unique_uow_attr_version (uow_id, attr_key, version),
		INDEX idx_uow_attributes_uow (uow_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS uow_history (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		uow_id VARCHAR(64) NOT NULL,
		seq BIGINT NOT NULL,
		event VARCHAR(40) NOT NULL,
		prev_status VARCHAR(32) NOT NULL DEFAULT '',
		new_status VARCHAR(32) NOT NULL DEFAULT '',
		prev_hash CHAR(64) NOT NULL DEFAULT '',
		new_hash CHAR(64) NOT NULL DEFAULT '',
		prev_interaction VARCHAR(64) NOT NULL DEFAULT '',
		new_interaction VARCHAR(64) NOT NULL DEFAULT '',
		actor_id VARCHAR(64) NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL,
		payload JSON NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY unique_uow_seq (uow_id, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS interaction_log (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		instance_id VARCHAR(64) NOT NULL DEFAULT '',
		uow_id VARCHAR(64) NOT NULL DEFAULT '',
		role_id VARCHAR(64) NOT NULL DEFAULT '',
		interaction_id VARCHAR(64) NOT NULL DEFAULT '',
		log_type VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		detail JSON NOT NULL,
		at VARCHAR(40) NOT NULL,
		INDEX idx_log_uow (uow_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// NewMySQLStore creates a MySQL/MariaDB-backed store.
//
// DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/loom
//
// Never hardcode credentials; read the DSN from the environment:
//
//	store, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"), gc, emitter)
//
// gc and emitter carry the same meaning as for NewMemStore.
func NewMySQLStore(dsn string, gc loom.GuardContext, emitter emit.Emitter) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return newSQLStore(db, dialect{
		name:      "mysql",
		schema:    mysqlSchema,
		forUpdate: " FOR UPDATE",
	}, gc, emitter)
}
