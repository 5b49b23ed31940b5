package history

import (
	"database/sql"
	"fmt"
)

// migration is a single schema migration.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

// migrations lists every registered migration in order.
var migrations = []migration{
	{Version: 1, Name: "initial_schema", Apply: migrateV001},
}

// migrate applies pending migrations. It enables WAL mode and foreign
// keys, creates the schema_migrations tracking table, then applies each
// migration that hasn't been recorded yet.
func migrate(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.Apply(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// migrateV001 creates the initial schema: sessions own visits and tab
// events; visits own interactions, snapshots, screenshots, scroll samples
// and embedding metadata.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			start_time DATETIME NOT NULL,
			end_time   DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS page_visits (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			tab_id      TEXT NOT NULL,
			url         TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			ts          DATETIME NOT NULL,
			duration_ms INTEGER,
			favicon_url TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS tab_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			tab_id     TEXT NOT NULL,
			action     TEXT NOT NULL CHECK (action IN ('created', 'switched', 'closed')),
			ts         DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS interactions (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			visit_id INTEGER NOT NULL REFERENCES page_visits(id),
			type     TEXT NOT NULL CHECK (type IN ('click', 'input', 'scroll', 'select', 'clipboard', 'keypress')),
			selector TEXT NOT NULL DEFAULT '',
			value    TEXT NOT NULL DEFAULT '',
			x        INTEGER,
			y        INTEGER,
			ts       DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dom_snapshots (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			visit_id INTEGER NOT NULL REFERENCES page_visits(id),
			html     TEXT NOT NULL,
			ts       DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS screenshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			visit_id   INTEGER NOT NULL REFERENCES page_visits(id),
			image_data BLOB NOT NULL,
			ts         DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS scroll_events (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			visit_id INTEGER NOT NULL REFERENCES page_visits(id),
			x        INTEGER NOT NULL,
			y        INTEGER NOT NULL,
			ts       DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS embeddings (
			visit_id     INTEGER PRIMARY KEY REFERENCES page_visits(id),
			model_name   TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_cache (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			workflow_data TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_visits_session   ON page_visits(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_ts        ON page_visits(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_url       ON page_visits(url)`,
		`CREATE INDEX IF NOT EXISTS idx_tab_events_sess  ON tab_events(session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_vis ON interactions(visit_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_visit  ON dom_snapshots(visit_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshots_vis  ON screenshots(visit_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_scroll_visit     ON scroll_events(visit_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_session ON workflow_cache(session_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}
