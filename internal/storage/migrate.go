package storage

import (
	"database/sql"
	"fmt"
)

// migrations holds the schema steps; index i upgrades to version i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL DEFAULT 'local',
			last_scanned TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cards (
			hash TEXT PRIMARY KEY,
			deck TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			source_id INTEGER NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(source_id) REFERENCES sources(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_source_id ON cards(source_id);`,
		// One row per learner and card; absent until the first rating.
		`CREATE TABLE IF NOT EXISTS review_states (
			card_hash TEXT NOT NULL,
			learner TEXT NOT NULL,
			ease_factor REAL NOT NULL,
			interval_days INTEGER NOT NULL,
			repetitions INTEGER NOT NULL,
			due_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(card_hash, learner),
			FOREIGN KEY(card_hash) REFERENCES cards(hash) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS review_logs (
			id TEXT PRIMARY KEY,
			card_hash TEXT NOT NULL,
			learner TEXT NOT NULL,
			quality INTEGER NOT NULL,
			ease_factor REAL NOT NULL,
			interval_days INTEGER NOT NULL,
			repetitions INTEGER NOT NULL,
			reviewed_at TEXT NOT NULL,
			FOREIGN KEY(card_hash) REFERENCES cards(hash) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_review_logs_card_learner ON review_logs(card_hash, learner, reviewed_at);`,
	},
	{
		// Every source that currently provides a card. cards.source_id keeps
		// one owner so deleting a source cascades to cards only it held.
		`CREATE TABLE IF NOT EXISTS card_sources (
			card_hash TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			PRIMARY KEY(card_hash, source_id),
			FOREIGN KEY(card_hash) REFERENCES cards(hash) ON DELETE CASCADE,
			FOREIGN KEY(source_id) REFERENCES sources(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_card_sources_source_id ON card_sources(source_id);`,
		`INSERT OR IGNORE INTO card_sources (card_hash, source_id)
			SELECT hash, source_id FROM cards WHERE source_id IS NOT NULL;`,
	},
}

// SchemaVersion is the version Migrate brings a database to.
var SchemaVersion = len(migrations)

// Migrate applies any pending migrations, each in its own transaction.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	for version := current + 1; version <= SchemaVersion; version++ {
		if err := applyMigration(db, version, migrations[version-1]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, version int, statements []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin version %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: version %d: %w", version, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, version); err != nil {
		return fmt.Errorf("migrate: record version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit version %d: %w", version, err)
	}
	return nil
}
