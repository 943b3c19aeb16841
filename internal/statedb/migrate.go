package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = []func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS profiles (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				config_dir TEXT NOT NULL DEFAULT '',
				token      TEXT NOT NULL DEFAULT '',
				email      TEXT NOT NULL DEFAULT '',
				is_default INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				last_used  INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS rate_limit_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				profile_id  TEXT NOT NULL,
				reset_time  TEXT NOT NULL,
				recorded_at INTEGER NOT NULL
			)`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	},
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_rate_limit_profile_time
			ON rate_limit_events (profile_id, recorded_at)`)
		return err
	},
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current, err := schemaVersion(tx)
	if err != nil {
		return fmt.Errorf("statedb: read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}
	for v := current; v < SchemaVersion; v++ {
		if err := migrations[v](tx); err != nil {
			return fmt.Errorf("statedb: migrate to %d: %w", v+1, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// Version returns the schema version recorded in the database.
func (s *StateDB) Version() (int, error) {
	v, err := s.GetMeta("schema_version")
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

func schemaVersion(tx *sql.Tx) (int, error) {
	var v string
	err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
