package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file name inside the data directory.
const FileName = "state.db"

// StateDB wraps a SQLite database holding assistant profiles, rate-limit
// history and process-wide settings.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db *sql.DB
}

// ProfileRow represents a profile row in the database.
type ProfileRow struct {
	ID        string
	Name      string
	ConfigDir string
	Token     string
	Email     string
	IsDefault bool
	CreatedAt time.Time
	LastUsed  time.Time // zero if never used
}

// RateLimitRow is one recorded rate-limit hit.
type RateLimitRow struct {
	ProfileID  string
	ResetTime  string
	RecordedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout in the DSN applies to every pooled connection
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	// Tokens live in this file.
	_ = os.Chmod(dbPath, 0600)

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- Profiles ---

// SaveProfile inserts or replaces a profile. Setting IsDefault clears the
// flag on every other profile.
func (s *StateDB) SaveProfile(p *ProfileRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if p.IsDefault {
		if _, err := tx.Exec("UPDATE profiles SET is_default = 0 WHERE id != ?", p.ID); err != nil {
			return err
		}
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := tx.Exec(`
		INSERT INTO profiles (id, name, config_dir, token, email, is_default, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config_dir = excluded.config_dir,
			token = excluded.token,
			email = excluded.email,
			is_default = excluded.is_default`,
		p.ID, p.Name, p.ConfigDir, p.Token, p.Email, boolToInt(p.IsDefault),
		created.Unix(), unixOrZero(p.LastUsed),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadProfiles returns all profiles ordered by creation time.
func (s *StateDB) LoadProfiles() ([]*ProfileRow, error) {
	rows, err := s.db.Query(`
		SELECT id, name, config_dir, token, email, is_default, created_at, last_used
		FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ProfileRow
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetProfile returns the profile with id, or nil if none exists.
func (s *StateDB) GetProfile(id string) (*ProfileRow, error) {
	row := s.db.QueryRow(`
		SELECT id, name, config_dir, token, email, is_default, created_at, last_used
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// DeleteProfile removes a profile and its rate-limit history.
func (s *StateDB) DeleteProfile(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM rate_limit_events WHERE profile_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM profiles WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProfileToken stores a bearer token and, when non-empty, the account email.
// Returns false if no such profile exists.
func (s *StateDB) SetProfileToken(id, token, email string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if email != "" {
		res, err = s.db.Exec("UPDATE profiles SET token = ?, email = ? WHERE id = ?", token, email, id)
	} else {
		res, err = s.db.Exec("UPDATE profiles SET token = ? WHERE id = ?", token, id)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchProfile records a use of the profile.
func (s *StateDB) TouchProfile(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE profiles SET last_used = ? WHERE id = ?", at.Unix(), id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (*ProfileRow, error) {
	var (
		p                 ProfileRow
		isDefault         int
		created, lastUsed int64
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.ConfigDir, &p.Token, &p.Email, &isDefault, &created, &lastUsed); err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	p.CreatedAt = time.Unix(created, 0)
	if lastUsed > 0 {
		p.LastUsed = time.Unix(lastUsed, 0)
	}
	return &p, nil
}

// --- Rate limits ---

// InsertRateLimitEvent records that profileID hit its usage limit.
func (s *StateDB) InsertRateLimitEvent(profileID, resetTime string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO rate_limit_events (profile_id, reset_time, recorded_at) VALUES (?, ?, ?)",
		profileID, resetTime, at.Unix(),
	)
	return err
}

// RateLimitedSince returns the ids of profiles with an event recorded at or
// after since.
func (s *StateDB) RateLimitedSince(since time.Time) (map[string]bool, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT profile_id FROM rate_limit_events WHERE recorded_at >= ?",
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RateLimitEvents returns the most recent events for a profile, newest first.
func (s *StateDB) RateLimitEvents(profileID string, limit int) ([]RateLimitRow, error) {
	rows, err := s.db.Query(`
		SELECT profile_id, reset_time, recorded_at FROM rate_limit_events
		WHERE profile_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		profileID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RateLimitRow
	for rows.Next() {
		var (
			r  RateLimitRow
			at int64
		)
		if err := rows.Scan(&r.ProfileID, &r.ResetTime, &at); err != nil {
			return nil, err
		}
		r.RecordedAt = time.Unix(at, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRateLimitEvents deletes events recorded before cutoff.
func (s *StateDB) PruneRateLimitEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM rate_limit_events WHERE recorded_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
