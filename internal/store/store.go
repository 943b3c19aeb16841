// Package store persists session records bucketed by date and project.
//
// The main document is replaced atomically on every write and the previous
// valid copy is kept as a backup. Loading degrades from main to backup to an
// empty document; disk errors never reach callers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agentterm/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// File names inside the store directory.
const (
	MainFileName   = "sessions.json"
	BackupFileName = "sessions.backup.json"
	TempFileName   = MainFileName + ".tmp"
)

const (
	// RetentionDays is how many days of buckets survive cleanup. The bucket
	// exactly at the cutoff is kept.
	RetentionDays = 10

	// DefaultDeleteGrace is how long a removed id stays in the pending-delete set.
	DefaultDeleteGrace = 5 * time.Second

	// failureEscalation is the consecutive failure count that raises save
	// failures from info to warn.
	failureEscalation = 3
)

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for date buckets and lastActiveAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDeleteGrace overrides the pending-delete grace window.
func WithDeleteGrace(d time.Duration) Option {
	return func(s *Store) { s.grace = d }
}

// WithStat overrides the existence check used when migrating worktree configs.
func WithStat(stat func(string) (os.FileInfo, error)) Option {
	return func(s *Store) { s.stat = stat }
}

// Store is the session store. All methods are safe for concurrent use.
type Store struct {
	dir        string
	mainPath   string
	backupPath string
	tmpPath    string

	now   func() time.Time
	grace time.Duration
	stat  func(string) (os.FileInfo, error)

	// mu guards the document and the pending-delete bookkeeping.
	mu            sync.Mutex
	doc           *Document
	pendingDelete map[string]struct{}
	deleteTimers  map[string]*deleteTimer
	closed        bool

	// writeMu serializes every file write, sync or async.
	writeMu sync.Mutex

	// asyncMu guards the coalescing state of SaveAsync.
	asyncMu  sync.Mutex
	inflight bool
	again    bool
	idle     chan struct{}
	failures int

	writes atomic.Int64
}

type deleteTimer struct {
	t *time.Timer
}

// Open loads (or creates) the store in dir and purges expired buckets.
// Only failure to create dir is returned; unreadable documents fall back
// to the backup and then to an empty store.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	idle := make(chan struct{})
	close(idle)
	s := &Store{
		dir:           dir,
		mainPath:      filepath.Join(dir, MainFileName),
		backupPath:    filepath.Join(dir, BackupFileName),
		tmpPath:       filepath.Join(dir, TempFileName),
		now:           time.Now,
		grace:         DefaultDeleteGrace,
		stat:          os.Stat,
		pendingDelete: make(map[string]struct{}),
		deleteTimers:  make(map[string]*deleteTimer),
		idle:          idle,
	}
	for _, opt := range opts {
		opt(s)
	}

	migrated := s.load()
	purged := s.cleanupOldSessions()
	if migrated || purged {
		_ = s.Save()
	}
	return s, nil
}

// Dir returns the directory holding the store files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) today() string {
	return s.now().Format(dateLayout)
}

// load fills s.doc from main, then backup, then empty. It reports whether a
// legacy document was migrated and needs persisting.
func (s *Store) load() bool {
	today := s.today()

	doc, migrated, err := readDocument(s.mainPath, today)
	if err == nil {
		s.doc = doc
		if migrated {
			storeLog.Info("legacy_document_migrated", slog.String("path", s.mainPath))
		}
		return migrated
	}
	if !errors.Is(err, fs.ErrNotExist) {
		storeLog.Warn("main_load_failed", slog.String("path", s.mainPath), slog.String("error", err.Error()))
	}

	doc, migrated, berr := readDocument(s.backupPath, today)
	if berr == nil {
		s.doc = doc
		if rerr := s.restoreMainFromBackup(); rerr != nil {
			storeLog.Warn("restore_from_backup_failed", slog.String("error", rerr.Error()))
		} else {
			storeLog.Info("restored_from_backup", slog.String("path", s.backupPath))
		}
		return migrated
	}
	if !errors.Is(berr, fs.ErrNotExist) {
		storeLog.Warn("backup_load_failed", slog.String("path", s.backupPath), slog.String("error", berr.Error()))
	}

	s.doc = newDocument()
	return false
}

func readDocument(path, today string) (*Document, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return decodeDocument(data, today)
}

func (s *Store) restoreMainFromBackup() error {
	data, err := os.ReadFile(s.backupPath)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeSynced(s.tmpPath, data); err != nil {
		return err
	}
	return os.Rename(s.tmpPath, s.mainPath)
}

// cleanupOldSessions drops buckets dated before today minus RetentionDays.
func (s *Store) cleanupOldSessions() bool {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cutoff := midnight.AddDate(0, 0, -RetentionDays).Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for date := range s.doc.SessionsByDate {
		if date < cutoff {
			delete(s.doc.SessionsByDate, date)
			storeLog.Info("bucket_purged", slog.String("date", date))
			changed = true
		}
	}
	return changed
}

// Save writes the document synchronously. Intended for shutdown flushes;
// mutation paths use SaveAsync. The error is also logged and counted.
// The snapshot is taken under writeMu so files land in snapshot order.
func (s *Store) Save() error {
	s.writeMu.Lock()
	data, err := s.snapshot()
	if err == nil {
		err = s.writeFile(data)
	}
	s.writeMu.Unlock()
	s.recordResult(err)
	return err
}

// SaveAsync schedules a write. While one is in flight, further calls collapse
// into a single follow-up write.
func (s *Store) SaveAsync() {
	s.asyncMu.Lock()
	if s.inflight {
		s.again = true
		s.asyncMu.Unlock()
		return
	}
	s.inflight = true
	s.idle = make(chan struct{})
	s.asyncMu.Unlock()

	go s.asyncLoop()
}

func (s *Store) asyncLoop() {
	for {
		_ = s.Save()

		s.asyncMu.Lock()
		if !s.again {
			s.inflight = false
			close(s.idle)
			s.asyncMu.Unlock()
			return
		}
		s.again = false
		s.asyncMu.Unlock()
	}
}

// Wait blocks until no async write is in flight.
func (s *Store) Wait() {
	s.asyncMu.Lock()
	idle := s.idle
	s.asyncMu.Unlock()
	<-idle
}

// ConsecutiveFailures returns the current run of failed writes.
func (s *Store) ConsecutiveFailures() int {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	return s.failures
}

func (s *Store) recordResult(err error) {
	s.asyncMu.Lock()
	if err == nil {
		s.failures = 0
		s.asyncMu.Unlock()
		return
	}
	s.failures++
	n := s.failures
	s.asyncMu.Unlock()

	if n >= failureEscalation {
		storeLog.Warn("save_failures_escalated",
			slog.Int("consecutive_failures", n),
			slog.String("error", err.Error()))
		return
	}
	storeLog.Info("save_failed",
		slog.Int("consecutive_failures", n),
		slog.String("error", err.Error()))
}

func (s *Store) snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Version = CurrentVersion
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session document: %w", err)
	}
	return data, nil
}

// writeFile performs temp write, fsync, backup rotation and rename.
// Caller holds writeMu.
func (s *Store) writeFile(data []byte) error {
	if err := writeSynced(s.tmpPath, data); err != nil {
		return err
	}

	if existing, err := os.ReadFile(s.mainPath); err == nil {
		if json.Valid(existing) {
			if err := os.Rename(s.mainPath, s.backupPath); err != nil {
				storeLog.Warn("backup_rotation_failed", slog.String("error", err.Error()))
			}
		} else {
			storeLog.Warn("corrupt_main_discarded", slog.String("path", s.mainPath))
			_ = os.Remove(s.mainPath)
		}
	}

	if err := os.Rename(s.tmpPath, s.mainPath); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("finalize session document: %w", err)
	}
	s.writes.Add(1)
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	return f.Close()
}

// Flush waits for in-flight async writes and then writes once more.
func (s *Store) Flush() error {
	s.Wait()
	return s.Save()
}

// Close stops grace timers and flushes. The store stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, dt := range s.deleteTimers {
		dt.t.Stop()
		delete(s.deleteTimers, id)
	}
	s.mu.Unlock()
	return s.Flush()
}
