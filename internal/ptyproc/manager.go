package ptyproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/platform"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

const (
	// ChunkThreshold is the payload size (characters) above which writes
	// are split.
	ChunkThreshold = 1000
	// ChunkSize is the size of each split write.
	ChunkSize = 100
)

// Hooks receive process events. Both are optional.
type Hooks struct {
	OnOutput func(h *Handle, data []byte)
	OnExit   func(h *Handle, code int)
}

// Options configures a Manager. Zero values pick host defaults.
type Options struct {
	Spawner Spawner
	Hooks   Hooks
	GOOS    string
	// Exists reports whether a shell candidate path exists.
	Exists func(string) bool
	// ExitWait bounds KillAndWait when the exit event never arrives.
	ExitWait time.Duration
	// Yield runs between chunks of a split write.
	Yield func()
	// BaseEnv is the environment inherited by spawned shells.
	BaseEnv []string
}

// SpawnRequest describes one session process.
type SpawnRequest struct {
	Cwd             string
	Cols, Rows      uint16
	ExtraEnv        map[string]string
	PreferredShell  string
	ShellCandidates []string
	InitialOutput   string
}

// Manager is the live registry of session processes. Each Manager is
// independent; nothing is shared through package state.
type Manager struct {
	spawner  Spawner
	hooks    Hooks
	goos     string
	exists   func(string) bool
	exitWait time.Duration
	yield    func()
	baseEnv  []string

	mu      sync.Mutex
	handles map[string]*Handle
	chains  map[string]*writeChain
}

// writeChain orders writes for one session id. tail is closed when the
// most recently queued write finishes.
type writeChain struct {
	tail    chan struct{}
	pending int
}

// NewManager returns a Manager with the given options.
func NewManager(opts Options) *Manager {
	m := &Manager{
		spawner:  opts.Spawner,
		hooks:    opts.Hooks,
		goos:     opts.GOOS,
		exists:   opts.Exists,
		exitWait: opts.ExitWait,
		yield:    opts.Yield,
		baseEnv:  opts.BaseEnv,
		handles:  make(map[string]*Handle),
		chains:   make(map[string]*writeChain),
	}
	if m.spawner == nil {
		m.spawner = PTYSpawner{}
	}
	if m.goos == "" {
		m.goos = runtime.GOOS
	}
	if m.exitWait <= 0 {
		m.exitWait = platform.ExitWaitTimeout(platform.FromGOOS(m.goos, nil))
	}
	if m.yield == nil {
		m.yield = runtime.Gosched
	}
	if m.baseEnv == nil {
		m.baseEnv = os.Environ()
	}
	return m
}

// SetHooks replaces the event hooks. Call before the first Spawn.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *Manager) getHooks() Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// Spawn starts a shell for id and registers its handle once the start
// succeeds. A handle already registered under id is replaced; its exit
// will not unregister the new one. A failed start leaves the registry as
// it was.
func (m *Manager) Spawn(id string, req SpawnRequest) (*Handle, error) {
	choice := ResolveShell(m.goos, req.PreferredShell, req.ShellCandidates, m.exists)
	h := newHandle(id, choice, req.InitialOutput)

	opts := StartOptions{
		Shell: choice.Path,
		Dir:   req.Cwd,
		Env:   BuildEnv(m.baseEnv, req.ExtraEnv),
		Cols:  req.Cols,
		Rows:  req.Rows,
	}
	proc, err := m.spawner.Start(opts,
		func(data []byte) { m.handleOutput(h, data) },
		func(code int) { m.handleExit(h, code) },
	)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}
	h.setProcess(proc)

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	// The child may have exited before registration; its exit path
	// found nothing to remove.
	if h.Exited() {
		m.unregister(h)
	}

	ptyLog.Info("process_spawned",
		slog.String("session_id", id),
		slog.String("shell", choice.Path),
		slog.String("dialect", string(choice.Dialect.Tag())),
		slog.Int("pid", proc.Pid()))
	return h, nil
}

func (m *Manager) handleOutput(h *Handle, data []byte) {
	h.Output.Append(string(data))
	if fn := m.getHooks().OnOutput; fn != nil {
		fn(h, data)
	}
}

// handleExit resolves exit waiters first, then reports, then unregisters
// only if the registry still points at this exact handle.
func (m *Manager) handleExit(h *Handle, code int) {
	if !h.markExited(code) {
		return
	}
	ptyLog.Info("process_exited", slog.String("session_id", h.ID), slog.Int("code", code))
	if fn := m.getHooks().OnExit; fn != nil {
		fn(h, code)
	}
	m.unregister(h)
}

func (m *Manager) unregister(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[h.ID] == h {
		delete(m.handles, h.ID)
	}
}

// Get returns the registered handle for id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// List returns all registered handles ordered by id.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Write sends data to the process. Writes for the same id run in call
// order and never interleave. Payloads over ChunkThreshold characters are
// split into ChunkSize pieces with a yield between them. Failures are
// logged, not returned.
func (m *Manager) Write(h *Handle, data string) {
	if h == nil || data == "" {
		return
	}
	prev, done := m.enqueue(h.ID)
	<-prev
	defer m.release(h.ID, done)

	proc := h.process()
	if proc == nil || h.Exited() {
		ptyLog.Debug("write_dropped", slog.String("session_id", h.ID))
		return
	}

	if utf8.RuneCountInString(data) <= ChunkThreshold {
		m.writeOne(h, proc, data)
		return
	}
	chunks := splitRunes(data, ChunkSize)
	logging.Aggregate(logging.CompPTY, "chunked_write", slog.String("session_id", h.ID))
	for i, c := range chunks {
		if !m.writeOne(h, proc, c) {
			return
		}
		if i < len(chunks)-1 {
			m.yield()
		}
	}
}

func (m *Manager) writeOne(h *Handle, proc Process, s string) bool {
	if _, err := proc.Write([]byte(s)); err != nil {
		ptyLog.Warn("write_failed", slog.String("session_id", h.ID), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (m *Manager) enqueue(id string) (prev <-chan struct{}, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chains[id]
	if c == nil {
		ready := make(chan struct{})
		close(ready)
		c = &writeChain{tail: ready}
		m.chains[id] = c
	}
	prev = c.tail
	done = make(chan struct{})
	c.tail = done
	c.pending++
	return prev, done
}

func (m *Manager) release(id string, done chan struct{}) {
	close(done)
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chains[id]
	if c == nil {
		return
	}
	c.pending--
	if c.pending == 0 {
		delete(m.chains, id)
	}
}

// pendingChains reports how many ids have queued writes.
func (m *Manager) pendingChains() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

func splitRunes(s string, size int) []string {
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	for len(s) > 0 {
		i, n := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		chunks = append(chunks, s[:i])
		s = s[i:]
	}
	return chunks
}

// Resize changes the terminal size. Failures are logged.
func (m *Manager) Resize(h *Handle, cols, rows uint16) {
	proc := h.process()
	if proc == nil || h.Exited() {
		return
	}
	if err := proc.Resize(cols, rows); err != nil {
		ptyLog.Warn("resize_failed", slog.String("session_id", h.ID), slog.String("error", err.Error()))
	}
}

// Kill terminates the process without waiting. Failures are logged.
func (m *Manager) Kill(h *Handle) {
	proc := h.process()
	if proc == nil || h.Exited() {
		return
	}
	if err := proc.Kill(); err != nil {
		ptyLog.Warn("kill_failed", slog.String("session_id", h.ID), slog.String("error", err.Error()))
	}
}

// KillAndWait terminates the process and waits for its exit event, at most
// the platform exit-wait timeout. It reports whether exit was confirmed.
func (m *Manager) KillAndWait(ctx context.Context, h *Handle) bool {
	if h.Exited() {
		return true
	}
	m.Kill(h)

	timer := time.NewTimer(m.exitWait)
	defer timer.Stop()
	select {
	case <-h.Done():
		return true
	case <-timer.C:
		ptyLog.Warn("exit_wait_timeout",
			slog.String("session_id", h.ID),
			slog.Duration("timeout", m.exitWait))
	case <-ctx.Done():
	}
	return false
}

// KillAll terminates every registered process and waits for each.
func (m *Manager) KillAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range m.List() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			m.KillAndWait(ctx, h)
		}(h)
	}
	wg.Wait()
}
