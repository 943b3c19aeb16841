// Package orchestrator owns the registry of live sessions. It connects the
// process manager, the output classifier, the invocation protocol and the
// session store, and fans events out to observers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agentterm/internal/classifier"
	"github.com/asheshgoplani/agentterm/internal/config"
	"github.com/asheshgoplani/agentterm/internal/git"
	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/profile"
	"github.com/asheshgoplani/agentterm/internal/ptyproc"
	"github.com/asheshgoplani/agentterm/internal/session"
	"github.com/asheshgoplani/agentterm/internal/store"
)

var orchLog = logging.ForComponent(logging.CompOrchestrator)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already running")
	ErrShutdown        = errors.New("orchestrator is shut down")
)

// Options configures an Orchestrator. Store, Manager and Profiles are required.
type Options struct {
	Store    *store.Store
	Manager  *ptyproc.Manager
	Profiles profile.Provider
	Observer observer.Observer
	Config   *config.Config

	// Protocol replaces the protocol normally built from Invoke.
	Protocol *invoke.Protocol
	// Invoke seeds the protocol. Terminal, Profiles, Observer, Classifier
	// and Settings are filled in; zero timeouts come from Config.
	Invoke invoke.Options
	// Classifier defaults to the built-in rules plus [classifier] rules.
	Classifier *classifier.Classifier

	// AutoResume resumes restored assistant sessions once their shell has
	// printed something.
	AutoResume bool
	// SaveInterval overrides [store].save_interval_seconds.
	SaveInterval time.Duration
	// DetectWorktree describes the git worktree of a new session's
	// directory. Defaults to git.DetectWorktree.
	DetectWorktree func(dir string) *session.WorktreeConfig

	Now   func() time.Time
	NewID func() string
}

// entry is one live session. sess is guarded by Orchestrator.mu.
type entry struct {
	sess *session.Session
	h    *ptyproc.Handle

	// ops serializes invocations and profile switches.
	ops sync.Mutex

	sawOutput bool
	authURL   string
	onboarded bool
}

// Orchestrator is the session core used by the web bridge and the CLI.
type Orchestrator struct {
	store      *store.Store
	mgr        *ptyproc.Manager
	proto      *invoke.Protocol
	profiles   profile.Provider
	obs        *observer.Multi
	tracker    *classifier.Tracker
	now        func() time.Time
	newID      func() string
	autoResume bool

	detectWorktree func(dir string) *session.WorktreeConfig

	mu     sync.Mutex
	live   map[string]*entry
	cfg    *config.Config
	closed bool

	restores  singleflight.Group
	intervals chan time.Duration
	stop      chan struct{}
	done      chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires an Orchestrator and starts its periodic save loop.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Manager == nil || opts.Profiles == nil {
		return nil, errors.New("orchestrator: store, manager and profiles are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	cls := opts.Classifier
	if cls == nil {
		rules, err := cfg.Classifier.CompileRules()
		if err != nil {
			orchLog.Warn("classifier_rules_skipped", slog.String("error", err.Error()))
		}
		cls = classifier.New(rules...)
	}

	o := &Orchestrator{
		store:      opts.Store,
		mgr:        opts.Manager,
		profiles:   opts.Profiles,
		obs:        observer.NewMulti(opts.Observer),
		tracker:    classifier.NewTracker(cls),
		now:        opts.Now,
		newID:      opts.NewID,
		autoResume: opts.AutoResume,
		live:       make(map[string]*entry),
		cfg:        cfg,
		intervals:  make(chan time.Duration, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	o.detectWorktree = opts.DetectWorktree
	if o.detectWorktree == nil {
		o.detectWorktree = git.DetectWorktree
	}

	o.proto = opts.Protocol
	if o.proto == nil {
		io := opts.Invoke
		io.Terminal = opts.Manager
		io.Profiles = opts.Profiles
		io.Observer = o.obs
		io.Classifier = cls
		io.Settings = assistantSettings(cfg)
		if io.SwitchTimeout <= 0 {
			io.SwitchTimeout = cfg.Switch.GetExitWait()
		}
		if io.PollInterval <= 0 {
			io.PollInterval = cfg.Switch.GetPollInterval()
		}
		o.proto = invoke.New(io)
	}
	o.proto.SetAutoSwitch(o.SwitchProfile)

	o.mgr.SetHooks(ptyproc.Hooks{OnOutput: o.onOutput, OnExit: o.onExit})

	interval := opts.SaveInterval
	if interval <= 0 {
		interval = cfg.Store.GetSaveInterval()
	}
	go o.saveLoop(interval)
	return o, nil
}

func assistantSettings(cfg *config.Config) invoke.Settings {
	return invoke.Settings{
		Executable: cfg.Assistant.GetExecutable(),
		ExtraPath:  append([]string(nil), cfg.Assistant.ExtraPath...),
		ExtraFlags: append([]string(nil), cfg.Assistant.ExtraFlags...),
	}
}

// Subscribe adds an observer for every future event.
func (o *Orchestrator) Subscribe(obs observer.Observer) { o.obs.Add(obs) }

// Unsubscribe removes an observer added with Subscribe.
func (o *Orchestrator) Unsubscribe(obs observer.Observer) { o.obs.Remove(obs) }

// Config returns the configuration currently applied.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// CreateRequest describes a new session. ProjectPath defaults to Cwd and
// Title to the base name of the working directory.
type CreateRequest struct {
	ID          string
	ProjectPath string
	Cwd         string
	Title       string
	Cols, Rows  uint16
}

// Create spawns a shell for a new session and records it in the store.
func (o *Orchestrator) Create(req CreateRequest) (*session.Session, error) {
	if req.ProjectPath == "" {
		req.ProjectPath = req.Cwd
	}
	if req.ProjectPath == "" {
		return nil, errors.New("create: project path is required")
	}
	if req.Cwd == "" {
		req.Cwd = req.ProjectPath
	}
	if req.ID == "" {
		req.ID = o.newID()
	}
	if req.Title == "" {
		req.Title = filepath.Base(req.Cwd)
	}

	now := o.now()
	sess := &session.Session{
		ID:               req.ID,
		Title:            req.Title,
		WorkingDirectory: req.Cwd,
		ProjectPath:      req.ProjectPath,
		CreatedAt:        now,
		LastActiveAt:     now,
		WorktreeConfig:   o.detectWorktree(req.Cwd),
	}
	e, err := o.start(sess, startOptions{cwd: req.Cwd, cols: req.Cols, rows: req.Rows})
	if err != nil {
		return nil, err
	}
	o.persist(e)
	orchLog.Info("session_created",
		slog.String("session_id", sess.ID),
		slog.String("project", sess.ProjectPath))
	return o.snapshot(e), nil
}

type startOptions struct {
	cwd           string
	cols, rows    uint16
	initialOutput string
	pendingResume bool
}

// start spawns and registers under o.mu so hooks for the new handle wait
// until the entry exists.
func (o *Orchestrator) start(sess *session.Session, so startOptions) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShutdown
	}
	if _, ok := o.live[sess.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	h, err := o.mgr.Spawn(sess.ID, ptyproc.SpawnRequest{
		Cwd:             so.cwd,
		Cols:            so.cols,
		Rows:            so.rows,
		PreferredShell:  o.cfg.Shell.Preferred,
		ShellCandidates: append([]string(nil), o.cfg.Shell.Candidates...),
		InitialOutput:   so.initialOutput,
	})
	if err != nil {
		return nil, err
	}
	h.SetSkipPermissions(o.cfg.Assistant.SkipPermissions)
	h.SetPendingResume(so.pendingResume)
	e := &entry{sess: sess, h: h}
	o.live[sess.ID] = e
	return e, nil
}

func (o *Orchestrator) get(id string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// lookup returns the entry only while it still owns h.
func (o *Orchestrator) lookup(h *ptyproc.Handle) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.live[h.ID]; e != nil && e.h == h {
		return e
	}
	return nil
}

// snapshot copies the record with the handle's current output and mode.
// A session waiting to resume still counts as an assistant session.
func (o *Orchestrator) snapshot(e *entry) *session.Session {
	o.mu.Lock()
	c := e.sess.Clone()
	o.mu.Unlock()
	c.OutputBuffer = e.h.Output.String()
	c.IsAssistantMode = e.h.AssistantMode() || e.h.PendingResume()
	return c
}

func (o *Orchestrator) persist(e *entry) {
	o.store.SaveSession(o.snapshot(e))
}

func (o *Orchestrator) entries() []*entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry, 0, len(o.live))
	for _, e := range o.live {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) persistAll() {
	for _, e := range o.entries() {
		o.persist(e)
	}
}

// Get returns a snapshot of a live session.
func (o *Orchestrator) Get(id string) (*session.Session, error) {
	e, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return o.snapshot(e), nil
}

// Handle returns the process handle of a live session.
func (o *Orchestrator) Handle(id string) (*ptyproc.Handle, bool) {
	e, err := o.get(id)
	if err != nil {
		return nil, false
	}
	return e.h, true
}

// List returns snapshots of live sessions for projectPath (all projects
// when empty), in display order.
func (o *Orchestrator) List(projectPath string) []*session.Session {
	var out []*session.Session
	for _, e := range o.entries() {
		s := o.snapshot(e)
		if projectPath != "" && s.ProjectPath != projectPath {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	session.SortByDisplayOrder(out)
	return out
}

// Write sends input to a session.
func (o *Orchestrator) Write(id, data string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	o.mgr.Write(e.h, data)
	return nil
}

// Resize changes a session's terminal size.
func (o *Orchestrator) Resize(id string, cols, rows uint16) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	o.mgr.Resize(e.h, cols, rows)
	return nil
}

// SetTitle renames a session.
func (o *Orchestrator) SetTitle(id, title string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	e.sess.Title = title
	o.mu.Unlock()
	o.persist(e)
	o.obs.OnTitleChanged(observer.TitleChanged{ID: id, Title: title})
	return nil
}

// SetWorktree attaches (or with nil, detaches) a git worktree.
func (o *Orchestrator) SetWorktree(id string, wt *session.WorktreeConfig) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	var c *session.WorktreeConfig
	if wt != nil {
		cp := *wt
		c = &cp
	}
	o.mu.Lock()
	e.sess.WorktreeConfig = c
	o.mu.Unlock()
	o.persist(e)
	return nil
}

// SetDisplayOrder applies tab positions for a project and returns how many
// stored sessions were updated.
func (o *Orchestrator) SetDisplayOrder(projectPath string, orders map[string]int) int {
	o.mu.Lock()
	for id, order := range orders {
		if e, ok := o.live[id]; ok && e.sess.ProjectPath == projectPath {
			e.sess.DisplayOrder = session.IntPtr(order)
		}
	}
	o.mu.Unlock()
	return o.store.UpdateDisplayOrders(projectPath, orders)
}

// InvokeAssistant launches the assistant in a session. The mode flags are
// set before the command is written and restored if invocation fails.
func (o *Orchestrator) InvokeAssistant(ctx context.Context, id string, opts invoke.InvokeOptions) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	return o.invoke(ctx, e, opts)
}

func (o *Orchestrator) invoke(ctx context.Context, e *entry, opts invoke.InvokeOptions) error {
	h := e.h
	prev := h.State()
	if opts.Cwd == "" {
		o.mu.Lock()
		opts.Cwd = e.sess.WorkingDirectory
		o.mu.Unlock()
	}

	h.SetAssistantMode(true)
	h.SetPendingResume(false)
	h.SetSkipPermissions(opts.SkipPermissions)
	if opts.ProfileID != "" {
		h.SetProfileID(opts.ProfileID)
	}

	profileID, err := o.proto.Invoke(ctx, h, opts)
	if err != nil {
		h.Restore(prev)
		orchLog.Warn("invoke_failed", slog.String("session_id", h.ID), slog.String("error", err.Error()))
		return err
	}
	h.SetProfileID(profileID)
	o.tracker.Reset(h.ID)
	o.persist(e)
	return nil
}

// ResumeAssistant re-invokes the assistant with the continue flag, using
// the session's recorded profile and permission setting.
func (o *Orchestrator) ResumeAssistant(ctx context.Context, id string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	h := e.h
	h.TakePendingResume()
	return o.invoke(ctx, e, invoke.InvokeOptions{
		ProfileID:       h.ProfileID(),
		Resume:          true,
		SkipPermissions: h.SkipPermissions(),
	})
}

// SwitchProfile stops the running assistant and continues the conversation
// under profileID.
func (o *Orchestrator) SwitchProfile(ctx context.Context, id, profileID string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	skip := e.h.SkipPermissions()
	return o.proto.SwitchProfile(ctx, e.h, profileID, func(ctx context.Context) error {
		return o.invoke(ctx, e, invoke.InvokeOptions{
			ProfileID:       profileID,
			Resume:          true,
			SkipPermissions: skip,
		})
	})
}

// Destroy kills a session and deletes its record. Unknown ids are removed
// from the store only.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	o.mu.Lock()
	e := o.live[id]
	delete(o.live, id)
	o.mu.Unlock()

	project := ""
	if e != nil {
		project = e.sess.ProjectPath
		if !o.mgr.KillAndWait(ctx, e.h) {
			orchLog.Warn("destroy_exit_unconfirmed", slog.String("session_id", id))
		}
	}
	o.tracker.Forget(id)
	o.proto.Forget(id)
	o.store.RemoveSession(project, id)
	orchLog.Info("session_destroyed", slog.String("session_id", id))
	return nil
}

// ApplyConfig switches to cfg for future spawns and invocations.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.proto.SetSettings(assistantSettings(cfg))

	select {
	case o.intervals <- cfg.Store.GetSaveInterval():
	default:
	}
	orchLog.Info("config_applied")
}

func (o *Orchestrator) saveLoop(interval time.Duration) {
	defer close(o.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case d := <-o.intervals:
			ticker.Reset(d)
		case <-ticker.C:
			o.persistAll()
		}
	}
}

// Shutdown stops the save loop, persists every live session, kills every
// process and flushes the store. Later calls return the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		close(o.stop)
		<-o.done

		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		o.persistAll()
		o.mgr.KillAll(ctx)
		o.shutdownErr = o.store.Close()
		orchLog.Info("orchestrator_shutdown")
	})
	return o.shutdownErr
}
