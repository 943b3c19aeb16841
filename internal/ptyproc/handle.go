package ptyproc

import (
	"sync"
	"time"

	"github.com/asheshgoplani/agentterm/internal/session"
	"github.com/asheshgoplani/agentterm/internal/shell"
)

// HandleState is the mutable assistant state carried by a Handle.
type HandleState struct {
	AssistantMode   bool
	ProfileID       string
	PendingResume   bool
	SkipPermissions bool
}

// Handle is the live process behind a session. It is never persisted.
// The assistant state is changed only by the orchestrator through the
// setters; everything else reads it.
type Handle struct {
	ID        string
	Shell     string
	Dialect   shell.Dialect
	Output    *session.OutputBuffer
	StartedAt time.Time

	mu    sync.Mutex
	proc  Process
	state HandleState

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

func newHandle(id string, choice ShellChoice, initialOutput string) *Handle {
	return &Handle{
		ID:        id,
		Shell:     choice.Path,
		Dialect:   choice.Dialect,
		Output:    session.NewOutputBuffer(initialOutput),
		StartedAt: time.Now(),
		exited:    make(chan struct{}),
	}
}

func (h *Handle) process() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

func (h *Handle) setProcess(p Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

// Pid returns the child pid, or 0 before start.
func (h *Handle) Pid() int {
	if p := h.process(); p != nil {
		return p.Pid()
	}
	return 0
}

// State returns a copy of the assistant state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Restore replaces the assistant state, used to undo a speculative change.
func (h *Handle) Restore(s HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) AssistantMode() bool { return h.State().AssistantMode }

func (h *Handle) ProfileID() string { return h.State().ProfileID }

func (h *Handle) PendingResume() bool { return h.State().PendingResume }

func (h *Handle) SkipPermissions() bool { return h.State().SkipPermissions }

func (h *Handle) SetAssistantMode(on bool) {
	h.mu.Lock()
	h.state.AssistantMode = on
	h.mu.Unlock()
}

func (h *Handle) SetProfileID(id string) {
	h.mu.Lock()
	h.state.ProfileID = id
	h.mu.Unlock()
}

func (h *Handle) SetPendingResume(on bool) {
	h.mu.Lock()
	h.state.PendingResume = on
	h.mu.Unlock()
}

func (h *Handle) SetSkipPermissions(on bool) {
	h.mu.Lock()
	h.state.SkipPermissions = on
	h.mu.Unlock()
}

// TakePendingResume clears the pending-resume flag and reports whether it
// was set.
func (h *Handle) TakePendingResume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.state.PendingResume
	h.state.PendingResume = false
	return was
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.exited }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// ExitCode blocks until the process exits and returns its code.
func (h *Handle) ExitCode() int {
	<-h.exited
	return h.exitCode
}

func (h *Handle) markExited(code int) bool {
	first := false
	h.exitOnce.Do(func() {
		h.exitCode = code
		close(h.exited)
		first = true
	})
	return first
}
