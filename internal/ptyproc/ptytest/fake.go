// Package ptytest provides an in-memory Spawner for tests that need a
// session process without a real pseudo-terminal.
package ptytest

import (
	"errors"
	"strings"
	"sync"

	"github.com/asheshgoplani/agentterm/internal/ptyproc"
)

// ErrClosed is returned by writes to an exited fake process.
var ErrClosed = errors.New("fake process exited")

// Spawner records every start and hands out Process values.
type Spawner struct {
	// Err, when set, fails every Start.
	Err error
	// OnStart runs synchronously for each new process.
	OnStart func(p *Process)

	mu    sync.Mutex
	procs []*Process
	next  int
}

var _ ptyproc.Spawner = (*Spawner)(nil)

// Start implements ptyproc.Spawner.
func (s *Spawner) Start(opts ptyproc.StartOptions, onData func([]byte), onExit func(int)) (ptyproc.Process, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	s.next++
	p := &Process{Opts: opts, pid: 1000 + s.next, onData: onData, onExit: onExit, KillExits: true}
	s.procs = append(s.procs, p)
	hook := s.OnStart
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return p, nil
}

// Procs returns every started process in order.
func (s *Spawner) Procs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Last returns the most recent process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Process is a scripted child. Writes are recorded; output and exit are
// driven by the test through Emit and Exit.
type Process struct {
	Opts ptyproc.StartOptions
	// KillExits makes Kill deliver an exit event (code -1).
	KillExits bool
	// OnWrite, when set, is called after each recorded write.
	OnWrite func(p *Process, data string)
	// WriteErr, when set, fails every write.
	WriteErr error

	pid    int
	onData func([]byte)
	onExit func(int)

	mu     sync.Mutex
	writes []string
	sizes  [][2]uint16
	killed int
	exited bool
	exitMu sync.Mutex
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.WriteErr != nil {
		p.mu.Unlock()
		return 0, p.WriteErr
	}
	p.writes = append(p.writes, string(b))
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(p, string(b))
	}
	return len(b), nil
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	p.sizes = append(p.sizes, [2]uint16{cols, rows})
	p.mu.Unlock()
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed++
	exits := p.KillExits
	p.mu.Unlock()
	if exits {
		go p.Exit(-1)
	}
	return nil
}

func (p *Process) Pid() int { return p.pid }

// Emit delivers output as if the child printed it.
func (p *Process) Emit(s string) {
	p.onData([]byte(s))
}

// Exit delivers the exit event once.
func (p *Process) Exit(code int) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()
	p.onExit(code)
}

// Writes returns the recorded writes in order.
func (p *Process) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Written returns all writes concatenated.
func (p *Process) Written() string {
	return strings.Join(p.Writes(), "")
}

// Sizes returns recorded resizes.
func (p *Process) Sizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.sizes...)
}

// Kills returns how many times Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
