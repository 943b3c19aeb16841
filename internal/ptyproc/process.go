// Package ptyproc owns the pseudo-terminal process behind each session:
// spawning, ordered chunked writes, resize, and kill with confirmed exit.
package ptyproc

import "errors"

// ErrUnsupported is returned by PTYSpawner on platforms without a
// pseudo-terminal implementation.
var ErrUnsupported = errors.New("pseudo-terminal not supported on this platform")

// StartOptions describes the child process to launch.
type StartOptions struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Process is a running child attached to a pseudo-terminal.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Pid() int
}

// Spawner starts processes. onData receives each output chunk (the slice is
// owned by the callee); onExit is called once, after the last onData.
type Spawner interface {
	Start(opts StartOptions, onData func([]byte), onExit func(code int)) (Process, error)
}

// PTYSpawner starts processes on a real pseudo-terminal.
type PTYSpawner struct{}

const (
	defaultCols = 120
	defaultRows = 30
)

func (o StartOptions) size() (cols, rows uint16) {
	cols, rows = o.Cols, o.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	return cols, rows
}
