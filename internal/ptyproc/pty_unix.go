//go:build !windows

package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// drainTimeout bounds how long exit waits for the reader after the child
// is gone. Grandchildren can hold the slave side open indefinitely.
const drainTimeout = 500 * time.Millisecond

// Start launches opts.Shell on a new pseudo-terminal.
func (PTYSpawner) Start(opts StartOptions, onData func([]byte), onExit func(code int)) (Process, error) {
	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	cols, rows := opts.size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", opts.Shell, err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx}
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					ptyLog.Debug("pty_read_end", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	go func() {
		code := exitCode(cmd.Wait())
		p.mu.Lock()
		p.reaped = true
		p.mu.Unlock()
		select {
		case <-readDone:
		case <-time.After(drainTimeout):
		}
		p.close()
		<-readDone
		onExit(code)
	}()

	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool
	reaped bool
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill signals the shell's whole process group. pty.Start runs the shell
// with Setsid, so its pid is also the group id and background jobs go too.
func (p *ptyProcess) Kill() error {
	pid := p.Pid()
	if pid == 0 {
		return nil
	}
	p.mu.Lock()
	reaped := p.reaped
	p.mu.Unlock()
	if reaped {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.ptmx.Close()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
