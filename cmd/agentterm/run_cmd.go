package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/orchestrator"
	"github.com/asheshgoplani/agentterm/internal/profile"
)

// attachObserver mirrors one session onto the local terminal.
type attachObserver struct {
	observer.Nop
	id   string
	out  io.Writer
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
	code int
}

func newAttachObserver(id string, out io.Writer) *attachObserver {
	return &attachObserver{id: id, out: out, done: make(chan struct{})}
}

func (a *attachObserver) write(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.out.Write(b)
}

// notice prints a status line. The terminal is raw, so lines need \r\n.
func (a *attachObserver) notice(format string, args ...any) {
	a.write([]byte("\r\n" + dimStyle.Render("[agentterm] "+fmt.Sprintf(format, args...)) + "\r\n"))
}

func (a *attachObserver) OnOutput(e observer.Output) {
	if e.ID == a.id {
		a.write(e.Data)
	}
}

func (a *attachObserver) OnExit(e observer.Exit) {
	if e.ID != a.id {
		return
	}
	a.once.Do(func() {
		a.code = e.Code
		close(a.done)
	})
}

func (a *attachObserver) OnRateLimitDetected(e observer.RateLimitDetected) {
	if e.ID != a.id {
		return
	}
	switch {
	case e.AutoSwitch:
		a.notice("rate limited until %s, switching to profile %s", e.ResetTime, e.SuggestedProfileID)
	case e.SuggestedProfileID != "":
		a.notice("rate limited until %s; try: agentterm profiles use %s", e.ResetTime, e.SuggestedProfileID)
	default:
		a.notice("rate limited until %s", e.ResetTime)
	}
}

func (a *attachObserver) OnTokenDetected(e observer.TokenDetected) {
	if e.ID != a.id {
		return
	}
	if e.Success {
		a.notice("saved token for profile %s", e.ProfileID)
	} else {
		a.notice("could not save token for profile %s: %s", e.ProfileID, e.Error)
	}
}

func (a *attachObserver) OnAuthURLDetected(e observer.AuthURLDetected) {
	if e.ID == a.id {
		a.notice("open to sign in: %s", e.URL)
	}
}

type runOptions struct {
	dir             string
	profileID       string
	resume          bool
	skipPermissions bool
	shellOnly       bool
}

func parseRunFlags(args []string, defaultSkip bool) (*runOptions, bool, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	opts := &runOptions{}
	fs.StringVar(&opts.profileID, "profile", profile.DetectProfileID(), "Profile to invoke the assistant with")
	fs.BoolVar(&opts.resume, "resume", false, "Continue the previous assistant conversation")
	fs.BoolVar(&opts.skipPermissions, "skip-permissions", defaultSkip, "Pass "+invoke.FlagSkipPermissions)
	fs.BoolVar(&opts.shellOnly, "shell", false, "Open a plain shell without starting the assistant")

	fs.Usage = func() {
		fmt.Println("Usage: agentterm run [options] [dir]")
		fmt.Println()
		fmt.Println("Open a session in this terminal. Exit the shell to leave.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	ok, err := parseFlags(fs, args)
	if !ok {
		return nil, false, err
	}
	switch fs.NArg() {
	case 0:
		opts.dir = "."
	case 1:
		opts.dir = fs.Arg(0)
	default:
		return nil, false, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	abs, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, false, err
	}
	opts.dir = abs
	return opts, true, nil
}

func handleRun(args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	opts, ok, err := parseRunFlags(args, a.cfg.Assistant.SkipPermissions)
	if !ok {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("run needs an interactive terminal")
	}

	// Logs must stay off stderr while the terminal belongs to the session.
	a.initLogging(false)
	defer logging.Shutdown()

	orch, closeProfiles, err := a.newOrchestrator(false)
	if err != nil {
		return err
	}
	defer closeProfiles()
	defer orch.Shutdown(context.Background())

	id := uuid.NewString()
	obs := newAttachObserver(id, os.Stdout)
	orch.Subscribe(obs)
	defer orch.Unsubscribe(obs)

	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}
	if _, err := orch.Create(orchestrator.CreateRequest{
		ID:          id,
		ProjectPath: opts.dir,
		Cols:        uint16(cols),
		Rows:        uint16(rows),
	}); err != nil {
		return err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if !opts.shellOnly {
		err := orch.InvokeAssistant(ctx, id, invoke.InvokeOptions{
			ProfileID:       opts.profileID,
			Resume:          opts.resume,
			SkipPermissions: opts.skipPermissions,
		})
		if err != nil {
			obs.notice("assistant not started: %v", err)
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				_ = orch.Resize(id, uint16(c), uint16(r))
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := orch.Write(id, string(buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-obs.done:
	case <-ctx.Done():
		_ = orch.Destroy(context.Background(), id)
	}
	return nil
}
