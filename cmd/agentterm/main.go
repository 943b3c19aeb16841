package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/agentterm/internal/config"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/profile"
	"github.com/asheshgoplani/agentterm/internal/statedb"
)

const Version = "0.1.0"

// EnvDebug mirrors log records to stderr when set.
const EnvDebug = "AGENTTERM_DEBUG"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
func initColorProfile() {
	// AGENTTERM_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("AGENTTERM_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Let termenv inspect the output, but never drop below ANSI256 on a tty.
	p := termenv.NewOutput(os.Stdout).Profile
	if p == termenv.Ascii || p == termenv.ANSI {
		lipgloss.SetColorProfile(p)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agentterm v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = handleServe(args[1:])
	case "run":
		err = handleRun(args[1:])
	case "sessions", "session":
		err = handleSessions(args[1:])
	case "profiles", "profile":
		err = handleProfiles(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("agentterm v%s\n", Version)
	fmt.Println("Terminal sessions for an AI coding assistant.")
	fmt.Println()
	fmt.Println("Usage: agentterm <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Run the session core with the web bridge")
	fmt.Println("  run [dir]          Open a session in this terminal and start the assistant")
	fmt.Println("  sessions <cmd>     Inspect saved sessions (list, dates, clear, find)")
	fmt.Println("  profiles <cmd>     Manage assistant profiles (list, add, token, use, auto-switch, remove)")
	fmt.Println("  version            Show version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-18s Data directory (default ~/%s)\n", config.EnvHome, config.DataDirName)
	fmt.Printf("  %-18s Mirror logs to stderr\n", EnvDebug)
	fmt.Printf("  %-18s Profile used when none is given\n", profile.EnvProfile)
	fmt.Println("  AGENTTERM_COLOR    truecolor, 256, 16 or none")
}

// app holds what every command needs: the data dir and its config.
type app struct {
	dataDir string
	cfgPath string
	cfg     *config.Config
}

func loadApp() (*app, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := config.Path(dir)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	return &app{dataDir: dir, cfgPath: path, cfg: cfg}, nil
}

// initLogging installs the file logger. stderr mirroring is only allowed
// when the terminal is not in use by a session.
func (a *app) initLogging(allowStderr bool) {
	debug := allowStderr && os.Getenv(EnvDebug) != ""
	logging.Init(a.cfg.Logs.LoggingConfig(a.dataDir, debug))
}

// openProfiles opens the profile database. The caller closes the StateDB.
func (a *app) openProfiles() (*profile.Store, *statedb.StateDB, error) {
	db, err := statedb.Open(filepath.Join(a.dataDir, statedb.FileName))
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return profile.NewStore(db), db, nil
}

// watchCrashDumps writes the log ring buffer to the data dir on SIGUSR1.
func (a *app) watchCrashDumps() func() {
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(a.dataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.Logger().Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				logging.Logger().Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()
	return func() {
		signal.Stop(usr1Chan)
		close(usr1Chan)
	}
}
