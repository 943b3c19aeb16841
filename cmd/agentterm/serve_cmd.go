package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/agentterm/internal/config"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/orchestrator"
	"github.com/asheshgoplani/agentterm/internal/platform"
	"github.com/asheshgoplani/agentterm/internal/ptyproc"
	"github.com/asheshgoplani/agentterm/internal/store"
	"github.com/asheshgoplani/agentterm/internal/web"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listen     string
	token      string
	readOnly   bool
	autoResume bool
	projects   []string
}

type stringList []string

func (l *stringList) String() string     { return fmt.Sprint(*l) }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func parseServeFlags(args []string, cfg *config.Config) (*serveOptions, bool, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	opts := &serveOptions{}
	var projects stringList
	fs.StringVar(&opts.listen, "listen", cfg.Web.GetListen(), "Listen address for the web bridge")
	fs.StringVar(&opts.token, "token", os.Getenv("AGENTTERM_TOKEN"), "Bearer token for API/WS access")
	fs.BoolVar(&opts.readOnly, "read-only", false, "Reject input and mutations")
	fs.BoolVar(&opts.autoResume, "auto-resume", false, "Resume restored assistant sessions automatically")
	fs.Var(&projects, "project", "Restore this project's saved sessions at startup (repeatable)")

	fs.Usage = func() {
		fmt.Println("Usage: agentterm serve [options]")
		fmt.Println()
		fmt.Println("Run the session core and expose it over HTTP and websockets.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  agentterm serve")
		fmt.Println("  agentterm serve --listen 127.0.0.1:9000 --project ~/src/api")
		fmt.Println("  agentterm serve --read-only --token s3cret")
	}

	ok, err := parseFlags(fs, args)
	if !ok {
		return nil, false, err
	}
	if fs.NArg() > 0 {
		return nil, false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	opts.projects = projects
	return opts, true, nil
}

// newOrchestrator wires the session core on the real pty and data dir.
func (a *app) newOrchestrator(autoResume bool) (*orchestrator.Orchestrator, func(), error) {
	st, err := store.Open(a.dataDir)
	if err != nil {
		return nil, nil, err
	}
	profiles, db, err := a.openProfiles()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	p := platform.Detect()
	mgr := ptyproc.NewManager(ptyproc.Options{
		Spawner:  ptyproc.PTYSpawner{},
		ExitWait: platform.ExitWaitTimeout(p),
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Store:      st,
		Manager:    mgr,
		Profiles:   profiles,
		Config:     a.cfg,
		AutoResume: autoResume,
	})
	if err != nil {
		st.Close()
		db.Close()
		return nil, nil, err
	}
	return orch, func() { db.Close() }, nil
}

func handleServe(args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	opts, ok, err := parseServeFlags(args, a.cfg)
	if !ok {
		return err
	}

	a.initLogging(true)
	defer logging.Shutdown()
	stopDumps := a.watchCrashDumps()
	defer stopDumps()
	log := logging.ForComponent(logging.CompOrchestrator)
	log.Info("serve_starting",
		slog.String("version", Version),
		slog.String("platform", platform.Detect().String()),
		slog.String("data_dir", a.dataDir))

	if warn := platform.CheckFsnotifySupport(a.dataDir); warn != "" {
		fmt.Fprintln(os.Stderr, warnStyle.Render("Warning: "+warn))
	}

	orch, closeProfiles, err := a.newOrchestrator(opts.autoResume)
	if err != nil {
		return err
	}
	defer closeProfiles()

	if watcher, werr := config.NewWatcher(a.cfgPath, 0, orch.ApplyConfig); werr != nil {
		log.Warn("config_watch_unavailable", slog.String("error", werr.Error()))
	} else {
		defer watcher.Stop()
		if werr := watcher.Start(); werr != nil {
			log.Warn("config_watch_unavailable", slog.String("error", werr.Error()))
		}
	}

	server := web.NewServer(web.Config{
		ListenAddr: opts.listen,
		Token:      opts.token,
		ReadOnly:   opts.readOnly,
		InputRate:  a.cfg.Web.GetInputRate(),
		InputBurst: a.cfg.Web.GetInputBurst(),
		Version:    Version,
	}, orch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, project := range opts.projects {
		list, rerr := orch.RestoreProject(ctx, project)
		if rerr != nil {
			fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("Restore %s: %v", project, rerr)))
		}
		fmt.Printf("Restored %d session(s) for %s\n", len(list), project)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()
	fmt.Println(okStyle.Render("agentterm listening on http://" + server.Addr()))

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("web_shutdown_failed", slog.String("error", serr.Error()))
	}
	if oerr := orch.Shutdown(shutdownCtx); oerr != nil && err == nil {
		err = oerr
	}
	return err
}
