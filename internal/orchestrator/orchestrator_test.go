package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentterm/internal/config"
	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/profile"
	"github.com/asheshgoplani/agentterm/internal/profile/profiletest"
	"github.com/asheshgoplani/agentterm/internal/ptyproc"
	"github.com/asheshgoplani/agentterm/internal/ptyproc/ptytest"
	"github.com/asheshgoplani/agentterm/internal/session"
	"github.com/asheshgoplani/agentterm/internal/store"
)

const (
	loginToken = "sk-ant-REDACTED"
	sessionID  = "0f8fad5b-d9cb-469f-a165-70867728950e"
	goodbye    = "Goodbye!\nuser@host:~$ "
)

type fixture struct {
	orch     *Orchestrator
	st       *store.Store
	storeDir string
	spawner  *ptytest.Spawner
	profiles *profiletest.Memory
	rec      *observer.Recorder
	project  string
}

func lookIn(paths ...string) func(string) (string, error) {
	return func(p string) (string, error) {
		for _, want := range paths {
			if p == want {
				return p, nil
			}
		}
		return "", errors.New("not found")
	}
}

func newFixture(t *testing.T, mutate ...func(*Options, *store.Store)) *fixture {
	t.Helper()
	f := &fixture{
		storeDir: t.TempDir(),
		spawner:  &ptytest.Spawner{},
		profiles: &profiletest.Memory{},
		rec:      &observer.Recorder{},
		project:  t.TempDir(),
	}
	st, err := store.Open(f.storeDir)
	require.NoError(t, err)
	f.st = st

	mgr := ptyproc.NewManager(ptyproc.Options{
		Spawner:  f.spawner,
		GOOS:     "linux",
		Exists:   func(p string) bool { return p == "/bin/bash" },
		ExitWait: 500 * time.Millisecond,
		BaseEnv:  []string{"PATH=/bin"},
	})

	cfg := config.Default()
	cfg.Assistant.Executable = "/opt/claude"

	var n atomic.Int32
	opts := Options{
		Store:    st,
		Manager:  mgr,
		Profiles: f.profiles,
		Observer: f.rec,
		Config:   cfg,
		Invoke: invoke.Options{
			Builder:       invoke.Builder{Dir: t.TempDir()},
			LookPath:      lookIn("/opt/claude", "/opt/other"),
			BasePath:      "/bin",
			Home:          "/nonexistent",
			SwitchTimeout: 200 * time.Millisecond,
			PollInterval:  5 * time.Millisecond,
			InterruptWait: time.Millisecond,
		},
		NewID:          func() string { return fmt.Sprintf("s%d", n.Add(1)) },
		DetectWorktree: func(string) *session.WorktreeConfig { return nil },
	}
	for _, m := range mutate {
		m(&opts, st)
	}

	f.orch, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.orch.Shutdown(context.Background()) })
	return f
}

func (f *fixture) create(t *testing.T, req CreateRequest) (*session.Session, *ptytest.Process) {
	t.Helper()
	if req.ProjectPath == "" {
		req.ProjectPath = f.project
	}
	sess, err := f.orch.Create(req)
	require.NoError(t, err)
	return sess, f.spawner.Last()
}

func (f *fixture) stored(t *testing.T, id string) *session.Session {
	t.Helper()
	for _, s := range f.st.GetSessions(f.project) {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *fixture) handle(t *testing.T, id string) *ptyproc.Handle {
	t.Helper()
	h, ok := f.orch.Handle(id)
	require.True(t, ok, "no live handle for %s", id)
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCreatePersistsSession(t *testing.T) {
	f := newFixture(t)
	sess, proc := f.create(t, CreateRequest{Title: "dev", Cols: 120, Rows: 40})

	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, f.project, sess.WorkingDirectory)
	assert.Equal(t, f.project, proc.Opts.Dir)
	assert.Equal(t, uint16(120), proc.Opts.Cols)

	got := f.stored(t, "s1")
	require.NotNil(t, got)
	assert.Equal(t, "dev", got.Title)
	assert.False(t, got.IsAssistantMode)
}

func TestCreateRecordsDetectedWorktree(t *testing.T) {
	var asked string
	f := newFixture(t, func(o *Options, _ *store.Store) {
		o.DetectWorktree = func(dir string) *session.WorktreeConfig {
			asked = dir
			return &session.WorktreeConfig{Path: dir, Branch: "feature", RepoRoot: "/repo"}
		}
	})
	sess, _ := f.create(t, CreateRequest{})
	assert.Equal(t, f.project, asked)
	require.NotNil(t, sess.WorktreeConfig)
	assert.Equal(t, "feature", sess.WorktreeConfig.Branch)

	got := f.stored(t, "s1")
	require.NotNil(t, got)
	require.NotNil(t, got.WorktreeConfig)
	assert.Equal(t, "/repo", got.WorktreeConfig.RepoRoot)
}

func TestCreateDefaultsAndDuplicates(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.create(t, CreateRequest{ID: "fixed"})
	assert.NotEmpty(t, sess.Title)

	_, err := f.orch.Create(CreateRequest{ID: "fixed", ProjectPath: f.project})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = f.orch.Create(CreateRequest{})
	assert.Error(t, err)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.orch.Write("nope", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, f.orch.Resize("nope", 1, 1), ErrSessionNotFound)
	assert.ErrorIs(t, f.orch.SetTitle("nope", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, f.orch.InvokeAssistant(context.Background(), "nope", invoke.InvokeOptions{}), ErrSessionNotFound)
	_, err := f.orch.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWriteAndResize(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	require.NoError(t, f.orch.Write("s1", "ls\r"))
	require.NoError(t, f.orch.Resize("s1", 100, 30))
	assert.Equal(t, []string{"ls\r"}, proc.Writes())
	assert.Equal(t, [][2]uint16{{100, 30}}, proc.Sizes())
}

func TestOutputReachesObservers(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	extra := &observer.Recorder{}
	f.orch.Subscribe(extra)
	proc.Emit("hello")
	f.orch.Unsubscribe(extra)
	proc.Emit("again")

	assert.Equal(t, []any{
		observer.Output{ID: "s1", Data: []byte("hello")},
		observer.Output{ID: "s1", Data: []byte("again")},
	}, f.rec.OfKind(observer.KindOutput))
	assert.Len(t, extra.OfKind(observer.KindOutput), 1)

	got, err := f.orch.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "helloagain", got.OutputBuffer)
}

func TestInvokeAssistant(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	err := f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{SkipPermissions: true})
	require.NoError(t, err)

	want := "cd '" + f.project + "' && PATH='/bin' '/opt/claude' " + invoke.FlagSkipPermissions + "\r"
	assert.Equal(t, []string{want}, proc.Writes())

	h := f.handle(t, "s1")
	assert.True(t, h.AssistantMode())
	assert.True(t, h.SkipPermissions())
	assert.True(t, f.stored(t, "s1").IsAssistantMode)
}

func TestInvokeFailureRevertsFlags(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateRequest{})
	h := f.handle(t, "s1")
	before := h.State()

	err := f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{ProfileID: "ghost", SkipPermissions: true})
	assert.ErrorIs(t, err, invoke.ErrProfileNotFound)
	assert.Equal(t, before, h.State())
	assert.False(t, f.stored(t, "s1").IsAssistantMode)
}

func TestBusyAndAssistantExit(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	require.NoError(t, f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{}))

	proc.Emit("⏺ Working on it\n")
	proc.Emit("⏺ Still working\n")
	proc.Emit(goodbye)

	assert.Equal(t, []any{
		observer.BusyChanged{ID: "s1", Busy: true},
		observer.BusyChanged{ID: "s1", Busy: false},
	}, f.rec.OfKind(observer.KindBusyChanged))
	assert.Equal(t, []any{observer.AssistantExited{ID: "s1"}}, f.rec.OfKind(observer.KindAssistantExited))
	assert.False(t, f.handle(t, "s1").AssistantMode())
	assert.False(t, f.stored(t, "s1").IsAssistantMode)
}

func TestShellPromptIgnoredOutsideAssistantMode(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	proc.Emit(goodbye)
	assert.Empty(t, f.rec.OfKind(observer.KindAssistantExited))
}

func TestAssistantSessionIDCaptured(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	proc.Emit("$ grep -r session logs/\nSession ID: " + sessionID + "\n")
	assert.Empty(t, f.stored(t, "s1").AssistantSessionID, "shell output is not the assistant's")

	require.NoError(t, f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{}))
	proc.Emit("Session ID: " + sessionID + "\n")
	assert.Equal(t, sessionID, f.stored(t, "s1").AssistantSessionID)

	got, err := f.orch.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, sessionID, got.AssistantSessionID)
}

func TestRateLimitNotifies(t *testing.T) {
	f := newFixture(t)
	f.profiles.Add(profile.Profile{ID: "a", Name: "A"}, "").Add(profile.Profile{ID: "b", Name: "B"}, "")
	_, proc := f.create(t, CreateRequest{})
	require.NoError(t, f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{ProfileID: "a"}))

	proc.Emit("Claude usage limit reached. Your limit will reset at 3pm.\n")
	proc.Emit("Claude usage limit reached. Your limit will reset at 3pm.\n")

	events := f.rec.OfKind(observer.KindRateLimitDetected)
	require.Len(t, events, 1)
	ev := events[0].(observer.RateLimitDetected)
	assert.Equal(t, "a", ev.ProfileID)
	assert.Equal(t, "b", ev.SuggestedProfileID)
	assert.False(t, ev.AutoSwitch)
	assert.Equal(t, [][2]string{{"a", "3pm"}}, f.profiles.RateLimitEvents())
}

func TestRateLimitAutoSwitch(t *testing.T) {
	f := newFixture(t)
	f.profiles.Add(profile.Profile{ID: "a", Name: "A"}, "").Add(profile.Profile{ID: "b", Name: "B"}, "")
	f.profiles.SetAutoSwitch(true)
	f.profiles.SetBest("b")

	_, proc := f.create(t, CreateRequest{})
	proc.OnWrite = func(p *ptytest.Process, data string) {
		if data == "/exit\r" {
			go p.Emit(goodbye)
		}
	}
	require.NoError(t, f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{ProfileID: "a"}))

	proc.Emit("5-hour limit reached ∙ resets 3pm\n")

	h := f.handle(t, "s1")
	require.Eventually(t, func() bool {
		return f.profiles.Active() == "b" && h.ProfileID() == "b"
	}, 2*time.Second, 5*time.Millisecond)

	writes := proc.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, "\x03", writes[1])
	assert.Equal(t, "/exit\r", writes[2])
	assert.True(t, strings.HasSuffix(writes[3], invoke.FlagContinue+"\r"), writes[3])
	assert.True(t, h.AssistantMode())
}

func TestRateLimitIgnoredInPlainShell(t *testing.T) {
	f := newFixture(t)
	f.profiles.Add(profile.Profile{ID: "a", Name: "A", IsDefault: true}, "").Add(profile.Profile{ID: "b", Name: "B"}, "")
	f.profiles.SetAutoSwitch(true)
	f.profiles.SetBest("b")
	_, proc := f.create(t, CreateRequest{})

	proc.Emit("$ cat notes.txt\nusage limit reached, resets 3pm\n")
	proc.Emit("5-hour limit reached ∙ resets 3pm\n")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, proc.Writes())
	assert.Empty(t, f.rec.OfKind(observer.KindRateLimitDetected))
	assert.Empty(t, f.profiles.RateLimitEvents())
	assert.NotEqual(t, "b", f.profiles.Active())
	assert.False(t, f.handle(t, "s1").AssistantMode())
}

func TestSwitchProfileUnknownTarget(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	err := f.orch.SwitchProfile(context.Background(), "s1", "ghost")
	assert.ErrorIs(t, err, invoke.ErrProfileNotFound)
	assert.Empty(t, proc.Writes())
}

func TestLoginSessionCapturesToken(t *testing.T) {
	f := newFixture(t)
	f.profiles.Add(profile.Profile{ID: "work", Name: "Work"}, "")
	_, proc := f.create(t, CreateRequest{ID: invoke.LoginSessionID("work")})

	proc.Emit("Your OAuth token: " + loginToken + "\nLogged in as dev@example.com\n")

	assert.Equal(t, loginToken, f.profiles.Token("work"))
	events := f.rec.OfKind(observer.KindTokenDetected)
	require.Len(t, events, 1)
	ev := events[0].(observer.TokenDetected)
	assert.True(t, ev.Success)
	assert.Equal(t, "work", ev.ProfileID)
	assert.Equal(t, "dev@example.com", ev.Email)
}

func TestAuthURLAndOnboardingReportedOnce(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	url := "https://claude.ai/oauth/authorize?code=true&client_id=abc&state=xyz"

	proc.Emit("Open this link:\n" + url + "\n")
	proc.Emit(url + "\n")
	proc.Emit("Login successful. Press Enter to continue\n")
	proc.Emit("Login successful. Press Enter to continue\n")

	assert.Equal(t, []any{observer.AuthURLDetected{ID: "s1", URL: url}}, f.rec.OfKind(observer.KindAuthURLDetected))
	assert.Len(t, f.rec.OfKind(observer.KindOnboardingComplete), 1)
}

func TestProcessExitKeepsRecord(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	proc.Emit("bye")
	proc.Exit(3)

	assert.Equal(t, []any{observer.Exit{ID: "s1", Code: 3}}, f.rec.OfKind(observer.KindExit))
	_, err := f.orch.Get("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got := f.stored(t, "s1")
	require.NotNil(t, got)
	assert.Equal(t, "bye", got.OutputBuffer)
}

func TestDestroyRemovesRecord(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	require.NoError(t, f.orch.Destroy(context.Background(), "s1"))
	assert.Equal(t, 1, proc.Kills())
	assert.Nil(t, f.stored(t, "s1"))
	assert.True(t, f.st.IsPendingDelete("s1"))
	assert.Empty(t, f.orch.List(""))

	// A late save for the destroyed id must not resurrect it.
	f.st.SaveSession(&session.Session{ID: "s1", ProjectPath: f.project})
	assert.Nil(t, f.stored(t, "s1"))
}

func TestSetTitleAndWorktree(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateRequest{})

	require.NoError(t, f.orch.SetTitle("s1", "api"))
	wt := &session.WorktreeConfig{Path: f.project, Branch: "feature"}
	require.NoError(t, f.orch.SetWorktree("s1", wt))
	wt.Branch = "mutated"

	got := f.stored(t, "s1")
	assert.Equal(t, "api", got.Title)
	require.NotNil(t, got.WorktreeConfig)
	assert.Equal(t, "feature", got.WorktreeConfig.Branch)
	assert.Equal(t, []any{observer.TitleChanged{ID: "s1", Title: "api"}}, f.rec.OfKind(observer.KindTitleChanged))
}

func TestSetDisplayOrder(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateRequest{})
	f.create(t, CreateRequest{})

	n := f.orch.SetDisplayOrder(f.project, map[string]int{"s1": 1, "s2": 0})
	assert.Equal(t, 2, n)

	list := f.orch.List(f.project)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, "s1", list[1].ID)
}

func seedAssistantSession(st *store.Store, project string) {
	st.SaveSession(&session.Session{
		ID:               "old",
		Title:            "old",
		ProjectPath:      project,
		WorkingDirectory: project,
		IsAssistantMode:  true,
		OutputBuffer:     "previous output\r\n",
	})
}

func TestRestoreProject(t *testing.T) {
	f := newFixture(t)
	seedAssistantSession(f.st, f.project)

	list, err := f.orch.RestoreProject(context.Background(), f.project)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsAssistantMode)

	h := f.handle(t, "old")
	assert.Equal(t, "previous output\r\n", h.Output.String())
	assert.True(t, h.PendingResume())
	assert.False(t, h.AssistantMode())

	proc := f.spawner.Last()
	proc.Emit("$ ")
	proc.Emit("$ ")
	assert.Equal(t, []any{observer.PendingResumeReady{ID: "old"}}, f.rec.OfKind(observer.KindPendingResumeReady))

	require.NoError(t, f.orch.ResumeAssistant(context.Background(), "old"))
	assert.False(t, h.PendingResume())
	assert.True(t, h.AssistantMode())
	require.Len(t, proc.Writes(), 1)
	assert.Contains(t, proc.Writes()[0], invoke.FlagContinue)
}

func TestRestoreProjectSpawnsOnce(t *testing.T) {
	f := newFixture(t)
	seedAssistantSession(f.st, f.project)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.RestoreProject(context.Background(), f.project)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := f.orch.RestoreProject(context.Background(), f.project)
	require.NoError(t, err)
	assert.Len(t, f.spawner.Procs(), 1)
}

func TestRestoreReportsSpawnFailure(t *testing.T) {
	f := newFixture(t)
	seedAssistantSession(f.st, f.project)
	f.spawner.Err = errors.New("no pty")

	list, err := f.orch.RestoreProject(context.Background(), f.project)
	assert.Error(t, err)
	assert.Empty(t, list)
}

func TestAutoResume(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *store.Store) { o.AutoResume = true })
	seedAssistantSession(f.st, f.project)

	_, err := f.orch.RestoreProject(context.Background(), f.project)
	require.NoError(t, err)
	proc := f.spawner.Last()
	proc.Emit("$ ")

	require.Eventually(t, func() bool {
		return strings.Contains(proc.Written(), invoke.FlagContinue)
	}, time.Second, 5*time.Millisecond)
}

func TestPeriodicSaveSnapshotsOutput(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *store.Store) { o.SaveInterval = 10 * time.Millisecond })
	_, proc := f.create(t, CreateRequest{})
	proc.Emit("streamed")

	require.Eventually(t, func() bool {
		s := f.stored(t, "s1")
		return s != nil && s.OutputBuffer == "streamed"
	}, time.Second, 5*time.Millisecond)
}

func TestApplyConfigChangesExecutable(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})

	cfg := config.Default()
	cfg.Assistant.Executable = "/opt/other"
	f.orch.ApplyConfig(cfg)
	assert.Same(t, cfg, f.orch.Config())

	require.NoError(t, f.orch.InvokeAssistant(context.Background(), "s1", invoke.InvokeOptions{}))
	assert.Contains(t, proc.Written(), "'/opt/other'")
}

func TestShutdownPersistsAndKills(t *testing.T) {
	f := newFixture(t)
	_, proc := f.create(t, CreateRequest{})
	proc.Emit("last words")

	require.NoError(t, f.orch.Shutdown(context.Background()))
	require.NoError(t, f.orch.Shutdown(context.Background()))
	assert.Equal(t, 1, proc.Kills())

	_, err := f.orch.Create(CreateRequest{ProjectPath: f.project})
	assert.ErrorIs(t, err, ErrShutdown)

	reopened, err := store.Open(f.storeDir)
	require.NoError(t, err)
	list := reopened.GetSessions(f.project)
	require.Len(t, list, 1)
	assert.Equal(t, "last words", list[0].OutputBuffer)
}
