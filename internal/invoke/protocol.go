package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/agentterm/internal/classifier"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/profile"
	"github.com/asheshgoplani/agentterm/internal/ptyproc"
)

var invokeLog = logging.ForComponent(logging.CompInvoke)

const (
	// LoginSessionPrefix marks sessions opened to log a profile in. The
	// remainder of the id is the profile id.
	LoginSessionPrefix = "profile-login-"

	FlagContinue        = "--continue"
	FlagSkipPermissions = "--dangerously-skip-permissions"

	interruptKey = "\x03"
	exitCommand  = "/exit\r"

	DefaultSwitchTimeout = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultInterruptWait = 300 * time.Millisecond

	// promptTail is how much recent output is scanned for a shell prompt.
	promptTail = 2000
)

// Terminal writes to a session process. *ptyproc.Manager satisfies it.
type Terminal interface {
	Write(h *ptyproc.Handle, data string)
}

// SwitchFunc switches a session to another profile. Supplied by the owner
// of the session registry for rate-limit auto-switching.
type SwitchFunc func(ctx context.Context, sessionID, profileID string) error

// Settings are the user-configurable parts of an invocation.
type Settings struct {
	Executable string
	// ExtraPath dirs are searched for the executable and prepended to PATH.
	ExtraPath  []string
	ExtraFlags []string
}

// Options configures a Protocol.
type Options struct {
	Terminal   Terminal
	Profiles   profile.Provider
	Observer   observer.Observer
	Classifier *classifier.Classifier
	Builder    Builder
	Settings   Settings
	AutoSwitch SwitchFunc

	LookPath func(string) (string, error)
	// BasePath is the PATH the invocation extends. Defaults to $PATH.
	BasePath string
	Home     string

	SwitchTimeout time.Duration
	PollInterval  time.Duration
	InterruptWait time.Duration
}

// InvokeOptions are the per-call invocation parameters.
type InvokeOptions struct {
	// ProfileID selects the profile. Empty means the active profile, or
	// ambient credentials when there is none.
	ProfileID       string
	Resume          bool
	SkipPermissions bool
	Cwd             string
	ExtraFlags      []string
}

// Args returns the assistant flags for o, after any configured ones.
func (o InvokeOptions) Args(configured []string) []string {
	args := append([]string(nil), configured...)
	args = append(args, o.ExtraFlags...)
	if o.Resume {
		args = append(args, FlagContinue)
	}
	if o.SkipPermissions {
		args = append(args, FlagSkipPermissions)
	}
	return args
}

// Protocol sends invocation commands and runs the switch, rate-limit and
// token-capture flows. Per-session de-duplication state lives here.
type Protocol struct {
	opts Options

	mu         sync.Mutex
	settings   Settings
	autoSwitch SwitchFunc
	lastReset  map[string]string
	lastToken  map[string]string
}

// New returns a Protocol. Terminal and Profiles are required.
func New(opts Options) *Protocol {
	if opts.Observer == nil {
		opts.Observer = observer.Nop{}
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.New()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.BasePath == "" {
		opts.BasePath = os.Getenv("PATH")
	}
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = DefaultSwitchTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.InterruptWait <= 0 {
		opts.InterruptWait = DefaultInterruptWait
	}
	return &Protocol{
		opts:       opts,
		settings:   opts.Settings,
		autoSwitch: opts.AutoSwitch,
		lastReset:  map[string]string{},
		lastToken:  map[string]string{},
	}
}

// SetSettings replaces the invocation settings for later calls.
func (p *Protocol) SetSettings(s Settings) {
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
}

// SetAutoSwitch installs the function used for rate-limit auto-switching.
func (p *Protocol) SetAutoSwitch(fn SwitchFunc) {
	p.mu.Lock()
	p.autoSwitch = fn
	p.mu.Unlock()
}

func (p *Protocol) currentSettings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// resolveProfile returns the profile to invoke with; nil means ambient
// credentials.
func (p *Protocol) resolveProfile(id string) (*profile.Profile, error) {
	if id != "" {
		prof, err := p.opts.Profiles.GetProfile(id)
		if errors.Is(err, profile.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
		}
		return prof, err
	}
	prof, err := p.opts.Profiles.GetActiveProfile()
	if errors.Is(err, profile.ErrNotFound) {
		return nil, nil
	}
	return prof, err
}

// Invoke writes the assistant launch command into h and returns the id of
// the profile it used ("" for ambient credentials).
func (p *Protocol) Invoke(ctx context.Context, h *ptyproc.Handle, o InvokeOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h.Exited() {
		return "", ErrSessionExited
	}

	prof, err := p.resolveProfile(o.ProfileID)
	if err != nil {
		return "", err
	}
	var token string
	if prof != nil && prof.HasToken {
		if token, err = p.opts.Profiles.GetProfileToken(prof.ID); err != nil {
			return "", fmt.Errorf("invoke: load token for %q: %w", prof.ID, err)
		}
	}
	method := SelectMethod(prof, token)

	settings := p.currentSettings()
	exe, err := ResolveExecutable(settings.Executable,
		append(append([]string(nil), settings.ExtraPath...), DefaultSearchDirs(p.opts.Home)...),
		p.opts.LookPath)
	if err != nil {
		return "", err
	}

	cmd, err := p.opts.Builder.Build(h.Dialect, method, Request{
		Cwd:        o.Cwd,
		PathEnv:    BuildPath(settings.ExtraPath, p.opts.BasePath),
		Executable: exe,
		Flags:      o.Args(settings.ExtraFlags),
	})
	if err != nil {
		return "", err
	}
	p.opts.Terminal.Write(h, cmd.Line)

	var profileID string
	if prof != nil {
		profileID = prof.ID
		if err := p.opts.Profiles.MarkProfileUsed(profileID); err != nil {
			invokeLog.Warn("mark_profile_used_failed",
				slog.String("profile_id", profileID), slog.String("error", err.Error()))
		}
	}
	invokeLog.Info("assistant_invoked",
		slog.String("session_id", h.ID),
		slog.String("profile_id", profileID),
		slog.String("method", MethodName(method)),
		slog.Bool("resume", o.Resume),
		slog.Bool("skip_permissions", o.SkipPermissions))
	return profileID, nil
}

// SwitchProfile stops the assistant running in h, waits for the shell to
// come back, then runs invoke and records newProfileID as active. A wait
// that times out is logged and the switch proceeds anyway.
func (p *Protocol) SwitchProfile(ctx context.Context, h *ptyproc.Handle, newProfileID string, invoke func(context.Context) error) error {
	if _, err := p.opts.Profiles.GetProfile(newProfileID); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, newProfileID)
		}
		return err
	}

	if h.AssistantMode() {
		p.opts.Terminal.Write(h, interruptKey)
		if err := sleepCtx(ctx, p.opts.InterruptWait); err != nil {
			return err
		}
		p.opts.Terminal.Write(h, exitCommand)
		if err := p.waitForShell(ctx, h); err != nil {
			return err
		}
	}

	p.ClearRateLimit(h.ID)

	if err := invoke(ctx); err != nil {
		return err
	}
	if err := p.opts.Profiles.SetActiveProfile(newProfileID); err != nil {
		invokeLog.Warn("set_active_profile_failed",
			slog.String("profile_id", newProfileID), slog.String("error", err.Error()))
	}
	invokeLog.Info("profile_switched", slog.String("session_id", h.ID), slog.String("profile_id", newProfileID))
	return nil
}

func (p *Protocol) waitForShell(ctx context.Context, h *ptyproc.Handle) error {
	deadline := time.NewTimer(p.opts.SwitchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.opts.PollInterval)
	defer tick.Stop()

	for {
		if !h.AssistantMode() || p.opts.Classifier.HasShellPrompt(h.Output.Tail(promptTail)) {
			return nil
		}
		if h.Exited() {
			return ErrSessionExited
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			invokeLog.Warn("switch_exit_timeout",
				slog.String("session_id", h.ID), slog.Duration("waited", p.opts.SwitchTimeout))
			return nil
		case <-tick.C:
		}
	}
}

// HandleRateLimit reacts to a reset-time phrase seen in h's output. Repeats
// of the last notified phrase for the session are ignored.
func (p *Protocol) HandleRateLimit(ctx context.Context, h *ptyproc.Handle, resetTime string) {
	p.mu.Lock()
	if p.lastReset[h.ID] == resetTime {
		p.mu.Unlock()
		return
	}
	p.lastReset[h.ID] = resetTime
	switchFn := p.autoSwitch
	p.mu.Unlock()

	profileID := h.ProfileID()
	if profileID == "" {
		if active, err := p.opts.Profiles.GetActiveProfile(); err == nil && active != nil {
			profileID = active.ID
		}
	}
	if profileID != "" {
		if err := p.opts.Profiles.RecordRateLimitEvent(profileID, resetTime); err != nil {
			invokeLog.Warn("rate_limit_record_failed",
				slog.String("profile_id", profileID), slog.String("error", err.Error()))
		}
	}

	var suggested string
	if best, err := p.opts.Profiles.GetBestAvailableProfile(profileID); err == nil && best != nil {
		suggested = best.ID
	}
	settings, err := p.opts.Profiles.GetAutoSwitchSettings()
	if err != nil {
		invokeLog.Warn("auto_switch_settings_failed", slog.String("error", err.Error()))
	}
	auto := settings.Enabled && suggested != "" && switchFn != nil

	invokeLog.Info("rate_limit_detected",
		slog.String("session_id", h.ID),
		slog.String("profile_id", profileID),
		slog.String("reset_time", resetTime),
		slog.String("suggested_profile_id", suggested),
		slog.Bool("auto_switch", auto))
	p.opts.Observer.OnRateLimitDetected(observer.RateLimitDetected{
		ID:                 h.ID,
		ProfileID:          profileID,
		ResetTime:          resetTime,
		SuggestedProfileID: suggested,
		AutoSwitch:         auto,
	})

	if auto {
		go func() {
			if err := switchFn(ctx, h.ID, suggested); err != nil {
				invokeLog.Warn("auto_switch_failed",
					slog.String("session_id", h.ID),
					slog.String("profile_id", suggested),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// HandleToken stores a bearer token seen in h's output. The target profile
// comes from a login session id, else the active profile.
func (p *Protocol) HandleToken(h *ptyproc.Handle, token, email string) {
	p.mu.Lock()
	seen := p.lastToken[h.ID] == token
	p.mu.Unlock()
	if seen {
		return
	}

	target := LoginProfileID(h.ID)
	if target == "" {
		if active, err := p.opts.Profiles.GetActiveProfile(); err == nil && active != nil {
			target = active.ID
		}
	}

	ev := observer.TokenDetected{ID: h.ID, ProfileID: target, Email: email}
	switch {
	case target == "":
		ev.Error = "no target profile for token"
	default:
		if err := p.opts.Profiles.SetProfileToken(target, token, email); err != nil {
			ev.Error = err.Error()
		} else {
			ev.Success = true
		}
	}

	if ev.Success {
		// Only a stored token is deduplicated; a failed store retries on the next sighting.
		p.mu.Lock()
		p.lastToken[h.ID] = token
		p.mu.Unlock()
		invokeLog.Info("token_captured", slog.String("session_id", h.ID), slog.String("profile_id", target))
	} else {
		invokeLog.Warn("token_capture_failed",
			slog.String("session_id", h.ID), slog.String("profile_id", target), slog.String("error", ev.Error))
	}
	p.opts.Observer.OnTokenDetected(ev)
}

// LoginProfileID returns the profile id embedded in a login session id.
func LoginProfileID(sessionID string) string {
	id, ok := strings.CutPrefix(sessionID, LoginSessionPrefix)
	if !ok {
		return ""
	}
	return id
}

// LoginSessionID is the session id used to log profileID in.
func LoginSessionID(profileID string) string {
	return LoginSessionPrefix + profileID
}

// ClearRateLimit forgets the last notified reset phrase for id.
func (p *Protocol) ClearRateLimit(id string) {
	p.mu.Lock()
	delete(p.lastReset, id)
	p.mu.Unlock()
}

// LastRateLimit returns the last reset phrase notified for id.
func (p *Protocol) LastRateLimit(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReset[id]
}

// Forget drops all per-session state for id.
func (p *Protocol) Forget(id string) {
	p.mu.Lock()
	delete(p.lastReset, id)
	delete(p.lastToken, id)
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
