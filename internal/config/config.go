// Package config loads the user configuration from <data dir>/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agentterm/internal/classifier"
	"github.com/asheshgoplani/agentterm/internal/logging"
)

const (
	// FileName is the config file inside the data directory.
	FileName = "config.toml"
	// EnvHome overrides the data directory.
	EnvHome = "AGENTTERM_HOME"
	// DataDirName is the data directory under $HOME.
	DataDirName = ".agentterm"

	DefaultSaveInterval = 30 * time.Second
	DefaultExitWait     = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultListen       = "127.0.0.1:8420"
	DefaultInputRate    = 200.0
	DefaultInputBurst   = 400
	DefaultExecutable   = "claude"
)

// Config is the user configuration. Zero values mean "use the default";
// read them through the Get* accessors.
type Config struct {
	Shell      ShellSettings      `toml:"shell"`
	Assistant  AssistantSettings  `toml:"assistant"`
	Store      StoreSettings      `toml:"store"`
	Switch     SwitchSettings     `toml:"switch"`
	Logs       LogSettings        `toml:"logs"`
	Web        WebSettings        `toml:"web"`
	Classifier ClassifierSettings `toml:"classifier"`
}

// ShellSettings picks the shell spawned for new sessions.
type ShellSettings struct {
	// Preferred is tried first, e.g. "/usr/local/bin/fish"
	Preferred string `toml:"preferred"`
	// Candidates are tried after Preferred and before the OS defaults
	Candidates []string `toml:"candidates"`
}

// AssistantSettings configures how the assistant CLI is launched.
type AssistantSettings struct {
	// Executable is a name or path; default "claude"
	Executable string `toml:"executable"`
	// ExtraPath dirs are searched for the executable and prepended to PATH
	ExtraPath []string `toml:"extra_path"`
	// ExtraFlags are appended to every invocation
	ExtraFlags []string `toml:"extra_flags"`
	// SkipPermissions is the default for new invocations
	SkipPermissions bool `toml:"skip_permissions"`
}

// StoreSettings controls session persistence.
type StoreSettings struct {
	// SaveIntervalSeconds between periodic snapshots (default: 30)
	SaveIntervalSeconds int `toml:"save_interval_seconds"`
}

// SwitchSettings tunes the profile-switch handshake.
type SwitchSettings struct {
	// ExitWaitSeconds bounds the wait for the shell prompt (default: 5)
	ExitWaitSeconds int `toml:"exit_wait_seconds"`
	// PollIntervalMS between prompt checks (default: 100)
	PollIntervalMS int `toml:"poll_interval_ms"`
}

// LogSettings maps onto logging.Config.
type LogSettings struct {
	DebugLevel         string `toml:"debug_level"`
	DebugFormat        string `toml:"debug_format"`
	DebugMaxMB         int    `toml:"debug_max_mb"`
	DebugBackups       int    `toml:"debug_backups"`
	DebugRetentionDays int    `toml:"debug_retention_days"`
	DebugCompress      bool   `toml:"debug_compress"`
	RingBufferMB       int    `toml:"ring_buffer_mb"`
	PprofEnabled       bool   `toml:"pprof_enabled"`
	AggregateIntervalS int    `toml:"aggregate_interval_secs"`
}

// WebSettings configures the websocket bridge.
type WebSettings struct {
	Listen string `toml:"listen"`
	// InputRate is keystroke messages per second per connection
	InputRate  float64 `toml:"input_rate"`
	InputBurst int     `toml:"input_burst"`
}

// ClassifierSettings adds output rules after the built-in ones.
type ClassifierSettings struct {
	Rules []RuleSetting `toml:"rules"`
}

// RuleSetting is one [[classifier.rules]] entry. Pattern is literal unless
// prefixed with "re:".
type RuleSetting struct {
	Name     string `toml:"name"`
	Category string `toml:"category"`
	Pattern  string `toml:"pattern"`
}

// Default returns an empty config; every accessor yields its default.
func Default() *Config {
	return &Config{}
}

// DataDir returns $AGENTTERM_HOME, else ~/.agentterm.
func DataDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DataDirName), nil
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads path. A missing file yields the defaults. On a parse error
// the defaults are returned together with the error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Default(), fmt.Errorf("config.toml parse error: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically: temp file, fsync, rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agentterm configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = syncFile(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// GetExecutable returns the configured assistant executable or "claude".
func (a AssistantSettings) GetExecutable() string {
	if a.Executable == "" {
		return DefaultExecutable
	}
	return a.Executable
}

// GetSaveInterval returns the periodic snapshot interval.
func (s StoreSettings) GetSaveInterval() time.Duration {
	if s.SaveIntervalSeconds <= 0 {
		return DefaultSaveInterval
	}
	return time.Duration(s.SaveIntervalSeconds) * time.Second
}

func (s SwitchSettings) GetExitWait() time.Duration {
	if s.ExitWaitSeconds <= 0 {
		return DefaultExitWait
	}
	return time.Duration(s.ExitWaitSeconds) * time.Second
}

func (s SwitchSettings) GetPollInterval() time.Duration {
	if s.PollIntervalMS <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

func (w WebSettings) GetListen() string {
	if w.Listen == "" {
		return DefaultListen
	}
	return w.Listen
}

func (w WebSettings) GetInputRate() float64 {
	if w.InputRate <= 0 {
		return DefaultInputRate
	}
	return w.InputRate
}

func (w WebSettings) GetInputBurst() int {
	if w.InputBurst <= 0 {
		return DefaultInputBurst
	}
	return w.InputBurst
}

// LoggingConfig converts the [logs] section for logging.Init.
func (l LogSettings) LoggingConfig(logDir string, debug bool) logging.Config {
	cfg := logging.Config{
		LogDir:                logDir,
		Level:                 l.DebugLevel,
		Format:                l.DebugFormat,
		MaxSizeMB:             l.DebugMaxMB,
		MaxBackups:            l.DebugBackups,
		MaxAgeDays:            l.DebugRetentionDays,
		Compress:              l.DebugCompress,
		RingBufferSize:        l.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: l.AggregateIntervalS,
		Debug:                 debug,
	}
	if l.PprofEnabled {
		cfg.PprofAddr = "localhost:6060"
	}
	return cfg
}

// CompileRules compiles the extra classifier rules. Invalid entries are
// skipped; the error describes them.
func (c ClassifierSettings) CompileRules() ([]classifier.Rule, error) {
	raw := make([]classifier.RawRule, 0, len(c.Rules))
	var errs []error
	for _, r := range c.Rules {
		cat, err := classifier.ParseCategory(r.Category)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		raw = append(raw, classifier.RawRule{Name: r.Name, Category: cat, Pattern: r.Pattern})
	}
	rules, err := classifier.CompileRules(raw)
	if err != nil {
		errs = append(errs, err)
	}
	return rules, errors.Join(errs...)
}
