package ptyproc

import (
	"os"
	"sort"
	"strings"

	"github.com/asheshgoplani/agentterm/internal/platform"
	"github.com/asheshgoplani/agentterm/internal/shell"
)

// ShellChoice is the executable picked for a session and its dialect.
type ShellChoice struct {
	Path    string
	Dialect shell.Dialect
}

// DefaultCandidates lists the shells tried per GOOS, in order.
func DefaultCandidates(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			os.Getenv("COMSPEC"),
			`C:\Windows\System32\cmd.exe`,
		}
	case "darwin":
		return []string{os.Getenv("SHELL"), "/bin/zsh", "/bin/bash", "/bin/sh"}
	default:
		return []string{os.Getenv("SHELL"), "/bin/bash", "/usr/bin/bash", "/bin/zsh", "/usr/bin/zsh", "/bin/sh"}
	}
}

// ResolveShell returns the first existing path among preferred, extra and
// the OS candidates. When none exists the platform default shell is used.
func ResolveShell(goos, preferred string, extra []string, exists func(string) bool) ShellChoice {
	if exists == nil {
		exists = isExecutableFile
	}
	candidates := make([]string, 0, len(extra)+8)
	candidates = append(candidates, preferred)
	candidates = append(candidates, extra...)
	candidates = append(candidates, DefaultCandidates(goos)...)

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && exists(c) {
			return ShellChoice{Path: c, Dialect: shell.ForShellPath(c)}
		}
	}
	fallback := platform.DefaultShell(platform.FromGOOS(goos, nil))
	return ShellChoice{Path: fallback, Dialect: shell.ForShellPath(fallback)}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return true
}

// strippedEnv are removed from the inherited environment: DEBUG changes the
// assistant's output format and an API key overrides profile credentials.
var strippedEnv = map[string]bool{
	"DEBUG":             true,
	"ANTHROPIC_API_KEY": true,
}

// BuildEnv filters base, merges extra (sorted by name) and pins the
// terminal type.
func BuildEnv(base []string, extra map[string]string) []string {
	overrides := map[string]string{
		"TERM":      "xterm-256color",
		"COLORTERM": "truecolor",
	}
	for k, v := range extra {
		overrides[k] = v
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if strippedEnv[strings.ToUpper(name)] {
			continue
		}
		if _, ok := overrides[name]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
