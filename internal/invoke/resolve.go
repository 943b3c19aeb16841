package invoke

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrProfileNotFound is returned when an invocation names an unknown profile.
	ErrProfileNotFound = errors.New("invoke: profile not found")
	// ErrExecutableNotFound is returned when the assistant binary cannot be located.
	ErrExecutableNotFound = errors.New("invoke: assistant executable not found")
	// ErrSessionExited is returned when the target process is gone.
	ErrSessionExited = errors.New("invoke: session process has exited")
)

// DefaultExecutable is the assistant binary name searched for when none is configured.
const DefaultExecutable = "claude"

// DefaultSearchDirs lists install locations checked after the configured
// extra dirs and before PATH.
func DefaultSearchDirs(home string) []string {
	if home == "" {
		return nil
	}
	return []string{
		filepath.Join(home, ".claude", "local"),
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".npm-global", "bin"),
		"/opt/homebrew/bin",
		"/usr/local/bin",
	}
}

// ResolveExecutable locates the assistant. A name containing a path
// separator is checked as-is; a bare name is looked up in dirs first and
// then through lookPath (exec.LookPath in production).
func ResolveExecutable(name string, dirs []string, lookPath func(string) (string, error)) (string, error) {
	if name == "" {
		name = DefaultExecutable
	}
	if strings.ContainsAny(name, `/\`) {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if p, err := lookPath(filepath.Join(dir, name)); err == nil {
			return p, nil
		}
	}
	if p, err := lookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
}

// BuildPath prepends extra directories to base, skipping duplicates and
// empty entries.
func BuildPath(extra []string, base string) string {
	sep := string(os.PathListSeparator)
	seen := map[string]bool{}
	var parts []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		parts = append(parts, p)
	}
	for _, p := range extra {
		add(p)
	}
	for _, p := range strings.Split(base, sep) {
		add(p)
	}
	return strings.Join(parts, sep)
}
