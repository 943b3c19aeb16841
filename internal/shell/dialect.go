// Package shell holds the per-shell strategy used to build command lines:
// quoting, command joining, screen clearing, history suppression and the
// temp-script conventions. A Dialect is picked once when a session spawns.
package shell

import (
	"fmt"
	"strings"
)

// Tag identifies a dialect. It is stored on process handles.
type Tag string

const (
	TagPOSIX Tag = "posix"
	TagCmd   Tag = "cmd"
)

// Dialect is the command-line strategy for one family of shells.
type Dialect interface {
	Tag() Tag
	// Quote returns s as a single literal argument.
	Quote(s string) string
	// Join chains commands so each runs only if the previous succeeded.
	Join(cmds ...string) string
	// Scope joins cmds and runs them in a child shell, so variables they
	// set are gone once the last command ends.
	Scope(cmds ...string) string
	// Exec replaces the current shell with cmd where the shell allows it.
	Exec(cmd string) string
	ClearScreen() string
	// HistoryOff returns a clause that stops the shell from recording
	// history, or "" when the shell keeps none.
	HistoryOff() string
	ScriptExt() string
	// ScriptBody renders a script that exports the given variables.
	ScriptBody(env []EnvVar) string
	Source(path string) string
	Delete(path string) string
	// EnvPrefix sets a variable for the command that follows it.
	EnvPrefix(name, value string) string
	ChangeDir(dir string) string
}

// EnvVar is one name/value pair rendered into a script.
type EnvVar struct {
	Name  string
	Value string
}

// POSIX covers sh, bash, zsh and fish-compatible invocations.
type POSIX struct{}

func (POSIX) Tag() Tag { return TagPOSIX }

// Quote wraps s in single quotes; embedded quotes become '\''.
func (POSIX) Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (POSIX) Join(cmds ...string) string { return joinNonEmpty(cmds) }

func (POSIX) Scope(cmds ...string) string { return "( " + joinNonEmpty(cmds) + " )" }

// Exec goes after any VAR=value prefix: "PATH='p' exec 'exe'".
func (POSIX) Exec(cmd string) string { return "exec " + cmd }

func (POSIX) ClearScreen() string { return "clear" }

func (POSIX) HistoryOff() string { return "unset HISTFILE" }

func (POSIX) ScriptExt() string { return ".sh" }

func (d POSIX) ScriptBody(env []EnvVar) string {
	var b strings.Builder
	for _, v := range env {
		fmt.Fprintf(&b, "export %s=%s\n", v.Name, d.Quote(v.Value))
	}
	return b.String()
}

func (d POSIX) Source(path string) string { return ". " + d.Quote(path) }

func (d POSIX) Delete(path string) string { return "rm -f " + d.Quote(path) }

func (d POSIX) EnvPrefix(name, value string) string {
	return name + "=" + d.Quote(value) + " "
}

func (d POSIX) ChangeDir(dir string) string { return "cd " + d.Quote(dir) }

// Cmd is the Windows cmd.exe dialect.
type Cmd struct{}

func (Cmd) Tag() Tag { return TagCmd }

// Quote wraps s in double quotes. Embedded quotes are doubled and % is
// escaped so variables are not expanded.
func (Cmd) Quote(s string) string {
	s = strings.ReplaceAll(s, `"`, `""`)
	s = strings.ReplaceAll(s, "%", "%%")
	return `"` + s + `"`
}

func (Cmd) Join(cmds ...string) string { return joinNonEmpty(cmds) }

// Scope runs cmds in a nested cmd.exe. /s strips only the outer quotes, so
// the quoting inside survives.
func (Cmd) Scope(cmds ...string) string { return `cmd /s /c "` + joinNonEmpty(cmds) + `"` }

// Exec is a no-op: cmd.exe has no exec. Scope already provides the child.
func (Cmd) Exec(cmd string) string { return cmd }

func (Cmd) ClearScreen() string { return "cls" }

// HistoryOff is empty: cmd.exe does not persist history.
func (Cmd) HistoryOff() string { return "" }

func (Cmd) ScriptExt() string { return ".bat" }

func (Cmd) ScriptBody(env []EnvVar) string {
	var b strings.Builder
	b.WriteString("@echo off\r\n")
	for _, v := range env {
		fmt.Fprintf(&b, "set \"%s=%s\"\r\n", v.Name, escapeCmdSet(v.Value))
	}
	return b.String()
}

func (d Cmd) Source(path string) string { return "call " + d.Quote(path) }

func (d Cmd) Delete(path string) string { return "del /q " + d.Quote(path) }

func (Cmd) EnvPrefix(name, value string) string {
	return fmt.Sprintf("set \"%s=%s\" && ", name, escapeCmdSet(value))
}

func (d Cmd) ChangeDir(dir string) string { return "cd /d " + d.Quote(dir) }

// escapeCmdSet escapes a value placed inside set "NAME=value".
func escapeCmdSet(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	return strings.ReplaceAll(s, `"`, `""`)
}

func joinNonEmpty(cmds []string) string {
	parts := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " && ")
}

// ForTag returns the dialect for tag, defaulting to POSIX.
func ForTag(tag Tag) Dialect {
	if tag == TagCmd {
		return Cmd{}
	}
	return POSIX{}
}

// ForGOOS returns the dialect of the default shell on goos.
func ForGOOS(goos string) Dialect {
	if goos == "windows" {
		return Cmd{}
	}
	return POSIX{}
}

// ForShellPath picks the dialect from a shell executable path. cmd.exe
// selects Cmd; everything else (bash.exe under Git for Windows included)
// is POSIX.
func ForShellPath(path string) Dialect {
	base := strings.ToLower(path)
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if base == "cmd.exe" || base == "cmd" {
		return Cmd{}
	}
	return POSIX{}
}
