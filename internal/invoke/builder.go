package invoke

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agentterm/internal/shell"
)

const (
	// TokenEnvVar carries the bearer token into the assistant.
	TokenEnvVar = "CLAUDE_CODE_OAUTH_TOKEN"
	// ConfigDirEnvVar points the assistant at a config directory.
	ConfigDirEnvVar = "CLAUDE_CONFIG_DIR"

	credFilePrefix = ".agentterm-cred-"
)

// Request holds the per-invocation values substituted into the command.
type Request struct {
	Cwd        string
	PathEnv    string
	Executable string
	Flags      []string
}

// Command is a built command line. CredentialFile is set when the command
// sources and deletes a temp credential script.
type Command struct {
	Line           string
	CredentialFile string
}

// Builder turns a Method and Request into a command line for one dialect.
// The zero value writes credential scripts to os.TempDir().
type Builder struct {
	Dir  string
	Now  func() time.Time
	Rand io.Reader
}

// Build renders the command. Every dynamic value is quoted by d.
func (b Builder) Build(d shell.Dialect, m Method, req Request) (Command, error) {
	if req.Executable == "" {
		return Command{}, ErrExecutableNotFound
	}
	launch := pathPrefix(d, req.PathEnv) + d.Quote(req.Executable) + flagSuffix(d, req.Flags)

	var cd string
	if req.Cwd != "" {
		cd = d.ChangeDir(req.Cwd)
	}

	switch m := m.(type) {
	case nil, DefaultMethod:
		return Command{Line: d.Join(cd, launch) + "\r"}, nil

	case ConfigDirMethod:
		line := d.Join(cd, d.EnvPrefix(ConfigDirEnvVar, m.ConfigDir)+launch)
		return Command{Line: line + "\r"}, nil

	case TempCredentialMethod:
		path, err := b.writeCredentialScript(d, m.Token)
		if err != nil {
			return Command{}, err
		}
		// The token is only exported inside the child scope; the session
		// shell never sees it.
		target := pathPrefix(d, req.PathEnv) + d.Exec(d.Quote(req.Executable)) + flagSuffix(d, req.Flags)
		line := d.Join(d.ClearScreen(), d.HistoryOff(), cd, d.Scope(d.Source(path), d.Delete(path), target))
		return Command{Line: line + "\r", CredentialFile: path}, nil

	default:
		return Command{}, fmt.Errorf("invoke: unknown method %T", m)
	}
}

func (b Builder) writeCredentialScript(d shell.Dialect, token string) (string, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	src := b.Rand
	if src == nil {
		src = rand.Reader
	}
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}

	var suffix [8]byte
	if _, err := io.ReadFull(src, suffix[:]); err != nil {
		return "", fmt.Errorf("invoke: credential file name: %w", err)
	}
	name := credFilePrefix + strconv.FormatInt(now().UnixMilli(), 10) + "-" +
		hex.EncodeToString(suffix[:]) + d.ScriptExt()
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("invoke: create credential file: %w", err)
	}
	body := d.ScriptBody([]shell.EnvVar{{Name: TokenEnvVar, Value: token}})
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("invoke: write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("invoke: close credential file: %w", err)
	}
	return path, nil
}

func pathPrefix(d shell.Dialect, pathEnv string) string {
	if pathEnv == "" {
		return ""
	}
	return d.EnvPrefix("PATH", pathEnv)
}

var plainArg = regexp.MustCompile(`^[A-Za-z0-9_\-=.,:/@+]+$`)

func flagSuffix(d shell.Dialect, flags []string) string {
	var b strings.Builder
	for _, f := range flags {
		if f == "" {
			continue
		}
		b.WriteByte(' ')
		if plainArg.MatchString(f) {
			b.WriteString(f)
		} else {
			b.WriteString(d.Quote(f))
		}
	}
	return b.String()
}
