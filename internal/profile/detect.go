package profile

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvProfile names the environment variable that selects a profile explicitly.
const EnvProfile = "AGENTTERM_PROFILE"

// DetectProfileID infers the profile to use from the environment.
// Priority order:
// 1. AGENTTERM_PROFILE (explicit)
// 2. CLAUDE_CONFIG_DIR (~/.claude-work -> "work")
// Returns "" when nothing applies so the caller can fall back to the
// active profile.
func DetectProfileID() string {
	if id := os.Getenv(EnvProfile); id != "" {
		return id
	}

	configDir := os.Getenv("CLAUDE_CONFIG_DIR")
	if configDir == "" {
		return ""
	}
	baseName := filepath.Base(filepath.Clean(configDir))
	if suffix, ok := strings.CutPrefix(baseName, ".claude-"); ok && suffix != "" {
		return suffix
	}
	if i := strings.LastIndex(baseName, "-"); i >= 0 && i < len(baseName)-1 {
		return baseName[i+1:]
	}
	return ""
}
