package main

import (
	"fmt"
	"os"
	"testing"

	"github.com/asheshgoplani/agentterm/internal/config"
)

// TestMain points every command at a throwaway data directory.
func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "agentterm-cmd-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Setenv(config.EnvHome, home)
	os.Setenv("AGENTTERM_COLOR", "none")
	initColorProfile()
	code := m.Run()
	os.RemoveAll(home)
	os.Exit(code)
}
