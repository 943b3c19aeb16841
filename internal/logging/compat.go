package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer so stdlib *log.Logger users
// (http.Server.ErrorLog, third-party packages) land in the structured log.
type BridgeWriter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewBridgeWriter returns a writer that logs each write as one record of
// the given component at warn level.
func NewBridgeWriter(component string) *BridgeWriter {
	return &BridgeWriter{logger: ForComponent(component), level: slog.LevelWarn}
}

// StdLogger wraps a BridgeWriter in a *log.Logger with no prefix or flags.
func StdLogger(component string) *log.Logger {
	return log.New(NewBridgeWriter(component), "", 0)
}

// Write implements io.Writer.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		msg := stripLogTimestamp(strings.TrimSpace(string(line)))
		if msg == "" {
			continue
		}
		bw.logger.Log(context.Background(), bw.level, "stdlib_log", slog.String("message", msg))
	}
	return n, nil
}

// stripLogTimestamp removes the "2006/01/02 15:04:05 " prefix added by the
// stdlib log package when flags were left at their defaults.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[16] == ':' && s[19] == ' ' {
		return s[20:]
	}
	return s
}
