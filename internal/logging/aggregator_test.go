package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestAggregatorFlushCounts(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompPTY, "write_chunked", slog.Int("chunks", 11))
	agg.Record(CompPTY, "write_chunked", slog.Int("chunks", 12))
	agg.Record(CompClassifier, "chunk_classified")
	agg.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 summaries, got %d: %s", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	// Sorted by component: classifier before pty.
	if first["event"] != "chunk_classified" {
		t.Errorf("expected sorted output, got %v", first["event"])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", second["count"])
	}
	if second["chunks"] != float64(12) {
		t.Errorf("expected last fields kept, got %v", second["chunks"])
	}
}

func TestAggregatorNilLoggerAndDoubleStop(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompStore, "save_skipped")
	agg.Stop()
	agg.Stop()
}
