package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(64)

	n, err := rb.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}
	if got := string(rb.Bytes()); got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
}

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(10)
	_, _ = rb.Write([]byte("abcdefghij"))
	_, _ = rb.Write([]byte("12345"))

	if got := string(rb.Bytes()); got != "fghij12345" {
		t.Errorf("expected 'fghij12345', got %q", got)
	}
}

func TestRingBufferLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)
	_, _ = rb.Write([]byte("0123456789"))

	if got := string(rb.Bytes()); got != "56789" {
		t.Errorf("expected '56789', got %q", got)
	}
}

func TestRingBufferManySmallWrites(t *testing.T) {
	rb := NewRingBuffer(8)
	for _, s := range []string{"AA", "BB", "CC", "DD", "EE"} {
		_, _ = rb.Write([]byte(s))
	}
	if got := string(rb.Bytes()); got != "BBCCDDEE" {
		t.Errorf("expected 'BBCCDDEE', got %q", got)
	}
}

func TestRingBufferLinesDropsPartialRecord(t *testing.T) {
	rb := NewRingBuffer(12)
	_, _ = rb.Write([]byte("first\nsecond\nthird\n"))

	if got := string(rb.Lines()); got != "third\n" {
		t.Errorf("expected only the complete trailing line, got %q", got)
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(64)
	_, _ = rb.Write([]byte("line one\nline two\n"))

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if string(data) != "line one\nline two\n" {
		t.Errorf("unexpected dump content %q", string(data))
	}
}
