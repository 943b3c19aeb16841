package session

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxOutputChars bounds Session.OutputBuffer. Counted in characters
// (runes), not bytes.
const MaxOutputChars = 100_000

// Truncate keeps the last MaxOutputChars characters of s.
func Truncate(s string) string {
	return truncateTo(s, MaxOutputChars)
}

func truncateTo(s string, limit int) string {
	// A string of n bytes holds at most n runes.
	if len(s) <= limit {
		return s
	}
	excess := utf8.RuneCountInString(s) - limit
	if excess <= 0 {
		return s
	}
	i := 0
	for ; excess > 0; excess-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[i:]
}

// OutputBuffer is a bounded ring of terminal output. Appends drop the
// oldest characters so Len never exceeds the limit.
type OutputBuffer struct {
	mu    sync.RWMutex
	data  string
	limit int
}

// NewOutputBuffer creates a buffer seeded with initial (already bounded).
func NewOutputBuffer(initial string) *OutputBuffer {
	return &OutputBuffer{data: Truncate(initial), limit: MaxOutputChars}
}

// Append adds chunk and trims from the front as needed.
func (b *OutputBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if utf8.RuneCountInString(chunk) >= b.limit {
		b.data = truncateTo(chunk, b.limit)
		return
	}
	var sb strings.Builder
	sb.Grow(len(b.data) + len(chunk))
	sb.WriteString(b.data)
	sb.WriteString(chunk)
	b.data = truncateTo(sb.String(), b.limit)
}

// String returns the whole buffer.
func (b *OutputBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// Tail returns at most n trailing characters.
func (b *OutputBuffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return truncateTo(b.data, n)
}

// Len returns the length in characters.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return utf8.RuneCountInString(b.data)
}

// Reset clears the buffer.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	b.data = ""
	b.mu.Unlock()
}
