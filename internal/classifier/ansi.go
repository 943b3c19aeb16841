package classifier

import (
	"strings"
	"unicode/utf8"
)

// StripANSI removes CSI, OSC and two-byte escape sequences. The 8-bit CSI
// is only recognised as the encoded rune U+009B, so UTF-8 continuation
// bytes are never mistaken for it.
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 && !strings.ContainsRune(content, '\u009b') {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			if i+1 >= len(content) {
				break
			}
			switch content[i+1] {
			case '[':
				i = skipCSI(content, i+2)
				continue
			case ']':
				if bel := strings.IndexByte(content[i:], '\x07'); bel != -1 {
					if st := strings.Index(content[i:], "\x1b\\"); st == -1 || bel < st {
						i += bel + 1
						continue
					}
				}
				if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
					i += st + 2
					continue
				}
				// Unterminated OSC: drop the rest.
				i = len(content)
				continue
			case '(', ')', '*', '+':
				// Charset designation carries one more byte.
				i += 3
				continue
			default:
				i += 2
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(content[i:])
		if r == '\u009b' {
			i = skipCSI(content, i+size)
			continue
		}
		b.WriteString(content[i : i+size])
		i += size
	}
	return b.String()
}

// skipCSI returns the index just past the final byte of a CSI sequence
// whose parameters start at j.
func skipCSI(content string, j int) int {
	for j < len(content) {
		c := content[j]
		j++
		if c >= 0x40 && c <= 0x7e {
			break
		}
	}
	return j
}

// Normalize strips escape sequences and turns CRLF and lone CR into LF.
func Normalize(chunk string) string {
	s := StripANSI(chunk)
	if strings.IndexByte(s, '\r') < 0 {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// lastNonEmptyLine returns the final line with visible content.
func lastNonEmptyLine(s string) string {
	for {
		s = strings.TrimRight(s, " \t\n")
		if s == "" {
			return ""
		}
		i := strings.LastIndexByte(s, '\n')
		line := s[i+1:]
		if strings.TrimSpace(line) != "" {
			return line
		}
		s = s[:i+1]
	}
}
