package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
)

// normalizeArgs reorders args so flags come before positional arguments.
// The flag package stops at the first positional argument, so
// "sessions find api --json" would otherwise ignore --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// parseFlags parses args with normalizeArgs. ok is false when the caller
// should stop (help was printed).
func parseFlags(fs *flag.FlagSet, args []string) (ok bool, err error) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, fmt.Errorf("flag parsing: %w", err)
	}
	return true, nil
}

// truncate shortens s to width display cells, marking the cut with "…".
func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// truncateLeft keeps the end of s, which is the useful part of a path.
func truncateLeft(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w <= width {
		return s
	}
	if width <= 1 {
		return "…"
	}
	runes := []rune(s)
	for i := range runes {
		if runewidth.StringWidth(string(runes[i:])) <= width-1 {
			return "…" + string(runes[i:])
		}
	}
	return "…"
}

// pad right-pads s to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// table renders rows under a styled header. Cells are already truncated.
func table(headers []string, widths []int, rows [][]string) string {
	var b strings.Builder
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = pad(h, widths[i])
	}
	b.WriteString(headerStyle.Render(strings.TrimRight(strings.Join(cells, "  "), " ")))
	b.WriteByte('\n')
	for _, row := range rows {
		for i := range headers {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			cells[i] = pad(v, widths[i])
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
