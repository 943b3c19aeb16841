package classifier

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agentterm/internal/logging"
)

var classifierLog = logging.ForComponent(logging.CompClassifier)

// Category is the signal family a rule contributes to. Categories are not
// exclusive: one chunk can hit several.
type Category int

const (
	CategoryBusy Category = iota
	CategoryIdle
	CategoryExited
)

func (c Category) String() string {
	switch c {
	case CategoryBusy:
		return "busy"
	case CategoryIdle:
		return "idle"
	case CategoryExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ParseCategory maps "busy", "idle" or "exited" to a Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "busy":
		return CategoryBusy, nil
	case "idle":
		return CategoryIdle, nil
	case "exited", "exit":
		return CategoryExited, nil
	default:
		return 0, fmt.Errorf("unknown category %q", s)
	}
}

// Rule pairs a compiled pattern with the category it signals.
type Rule struct {
	Name     string
	Category Category
	Pattern  *regexp.Regexp
}

// RawRule is the uncompiled form. Patterns prefixed with "re:" are regular
// expressions; anything else is matched as a literal substring.
type RawRule struct {
	Name     string
	Category Category
	Pattern  string
}

// CompileRules compiles raw rules in order. Invalid regexes are logged and
// skipped; the error reports how many were dropped.
func CompileRules(raw []RawRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		expr := regexp.QuoteMeta(r.Pattern)
		if strings.HasPrefix(r.Pattern, "re:") {
			expr = r.Pattern[3:]
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			classifierLog.Warn("invalid_rule_pattern",
				slog.String("rule", r.Name),
				slog.String("pattern", r.Pattern),
				slog.String("error", err.Error()))
			skipped++
			continue
		}
		name := r.Name
		if name == "" {
			name = r.Category.String() + ":" + r.Pattern
		}
		rules = append(rules, Rule{Name: name, Category: r.Category, Pattern: re})
	}
	if skipped > 0 {
		return rules, fmt.Errorf("%d invalid rule pattern(s) skipped", skipped)
	}
	return rules, nil
}

// DefaultRawRules returns the built-in rules for the assistant CLI. Shell
// prompt shapes are anchored to line start and end so prose mentioning
// paths, arrows or email addresses does not match.
func DefaultRawRules() []RawRule {
	return []RawRule{
		// busy
		{"response_marker", CategoryBusy, `re:(?m)^\s*[●⏺]`},
		{"tool_call", CategoryBusy, `re:(?m)^\s*[●⏺]?\s*(?:Read|Write|Edit|MultiEdit|Bash|Glob|Grep|LS|Task|WebFetch|WebSearch|TodoWrite|NotebookEdit)\(`},
		{"numbered_listing", CategoryBusy, `re:(?m)^\s*\d+\s*(?:→|│)`},
		{"progress_phrase", CategoryBusy, `re:(?m)^\s*[✳✽✶✻✢·*⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]?\s*[A-Z][a-z]+ing(?:…|\.\.\.)`},
		{"model_progress", CategoryBusy, `re:(?i)\b(?:opus|sonnet|haiku|claude)\b[^\n]{0,40}?\b\d{1,3}%`},
		{"block_progress", CategoryBusy, `re:[█▓▒░]{3,}`},
		{"interrupt_hint", CategoryBusy, "esc to interrupt"},

		// idle
		{"prompt_glyph", CategoryIdle, `re:(?m)^[\s│]*[>❯][\s│]*$`},

		// exited
		{"user_host_prompt", CategoryExited, `re:(?m)^[\w.-]+@[\w.-]+(?:[:\s][^\n]*?)?\s*[$#%]\s*$`},
		{"path_prompt", CategoryExited, `re:(?m)^(?:~|/)[^\s$#%>]*\s*[$#%]\s*$`},
		{"cmd_prompt", CategoryExited, `re:(?m)^[A-Za-z]:\\[^\n>]*>\s*$`},
		{"powershell_prompt", CategoryExited, `re:(?m)^PS [^\n>]*>\s*$`},
		{"bracketed_prompt", CategoryExited, `re:(?m)^\[[^\]\n]+\]\s*[$#%]\s*$`},
		{"venv_prompt", CategoryExited, `re:(?m)^\([\w.-]+\)\s+\S[^\n]*[$#%>]\s*$`},
		{"arrow_prompt", CategoryExited, `re:(?m)^\s*➜\s+\S+(?:\s+git:\([^)\n]*\))?(?:\s+✗)?\s*$`},
		{"goodbye", CategoryExited, `re:(?im)^[\s●⏺]*(?:goodbye|bye)[!.]?\s*$`},
		{"session_ended", CategoryExited, `re:(?im)^\s*(?:session ended|conversation ended|claude (?:code )?(?:exited|has exited))\b[^\n]*$`},
	}
}

var defaultRules = mustCompile(DefaultRawRules())

func mustCompile(raw []RawRule) []Rule {
	rules, err := CompileRules(raw)
	if err != nil {
		panic(err)
	}
	return rules
}

// DefaultRules returns a copy of the compiled built-in rules.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}
