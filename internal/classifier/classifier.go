// Package classifier derives busy, idle and exited states from streamed
// assistant output and extracts the signals embedded in it: the assistant
// session id, rate-limit resets, login tokens, account email, onboarding
// completion and authorization URLs.
package classifier

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agentterm/internal/logging"
)

// State is the derived activity state of a chunk.
type State string

const (
	StateNone   State = ""
	StateBusy   State = "busy"
	StateIdle   State = "idle"
	StateExited State = "exited"
)

// Hits records which categories matched a chunk.
type Hits struct {
	Busy   bool
	Idle   bool
	Exited bool
}

func (h *Hits) add(c Category) {
	switch c {
	case CategoryBusy:
		h.Busy = true
	case CategoryIdle:
		h.Idle = true
	case CategoryExited:
		h.Exited = true
	}
}

// Combine applies the precedence rule: busy overrides idle, and exit is
// suppressed whenever busy is present. Exit outranks idle.
func Combine(h Hits) State {
	switch {
	case h.Busy:
		return StateBusy
	case h.Exited:
		return StateExited
	case h.Idle:
		return StateIdle
	default:
		return StateNone
	}
}

// Signals are values extracted from a chunk regardless of state.
type Signals struct {
	SessionID          string
	RateLimitReset     string
	Token              string
	Email              string
	OnboardingComplete bool
	AuthURL            string
}

// Empty reports whether no signal was found.
func (s Signals) Empty() bool {
	return s == Signals{}
}

// Result is the outcome of classifying one chunk.
type Result struct {
	State   State
	Hits    Hits
	Matched []string
	Signals Signals
}

var (
	sessionIDPatterns = compileAll(
		`(?i)session[ _-]?id["']?\s*[:=]?\s*["']?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`,
		`(?i)Session:\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`,
		`(?i)Resuming (?:session|conversation)\s+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`,
	)
	rateLimitPatterns = compileAll(
		`(?im)(?:limit reached|hit your (?:usage )?limit|usage limit)[^\n]*?\bresets?\s+(?:at\s+)?([0-9][^\n]*?)\s*$`,
		`(?i)usage limit reached\|(\d{9,})`,
	)
	tokenPattern      = regexp.MustCompile(`\bsk-ant-oat01-[A-Za-z0-9_-]{20,}`)
	emailPattern      = regexp.MustCompile(`(?i)(?:logged in as|signed in as|authenticated as|account|email)\s*:?\s+([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
	onboardingPattern = regexp.MustCompile(`(?i)\b(?:login successful|logged in successfully|successfully logged in)\b`)
	authURLPattern    = regexp.MustCompile(`https://(?:claude\.ai|console\.anthropic\.com)/oauth/authorize\?[^\s"'<>]+`)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Classifier evaluates an ordered rule list. It holds no per-session state
// and is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New returns a classifier using the built-in rules followed by extra.
func New(extra ...Rule) *Classifier {
	rules := DefaultRules()
	rules = append(rules, extra...)
	return &Classifier{rules: rules}
}

// NewWithRules returns a classifier that uses exactly rules.
func NewWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Rules returns the rule list in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify derives state and signals from one chunk. It is a pure function
// of the chunk.
func (c *Classifier) Classify(chunk string) Result {
	text := Normalize(chunk)
	res := c.detect(text)
	res.Signals = Extract(text)
	return res
}

func (c *Classifier) detect(text string) Result {
	var res Result
	if strings.TrimSpace(text) == "" {
		return res
	}
	for _, r := range c.rules {
		if r.Pattern.MatchString(text) {
			res.Hits.add(r.Category)
			res.Matched = append(res.Matched, r.Name)
		}
	}
	res.State = Combine(res.Hits)
	if res.State != StateNone {
		logging.Aggregate(logging.CompClassifier, "chunk_classified",
			slog.String("state", string(res.State)))
	}
	return res
}

// HasShellPrompt reports whether the last non-empty line of text is a shell
// prompt. Used while waiting for the assistant to hand control back.
func (c *Classifier) HasShellPrompt(text string) bool {
	line := lastNonEmptyLine(Normalize(text))
	if line == "" {
		return false
	}
	for _, r := range c.rules {
		if r.Category == CategoryExited && r.Pattern.MatchString(line) {
			return true
		}
	}
	return false
}

// Extract pulls embedded signals out of normalized text.
func Extract(text string) Signals {
	var s Signals
	for _, re := range sessionIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if id, err := uuid.Parse(m[1]); err == nil {
				s.SessionID = id.String()
				break
			}
		}
	}
	for _, re := range rateLimitPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			s.RateLimitReset = strings.TrimRight(strings.TrimSpace(m[1]), ".")
			break
		}
	}
	s.Token = tokenPattern.FindString(text)
	if m := emailPattern.FindStringSubmatch(text); m != nil {
		s.Email = m[1]
	}
	s.OnboardingComplete = onboardingPattern.MatchString(text)
	s.AuthURL = authURLPattern.FindString(text)
	return s
}
