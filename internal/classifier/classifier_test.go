package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPrecedence(t *testing.T) {
	c := New()

	res := c.Classify("● Thinking...\nuser@host:~$ ")
	assert.Equal(t, StateBusy, res.State, "busy must suppress exit in the same chunk")
	assert.True(t, res.Hits.Busy)
	assert.True(t, res.Hits.Exited)

	assert.Equal(t, StateExited, c.Classify("user@hostname:~$ ").State)
	assert.Equal(t, StateIdle, c.Classify("> ").State)
	assert.Equal(t, StateNone, c.Classify("Contact user@example.com for help").State)

	res = c.Classify("⏺ Working on it\n> ")
	assert.Equal(t, StateBusy, res.State, "busy overrides idle")
}

func TestCombine(t *testing.T) {
	tests := []struct {
		hits Hits
		want State
	}{
		{Hits{}, StateNone},
		{Hits{Idle: true}, StateIdle},
		{Hits{Exited: true}, StateExited},
		{Hits{Idle: true, Exited: true}, StateExited},
		{Hits{Busy: true, Idle: true}, StateBusy},
		{Hits{Busy: true, Exited: true}, StateBusy},
		{Hits{Busy: true, Idle: true, Exited: true}, StateBusy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Combine(tt.hits), "%+v", tt.hits)
	}
}

func TestClassifyRules(t *testing.T) {
	c := New()
	tests := []struct {
		name  string
		chunk string
		want  State
	}{
		{"response marker", "⏺ I'll read the file first.", StateBusy},
		{"tool call", "⏺ Read(src/main.go)", StateBusy},
		{"indented tool call", "  Bash(go test ./...)", StateBusy},
		{"numbered listing bar", "  12 │ func main() {", StateBusy},
		{"numbered listing arrow", "     3→import \"fmt\"", StateBusy},
		{"spinner progress", "✻ Cogitating… (12s · esc to interrupt)", StateBusy},
		{"ascii progress", "Honking...", StateBusy},
		{"model percent", "Claude Opus 4 ▸ context 45%", StateBusy},
		{"block bar", "██████░░░░ 60%", StateBusy},
		{"heavy prompt glyph", "❯ ", StateIdle},
		{"boxed prompt", "│ > │", StateIdle},
		{"home path prompt", "~/code/app $ ", StateExited},
		{"root path prompt", "/srv #", StateExited},
		{"zsh user host", "me@box ~/app % ", StateExited},
		{"cmd prompt", `C:\Users\me>`, StateExited},
		{"powershell prompt", `PS C:\Users\me> `, StateExited},
		{"bracketed prompt", "[me@box app]$ ", StateExited},
		{"venv prompt", "(venv) me@box:~/app$ ", StateExited},
		{"arrow prompt", "➜  app git:(main) ✗", StateExited},
		{"bare arrow prompt", "➜  app ", StateExited},
		{"goodbye", "Goodbye!", StateExited},
		{"session ended", "Session ended.", StateExited},
		{"prose path", "The binary lives in /usr/local/bin and costs $5", StateNone},
		{"prose arrow", "Then run ➜ npm test", StateNone},
		{"arrow led prose", "➜ Next, update the config and rerun the tests.", StateNone},
		{"prose gerund", "I'm doing great, reading the docs...", StateNone},
		{"prose goodbye", "Say goodbye to flaky tests", StateNone},
		{"prose gt", "Review the output > then continue", StateNone},
		{"empty", "", StateNone},
		{"whitespace", "\r\n  \r\n", StateNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.chunk).State)
		})
	}
}

func TestClassifyStripsEscapes(t *testing.T) {
	c := New()
	assert.Equal(t, StateExited, c.Classify("\x1b[32muser@host\x1b[0m:~$ \r\n").State)
	assert.Equal(t, StateBusy, c.Classify("\x1b[1m\x1b[38;5;208m⏺\x1b[0m Done").State)
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"\x1b]0;window title\x07hello", "hello"},
		{"\x1b]8;;https://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"a\u009b31mb", "ab"},
		{"✛ ok\x1b[0m", "✛ ok"},
		{"\x1b(Bdone", "done"},
		{"trailing\x1b", "trailing"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripANSI(tt.in), "%q", tt.in)
	}
}

func TestNormalizeLineEndings(t *testing.T) {
	assert.Equal(t, "a\nb\nc", Normalize("a\r\nb\rc"))
}

func TestExtractSignals(t *testing.T) {
	t.Run("session id", func(t *testing.T) {
		s := Extract("Session ID: 0F8FAD5B-D9CB-469F-A165-70867728950E")
		assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", s.SessionID)
		s = Extract("Resuming session 0f8fad5b-d9cb-469f-a165-70867728950e")
		assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", s.SessionID)
		assert.Empty(t, Extract("session id: not-a-uuid").SessionID)
	})

	t.Run("rate limit", func(t *testing.T) {
		tests := map[string]string{
			"Claude usage limit reached. Your limit will reset at 3pm (America/New_York).": "3pm (America/New_York)",
			"5-hour limit reached ∙ resets 3pm":                                            "3pm",
			"You've hit your limit · resets 11:30am":                                       "11:30am",
			"Claude AI usage limit reached|1767225600":                                     "1767225600",
		}
		for in, want := range tests {
			assert.Equal(t, want, Extract(in).RateLimitReset, in)
		}
		assert.Empty(t, Extract("the limit resets eventually").RateLimitReset)
	})

	t.Run("token", func(t *testing.T) {
		tok := "sk-ant-REDACTED"
		assert.Equal(t, tok, Extract("Your OAuth token: "+tok+"\n").Token)
		assert.Empty(t, Extract("sk-ant-oat01-short").Token)
	})

	t.Run("email", func(t *testing.T) {
		assert.Equal(t, "dev@example.com", Extract("Logged in as dev@example.com").Email)
		assert.Equal(t, "dev@example.com", Extract("Account: dev@example.com").Email)
		assert.Empty(t, Extract("Contact user@example.com for help").Email)
	})

	t.Run("onboarding", func(t *testing.T) {
		assert.True(t, Extract("Login successful. Press Enter to continue").OnboardingComplete)
		assert.False(t, Extract("Login failed").OnboardingComplete)
	})

	t.Run("auth url", func(t *testing.T) {
		url := "https://claude.ai/oauth/authorize?code=true&client_id=abc&state=xyz"
		assert.Equal(t, url, Extract("Browser didn't open? Use the url below:\n"+url+"\n").AuthURL)
		assert.Empty(t, Extract("https://example.com/oauth/authorize?x=1").AuthURL)
	})

	assert.True(t, Extract("nothing to see").Empty())
}

func TestHasShellPrompt(t *testing.T) {
	c := New()
	assert.True(t, c.HasShellPrompt("⏺ Done\nGoodbye!\nuser@host:~$ "))
	assert.True(t, c.HasShellPrompt("some output\r\n~/app $ \r\n\r\n"))
	assert.False(t, c.HasShellPrompt("user@host:~$ claude\n⏺ Hello"))
	assert.False(t, c.HasShellPrompt(""))
}

func TestCompileRules(t *testing.T) {
	rules, err := CompileRules([]RawRule{
		{Name: "literal", Category: CategoryBusy, Pattern: "a.b"},
		{Name: "regex", Category: CategoryIdle, Pattern: `re:^x+$`},
		{Name: "broken", Category: CategoryBusy, Pattern: "re:("},
	})
	require.Error(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Pattern.MatchString("xa.by"))
	assert.False(t, rules[0].Pattern.MatchString("axb"))
	assert.True(t, rules[1].Pattern.MatchString("xxx"))

	c := New(Rule{Name: "custom_busy", Category: CategoryBusy, Pattern: rules[0].Pattern})
	res := c.Classify("step a.b running")
	assert.Equal(t, StateBusy, res.State)
	assert.Contains(t, res.Matched, "custom_busy")
}

func TestParseCategory(t *testing.T) {
	for in, want := range map[string]Category{"busy": CategoryBusy, "Idle": CategoryIdle, "exit": CategoryExited} {
		got, err := ParseCategory(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCategory("sleepy")
	assert.Error(t, err)
}
