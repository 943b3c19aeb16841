package session

import (
	"sort"
	"time"
)

// WorktreeConfig points a session at a git worktree checkout.
type WorktreeConfig struct {
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	RepoRoot string `json:"repoRoot,omitempty"`
}

// Session is the persisted record of one terminal: identity, location and
// recent output. It exists independently of any live process.
type Session struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	WorkingDirectory   string          `json:"workingDirectory"`
	ProjectPath        string          `json:"projectPath"`
	IsAssistantMode    bool            `json:"isAssistantMode"`
	AssistantSessionID string          `json:"assistantSessionId,omitempty"`
	OutputBuffer       string          `json:"outputBuffer"`
	CreatedAt          time.Time       `json:"createdAt"`
	LastActiveAt       time.Time       `json:"lastActiveAt"`
	WorktreeConfig     *WorktreeConfig `json:"worktreeConfig,omitempty"`
	DisplayOrder       *int            `json:"displayOrder,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields with
// the store's state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.WorktreeConfig != nil {
		wt := *s.WorktreeConfig
		c.WorktreeConfig = &wt
	}
	if s.DisplayOrder != nil {
		order := *s.DisplayOrder
		c.DisplayOrder = &order
	}
	return &c
}

// Order returns DisplayOrder or fallback when unset.
func (s *Session) Order(fallback int) int {
	if s.DisplayOrder == nil {
		return fallback
	}
	return *s.DisplayOrder
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int { return &v }

// SortByDisplayOrder orders sessions by DisplayOrder, keeping the stored
// order for sessions without one.
func SortByDisplayOrder(list []*Session) {
	idx := make(map[*Session]int, len(list))
	for i, s := range list {
		idx[s] = i
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Order(idx[list[i]]) < list[j].Order(idx[list[j]])
	})
}
