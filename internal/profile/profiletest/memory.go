// Package profiletest provides an in-memory profile.Provider for tests.
package profiletest

import (
	"fmt"
	"sync"

	"github.com/asheshgoplani/agentterm/internal/profile"
)

// Memory is a scriptable profile.Provider. Zero value is usable.
type Memory struct {
	mu         sync.Mutex
	profiles   map[string]*profile.Profile
	tokens     map[string]string
	order      []string
	active     string
	autoSwitch bool
	best       string

	Used       []string
	RateLimits [][2]string // {profileID, resetTime}
	TokenErr   error
}

// Add registers a profile with an optional token.
func (m *Memory) Add(p profile.Profile, token string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = map[string]*profile.Profile{}
		m.tokens = map[string]string{}
	}
	if _, ok := m.profiles[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	p.HasToken = token != ""
	m.profiles[p.ID] = &p
	m.tokens[p.ID] = token
	return m
}

// SetAutoSwitch sets the auto-switch flag.
func (m *Memory) SetAutoSwitch(on bool) {
	m.mu.Lock()
	m.autoSwitch = on
	m.mu.Unlock()
}

// SetBest forces GetBestAvailableProfile's answer when that id is not excluded.
func (m *Memory) SetBest(id string) {
	m.mu.Lock()
	m.best = id
	m.mu.Unlock()
}

// Active returns the active profile id.
func (m *Memory) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Token returns the stored token for id.
func (m *Memory) Token(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id]
}

// RateLimitEvents returns a copy of recorded rate-limit events.
func (m *Memory) RateLimitEvents() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.RateLimits...)
}

// UsedProfiles returns the ids passed to MarkProfileUsed, in order.
func (m *Memory) UsedProfiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Used...)
}

func (m *Memory) lookup(id string) (*profile.Profile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", profile.ErrNotFound, id)
	}
	c := *p
	return &c, nil
}

func (m *Memory) GetProfile(id string) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *Memory) GetActiveProfile() (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return m.lookup(m.active)
	}
	for _, id := range m.order {
		if m.profiles[id].IsDefault {
			return m.lookup(id)
		}
	}
	return nil, profile.ErrNotFound
}

func (m *Memory) GetProfileToken(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return "", err
	}
	return m.tokens[id], nil
}

func (m *Memory) SetProfileToken(id, token, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TokenErr != nil {
		return m.TokenErr
	}
	p, ok := m.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %s", profile.ErrNotFound, id)
	}
	m.tokens[id] = token
	p.HasToken = token != ""
	if email != "" {
		p.Email = email
	}
	return nil
}

func (m *Memory) MarkProfileUsed(id string) error {
	m.mu.Lock()
	m.Used = append(m.Used, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordRateLimitEvent(profileID, resetTime string) error {
	m.mu.Lock()
	m.RateLimits = append(m.RateLimits, [2]string{profileID, resetTime})
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBestAvailableProfile(excludingID string) (*profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.best != "" && m.best != excludingID {
		return m.lookup(m.best)
	}
	for _, id := range m.order {
		if id != excludingID {
			return m.lookup(id)
		}
	}
	return nil, profile.ErrNotFound
}

func (m *Memory) GetAutoSwitchSettings() (profile.AutoSwitchSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return profile.AutoSwitchSettings{Enabled: m.autoSwitch}, nil
}

func (m *Memory) SetActiveProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.active = id
	return nil
}

var _ profile.Provider = (*Memory)(nil)
