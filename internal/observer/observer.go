// Package observer defines the events a presentation layer receives from
// the session core.
package observer

import "sync"

// Event kinds, used as the "type" of serialized events.
const (
	KindOutput             = "output"
	KindExit               = "exit"
	KindTitleChanged       = "title_changed"
	KindRateLimitDetected  = "rate_limit_detected"
	KindTokenDetected      = "token_detected"
	KindBusyChanged        = "busy_changed"
	KindAssistantExited    = "assistant_exited"
	KindPendingResumeReady = "pending_resume_ready"
	KindAuthURLDetected    = "auth_url_detected"
	KindOnboardingComplete = "onboarding_complete"
)

type Output struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type Exit struct {
	ID   string `json:"id"`
	Code int    `json:"code"`
}

type TitleChanged struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type RateLimitDetected struct {
	ID                 string `json:"id"`
	ProfileID          string `json:"profileId"`
	ResetTime          string `json:"resetTime"`
	SuggestedProfileID string `json:"suggestedProfileId,omitempty"`
	AutoSwitch         bool   `json:"autoSwitch"`
}

type TokenDetected struct {
	ID        string `json:"id"`
	ProfileID string `json:"profileId"`
	Email     string `json:"email,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type BusyChanged struct {
	ID   string `json:"id"`
	Busy bool   `json:"busy"`
}

type AssistantExited struct {
	ID string `json:"id"`
}

type PendingResumeReady struct {
	ID string `json:"id"`
}

type AuthURLDetected struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type OnboardingComplete struct {
	ID string `json:"id"`
}

// Observer receives session events. Calls arrive on the goroutine that
// produced the event and must not block for long.
type Observer interface {
	OnOutput(Output)
	OnExit(Exit)
	OnTitleChanged(TitleChanged)
	OnRateLimitDetected(RateLimitDetected)
	OnTokenDetected(TokenDetected)
	OnBusyChanged(BusyChanged)
	OnAssistantExited(AssistantExited)
	OnPendingResumeReady(PendingResumeReady)
	OnAuthURLDetected(AuthURLDetected)
	OnOnboardingComplete(OnboardingComplete)
}

// Nop ignores every event. Embed it to implement a subset.
type Nop struct{}

func (Nop) OnOutput(Output)                         {}
func (Nop) OnExit(Exit)                             {}
func (Nop) OnTitleChanged(TitleChanged)             {}
func (Nop) OnRateLimitDetected(RateLimitDetected)   {}
func (Nop) OnTokenDetected(TokenDetected)           {}
func (Nop) OnBusyChanged(BusyChanged)               {}
func (Nop) OnAssistantExited(AssistantExited)       {}
func (Nop) OnPendingResumeReady(PendingResumeReady) {}
func (Nop) OnAuthURLDetected(AuthURLDetected)       {}
func (Nop) OnOnboardingComplete(OnboardingComplete) {}

// Multi fans events out to a changing set of observers.
type Multi struct {
	mu   sync.RWMutex
	subs []Observer
}

// NewMulti returns a Multi with the given initial observers.
func NewMulti(obs ...Observer) *Multi {
	m := &Multi{}
	for _, o := range obs {
		m.Add(o)
	}
	return m
}

// Add subscribes o. Nil is ignored.
func (m *Multi) Add(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, o)
	m.mu.Unlock()
}

// Remove unsubscribes o.
func (m *Multi) Remove(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == o {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Multi) each(fn func(Observer)) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()
	for _, s := range subs {
		fn(s)
	}
}

func (m *Multi) OnOutput(e Output)             { m.each(func(o Observer) { o.OnOutput(e) }) }
func (m *Multi) OnExit(e Exit)                 { m.each(func(o Observer) { o.OnExit(e) }) }
func (m *Multi) OnTitleChanged(e TitleChanged) { m.each(func(o Observer) { o.OnTitleChanged(e) }) }
func (m *Multi) OnRateLimitDetected(e RateLimitDetected) {
	m.each(func(o Observer) { o.OnRateLimitDetected(e) })
}
func (m *Multi) OnTokenDetected(e TokenDetected) { m.each(func(o Observer) { o.OnTokenDetected(e) }) }
func (m *Multi) OnBusyChanged(e BusyChanged)     { m.each(func(o Observer) { o.OnBusyChanged(e) }) }
func (m *Multi) OnAssistantExited(e AssistantExited) {
	m.each(func(o Observer) { o.OnAssistantExited(e) })
}
func (m *Multi) OnPendingResumeReady(e PendingResumeReady) {
	m.each(func(o Observer) { o.OnPendingResumeReady(e) })
}
func (m *Multi) OnAuthURLDetected(e AuthURLDetected) {
	m.each(func(o Observer) { o.OnAuthURLDetected(e) })
}
func (m *Multi) OnOnboardingComplete(e OnboardingComplete) {
	m.each(func(o Observer) { o.OnOnboardingComplete(e) })
}
