package classifier

import "sync"

// Observation is a classification together with the per-session change flag.
type Observation struct {
	Result
	Previous State
	// Changed is set only when State differs from the last reported state
	// for the session.
	Changed bool
}

// Tracker remembers the last reported state per session id so repeated
// chunks with the same state produce a single notification.
type Tracker struct {
	c *Classifier

	mu   sync.Mutex
	last map[string]State
}

// NewTracker returns a tracker over c (the default classifier when nil).
func NewTracker(c *Classifier) *Tracker {
	if c == nil {
		c = New()
	}
	return &Tracker{c: c, last: make(map[string]State)}
}

// Observe classifies chunk for session id. State detection only runs in
// assistant mode; signal extraction always runs.
func (t *Tracker) Observe(id, chunk string, assistantMode bool) Observation {
	text := Normalize(chunk)
	signals := Extract(text)
	if !assistantMode {
		return Observation{Result: Result{Signals: signals}}
	}

	res := t.c.detect(text)
	res.Signals = signals
	obs := Observation{Result: res}

	t.mu.Lock()
	defer t.mu.Unlock()
	obs.Previous = t.last[id]
	if obs.State != StateNone && obs.State != obs.Previous {
		t.last[id] = obs.State
		obs.Changed = true
	}
	return obs
}

// Last returns the last reported state for id.
func (t *Tracker) Last(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[id]
}

// Reset clears the reported state so the next detected state notifies again.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	delete(t.last, id)
	t.mu.Unlock()
}

// Forget drops all state for id.
func (t *Tracker) Forget(id string) {
	t.Reset(id)
}
