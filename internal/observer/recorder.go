package observer

import "sync"

// Recorded is one captured event with its kind.
type Recorded struct {
	Kind  string
	Event any
}

// Recorder stores every event in arrival order. Intended for tests and
// for replaying recent events to late subscribers.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) add(kind string, e any) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Kind: kind, Event: e})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Kinds returns the kinds of recorded events, excluding output.
func (r *Recorder) Kinds() []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind != KindOutput {
			out = append(out, e.Kind)
		}
	}
	return out
}

// OfKind returns the events of one kind.
func (r *Recorder) OfKind(kind string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Event)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Recorder) OnOutput(e Output)                         { r.add(KindOutput, e) }
func (r *Recorder) OnExit(e Exit)                             { r.add(KindExit, e) }
func (r *Recorder) OnTitleChanged(e TitleChanged)             { r.add(KindTitleChanged, e) }
func (r *Recorder) OnRateLimitDetected(e RateLimitDetected)   { r.add(KindRateLimitDetected, e) }
func (r *Recorder) OnTokenDetected(e TokenDetected)           { r.add(KindTokenDetected, e) }
func (r *Recorder) OnBusyChanged(e BusyChanged)               { r.add(KindBusyChanged, e) }
func (r *Recorder) OnAssistantExited(e AssistantExited)       { r.add(KindAssistantExited, e) }
func (r *Recorder) OnPendingResumeReady(e PendingResumeReady) { r.add(KindPendingResumeReady, e) }
func (r *Recorder) OnAuthURLDetected(e AuthURLDetected)       { r.add(KindAuthURLDetected, e) }
func (r *Recorder) OnOnboardingComplete(e OnboardingComplete) { r.add(KindOnboardingComplete, e) }
