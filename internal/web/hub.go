package web

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agentterm/internal/observer"
)

// clientBuffer is how many frames a slow client may fall behind before it
// is dropped.
const clientBuffer = 256

// frame is one message queued for a client.
type frame struct {
	binary bool
	data   []byte
}

// eventFrame is the JSON shape of every non-output event.
type eventFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data"`
}

// client receives events for one session, or every session when
// sessionID is empty. Output is delivered only when withOutput is set.
type client struct {
	sessionID  string
	withOutput bool
	out        chan frame
	gone       chan struct{}
	once       sync.Once
}

func (c *client) drop() {
	c.once.Do(func() { close(c.gone) })
}

// hub implements observer.Observer and fans events out to clients.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ observer.Observer = (*hub)(nil)

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) subscribe(sessionID string, withOutput bool) *client {
	c := &client{
		sessionID:  sessionID,
		withOutput: withOutput,
		out:        make(chan frame, clientBuffer),
		gone:       make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unsubscribe(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.drop()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.drop()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish never blocks; a client whose buffer is full is dropped.
func (h *hub) publish(sessionID string, output bool, f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != sessionID {
			continue
		}
		if output && !c.withOutput {
			continue
		}
		select {
		case c.out <- f:
		default:
			webLog.Warn("client_dropped_slow", slog.String("session_id", sessionID))
			c.drop()
		}
	}
}

func (h *hub) event(kind, sessionID string, payload any) {
	data, err := json.Marshal(eventFrame{Type: kind, SessionID: sessionID, Time: time.Now().UTC(), Data: payload})
	if err != nil {
		webLog.Error("event_marshal_failed", slog.String("type", kind), slog.String("error", err.Error()))
		return
	}
	h.publish(sessionID, false, frame{data: data})
}

func (h *hub) OnOutput(e observer.Output) {
	h.publish(e.ID, true, frame{binary: true, data: e.Data})
}

func (h *hub) OnExit(e observer.Exit)                 { h.event(observer.KindExit, e.ID, e) }
func (h *hub) OnTitleChanged(e observer.TitleChanged) { h.event(observer.KindTitleChanged, e.ID, e) }
func (h *hub) OnRateLimitDetected(e observer.RateLimitDetected) {
	h.event(observer.KindRateLimitDetected, e.ID, e)
}
func (h *hub) OnTokenDetected(e observer.TokenDetected) { h.event(observer.KindTokenDetected, e.ID, e) }
func (h *hub) OnBusyChanged(e observer.BusyChanged)     { h.event(observer.KindBusyChanged, e.ID, e) }
func (h *hub) OnAssistantExited(e observer.AssistantExited) {
	h.event(observer.KindAssistantExited, e.ID, e)
}
func (h *hub) OnPendingResumeReady(e observer.PendingResumeReady) {
	h.event(observer.KindPendingResumeReady, e.ID, e)
}
func (h *hub) OnAuthURLDetected(e observer.AuthURLDetected) {
	h.event(observer.KindAuthURLDetected, e.ID, e)
}
func (h *hub) OnOnboardingComplete(e observer.OnboardingComplete) {
	h.event(observer.KindOnboardingComplete, e.ID, e)
}
