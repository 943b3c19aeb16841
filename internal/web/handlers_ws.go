package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agentterm/internal/orchestrator"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteFrame(f frame) error {
	kind := websocket.TextMessage
	if f.binary {
		kind = websocket.BinaryMessage
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(kind, f.data)
}

func (w *wsConnWriter) status(sessionID, event string) {
	_ = w.WriteJSON(wsServerMessage{Type: "status", Event: event, SessionID: sessionID, Time: time.Now().UTC()})
}

func (w *wsConnWriter) fail(sessionID, code, message string) {
	_ = w.WriteJSON(wsServerMessage{Type: "error", Code: code, Message: message, SessionID: sessionID, Time: time.Now().UTC()})
}

// handleSessionWS attaches a terminal client to one session. The saved
// output is replayed first; afterwards output arrives as binary frames and
// every other event as a JSON text frame.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/ws/session/"
	sessionID := strings.TrimPrefix(r.URL.Path, prefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	// Subscribe before the snapshot so no output falls between the two.
	c := s.hub.subscribe(sessionID, true)
	defer s.hub.unsubscribe(c)

	sess, err := s.core.Get(sessionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeCoreError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})
	if sess.OutputBuffer != "" {
		_ = writer.WriteFrame(frame{binary: true, data: []byte(sess.OutputBuffer)})
	}
	writer.status(sessionID, "ready")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go pump(ctx, c, writer, conn)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InputRate), s.cfg.InputBurst)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			writer.fail(sessionID, "INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			writer.status(sessionID, "pong")
		case "input":
			if s.cfg.ReadOnly {
				writer.fail(sessionID, "READ_ONLY", "input is disabled in read-only mode")
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.core.Write(sessionID, msg.Data); err != nil {
				writer.fail(sessionID, "SESSION_GONE", "session is no longer running")
			}
		case "resize":
			if msg.Cols <= 0 || msg.Rows <= 0 || msg.Cols > 0xffff || msg.Rows > 0xffff {
				writer.fail(sessionID, "INVALID_SIZE", "cols and rows must be positive")
				continue
			}
			if err := s.core.Resize(sessionID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
				writer.fail(sessionID, "SESSION_GONE", "session is no longer running")
			}
		default:
			writer.fail(sessionID, "UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}

// pump forwards hub frames until the request ends or the hub drops the
// client, then closes the connection so the read loop returns.
func pump(ctx context.Context, c *client, writer *wsConnWriter, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			return
		case f := <-c.out:
			if err := writer.WriteFrame(f); err != nil {
				return
			}
		}
	}
}
