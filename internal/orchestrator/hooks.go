package orchestrator

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/agentterm/internal/classifier"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/ptyproc"
)

// onOutput runs on the process reader goroutine for every chunk.
func (o *Orchestrator) onOutput(h *ptyproc.Handle, data []byte) {
	o.obs.OnOutput(observer.Output{ID: h.ID, Data: data})

	e := o.lookup(h)
	if e == nil {
		return
	}

	o.mu.Lock()
	ready := !e.sawOutput && h.PendingResume()
	e.sawOutput = true
	o.mu.Unlock()
	if ready {
		o.obs.OnPendingResumeReady(observer.PendingResumeReady{ID: h.ID})
		if o.autoResume {
			go func() {
				if err := o.ResumeAssistant(context.Background(), h.ID); err != nil {
					orchLog.Warn("auto_resume_failed", slog.String("session_id", h.ID), slog.String("error", err.Error()))
				}
			}()
		}
	}

	assistant := h.AssistantMode()
	obs := o.tracker.Observe(h.ID, string(data), assistant)
	if obs.Changed {
		o.stateChanged(e, obs)
	}
	o.handleSignals(e, obs.Signals, assistant)
}

func (o *Orchestrator) stateChanged(e *entry, obs classifier.Observation) {
	h := e.h
	wasBusy := obs.Previous == classifier.StateBusy
	isBusy := obs.State == classifier.StateBusy
	if wasBusy != isBusy {
		o.obs.OnBusyChanged(observer.BusyChanged{ID: h.ID, Busy: isBusy})
	}

	if obs.State != classifier.StateExited {
		return
	}
	h.SetAssistantMode(false)
	o.tracker.Reset(h.ID)
	o.persist(e)
	orchLog.Info("assistant_exited",
		slog.String("session_id", h.ID),
		slog.Any("matched", obs.Matched))
	o.obs.OnAssistantExited(observer.AssistantExited{ID: h.ID})
}

// handleSignals acts on extracted signals. Session ids and rate limits only
// count while the assistant runs; a plain shell can print either. Tokens
// and auth URLs come from login flows and are taken in any mode.
func (o *Orchestrator) handleSignals(e *entry, s classifier.Signals, assistant bool) {
	if s.Empty() {
		return
	}
	h := e.h

	if assistant && s.SessionID != "" {
		o.captureSessionID(e, s.SessionID)
	}
	if assistant && s.RateLimitReset != "" {
		o.proto.HandleRateLimit(context.Background(), h, s.RateLimitReset)
	}
	if s.Token != "" {
		o.proto.HandleToken(h, s.Token, s.Email)
	}

	o.mu.Lock()
	newURL := s.AuthURL != "" && s.AuthURL != e.authURL
	if newURL {
		e.authURL = s.AuthURL
	}
	onboarded := s.OnboardingComplete && !e.onboarded
	if onboarded {
		e.onboarded = true
	}
	o.mu.Unlock()

	if newURL {
		o.obs.OnAuthURLDetected(observer.AuthURLDetected{ID: h.ID, URL: s.AuthURL})
	}
	if onboarded {
		o.obs.OnOnboardingComplete(observer.OnboardingComplete{ID: h.ID})
	}
}

func (o *Orchestrator) captureSessionID(e *entry, assistantSessionID string) {
	o.mu.Lock()
	if e.sess.AssistantSessionID == assistantSessionID {
		o.mu.Unlock()
		return
	}
	e.sess.AssistantSessionID = assistantSessionID
	project := e.sess.ProjectPath
	o.mu.Unlock()

	orchLog.Info("assistant_session_captured",
		slog.String("session_id", e.h.ID),
		slog.String("assistant_session_id", assistantSessionID))
	if !o.store.UpdateAssistantSessionID(project, e.h.ID, assistantSessionID) {
		o.persist(e)
	}
}

// onExit drops the entry if it still owns h. The record stays in the store
// so the session can be restored later.
func (o *Orchestrator) onExit(h *ptyproc.Handle, code int) {
	o.mu.Lock()
	e := o.live[h.ID]
	owned := e != nil && e.h == h
	if owned {
		delete(o.live, h.ID)
	}
	closed := o.closed
	o.mu.Unlock()

	if owned {
		if !closed {
			o.persist(e)
		}
		o.tracker.Forget(h.ID)
		o.proto.Forget(h.ID)
	}
	o.obs.OnExit(observer.Exit{ID: h.ID, Code: code})
}
