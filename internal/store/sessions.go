package store

import (
	"log/slog"
	"sort"
	"time"

	"github.com/asheshgoplani/agentterm/internal/session"
)

// DateSummary is one entry of ListDates.
type DateSummary struct {
	Date         string `json:"date"`
	SessionCount int    `json:"sessionCount"`
}

// SaveSession upserts sess into today's bucket for its project. Ids in the
// pending-delete set are ignored without touching state.
func (s *Store) SaveSession(sess *session.Session) {
	if sess == nil || sess.ID == "" {
		return
	}

	s.mu.Lock()
	if _, pending := s.pendingDelete[sess.ID]; pending {
		s.mu.Unlock()
		storeLog.Debug("save_skipped_pending_delete", slog.String("session_id", sess.ID))
		return
	}

	rec := sess.Clone()
	rec.OutputBuffer = session.Truncate(rec.OutputBuffer)
	rec.LastActiveAt = s.now()

	today := s.today()
	buckets := s.doc.SessionsByDate[today]
	if buckets == nil {
		buckets = Buckets{}
		s.doc.SessionsByDate[today] = buckets
	}
	list := buckets[rec.ProjectPath]
	replaced := false
	for i, existing := range list {
		if existing.ID != rec.ID {
			continue
		}
		if rec.DisplayOrder == nil && existing.DisplayOrder != nil {
			rec.DisplayOrder = session.IntPtr(*existing.DisplayOrder)
		}
		list[i] = rec
		replaced = true
		break
	}
	if !replaced {
		list = append(list, rec)
	}
	buckets[rec.ProjectPath] = list
	s.mu.Unlock()

	s.SaveAsync()
}

// GetSessions returns today's sessions for projectPath. When today has none,
// the most recent earlier bucket for the project is moved into today first.
// The move happens under the store lock, so concurrent callers migrate once.
func (s *Store) GetSessions(projectPath string) []*session.Session {
	s.mu.Lock()
	today := s.today()
	if list := s.doc.SessionsByDate[today][projectPath]; len(list) > 0 {
		out := cloneAll(list)
		s.mu.Unlock()
		return out
	}

	source := ""
	for _, date := range s.datesDescLocked() {
		if date >= today {
			continue
		}
		if len(s.doc.SessionsByDate[date][projectPath]) > 0 {
			source = date
			break
		}
	}
	if source == "" {
		s.mu.Unlock()
		return []*session.Session{}
	}

	moved := s.doc.SessionsByDate[source][projectPath]
	for _, sess := range moved {
		if sess.WorktreeConfig == nil {
			continue
		}
		if _, err := s.stat(sess.WorktreeConfig.Path); err != nil {
			storeLog.Info("worktree_cleared",
				slog.String("session_id", sess.ID),
				slog.String("path", sess.WorktreeConfig.Path))
			sess.WorktreeConfig = nil
		}
	}

	if s.doc.SessionsByDate[today] == nil {
		s.doc.SessionsByDate[today] = Buckets{}
	}
	s.doc.SessionsByDate[today][projectPath] = moved
	delete(s.doc.SessionsByDate[source], projectPath)
	if len(s.doc.SessionsByDate[source]) == 0 {
		delete(s.doc.SessionsByDate, source)
	}
	out := cloneAll(moved)
	s.mu.Unlock()

	storeLog.Info("sessions_migrated",
		slog.String("project", projectPath),
		slog.String("from", source),
		slog.String("to", today),
		slog.Int("count", len(out)))
	s.SaveAsync()
	return out
}

// RemoveSession deletes id from projectPath (every project when empty). The
// id is marked pending-delete before state changes and stays marked for the
// grace window.
func (s *Store) RemoveSession(projectPath, id string) {
	s.mu.Lock()
	s.pendingDelete[id] = struct{}{}
	s.scheduleExpiryLocked(id)

	for date, buckets := range s.doc.SessionsByDate {
		for project, list := range buckets {
			if projectPath != "" && project != projectPath {
				continue
			}
			filtered := list[:0:0]
			for _, sess := range list {
				if sess.ID != id {
					filtered = append(filtered, sess)
				}
			}
			if len(filtered) == len(list) {
				continue
			}
			if len(filtered) == 0 {
				delete(buckets, project)
			} else {
				buckets[project] = filtered
			}
		}
		if len(buckets) == 0 {
			delete(s.doc.SessionsByDate, date)
		}
	}
	s.mu.Unlock()

	s.SaveAsync()
}

// scheduleExpiryLocked (re)arms the grace timer for id. A timer that fires
// after being superseded does nothing.
func (s *Store) scheduleExpiryLocked(id string) {
	if old, ok := s.deleteTimers[id]; ok {
		old.t.Stop()
	}
	if s.closed {
		return
	}
	dt := &deleteTimer{}
	dt.t = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.deleteTimers[id] != dt {
			return
		}
		delete(s.deleteTimers, id)
		delete(s.pendingDelete, id)
	})
	s.deleteTimers[id] = dt
}

// IsPendingDelete reports whether id was removed within the grace window.
func (s *Store) IsPendingDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pendingDelete[id]
	return ok
}

// ListDates returns dates holding sessions, newest first, with counts.
// An empty projectPath counts every project.
func (s *Store) ListDates(projectPath string) []DateSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DateSummary
	for _, date := range s.datesDescLocked() {
		n := 0
		for project, list := range s.doc.SessionsByDate[date] {
			if projectPath == "" || project == projectPath {
				n += len(list)
			}
		}
		if n > 0 {
			out = append(out, DateSummary{Date: date, SessionCount: n})
		}
	}
	return out
}

// SessionsForDate returns copies of the sessions stored under date.
// An empty projectPath returns every project, ordered by project path.
func (s *Store) SessionsForDate(date, projectPath string) []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets := s.doc.SessionsByDate[date]
	if projectPath != "" {
		return cloneAll(buckets[projectPath])
	}
	projects := make([]string, 0, len(buckets))
	for p := range buckets {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	out := []*session.Session{}
	for _, p := range projects {
		out = append(out, cloneAll(buckets[p])...)
	}
	return out
}

// ClearDate removes a whole date bucket and returns the number of sessions dropped.
func (s *Store) ClearDate(date string) int {
	return s.ClearSessionsForDate(date, "")
}

// ClearSessionsForDate removes the sessions of one project (or all projects
// when projectPath is empty) under date.
func (s *Store) ClearSessionsForDate(date, projectPath string) int {
	s.mu.Lock()
	buckets := s.doc.SessionsByDate[date]
	n := 0
	if projectPath == "" {
		for _, list := range buckets {
			n += len(list)
		}
		delete(s.doc.SessionsByDate, date)
	} else if list, ok := buckets[projectPath]; ok {
		n = len(list)
		delete(buckets, projectPath)
		if len(buckets) == 0 {
			delete(s.doc.SessionsByDate, date)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.SaveAsync()
	}
	return n
}

// UpdateAssistantSessionID records the assistant's own conversation id.
// Today's bucket is searched first, then older ones.
func (s *Store) UpdateAssistantSessionID(projectPath, id, assistantSessionID string) bool {
	s.mu.Lock()
	if _, pending := s.pendingDelete[id]; pending {
		s.mu.Unlock()
		return false
	}
	found := false
	for _, date := range s.datesDescLocked() {
		for _, sess := range s.doc.SessionsByDate[date][projectPath] {
			if sess.ID == id {
				sess.AssistantSessionID = assistantSessionID
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.SaveAsync()
	}
	return found
}

// UpdateDisplayOrders sets DisplayOrder for the listed ids in today's bucket.
func (s *Store) UpdateDisplayOrders(projectPath string, orders map[string]int) int {
	s.mu.Lock()
	n := 0
	for _, sess := range s.doc.SessionsByDate[s.today()][projectPath] {
		if order, ok := orders[sess.ID]; ok {
			sess.DisplayOrder = session.IntPtr(order)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.SaveAsync()
	}
	return n
}

func (s *Store) datesDescLocked() []string {
	dates := make([]string, 0, len(s.doc.SessionsByDate))
	for d := range s.doc.SessionsByDate {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

func cloneAll(list []*session.Session) []*session.Session {
	out := make([]*session.Session, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Clone())
	}
	return out
}
