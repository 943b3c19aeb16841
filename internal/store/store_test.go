package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentterm/internal/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(date string) *fakeClock {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		panic(err)
	}
	return &fakeClock{t: t.Add(9 * time.Hour)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(date string) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.t = t.Add(9 * time.Hour)
	c.mu.Unlock()
}

func openStore(t *testing.T, dir string, clk *fakeClock, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id, project string) *session.Session {
	return &session.Session{
		ID:               id,
		Title:            "Terminal " + id,
		WorkingDirectory: project,
		ProjectPath:      project,
		CreatedAt:        time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func readDoc(t *testing.T, path string) *Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return &doc
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestSaveSessionTwiceKeepsOneBoundedEntry(t *testing.T) {
	clk := newClock("2026-03-20")
	s := openStore(t, t.TempDir(), clk)

	sess := newSession("a", "/proj")
	sess.OutputBuffer = strings.Repeat("x", session.MaxOutputChars+50_000)
	s.SaveSession(sess)
	sess.Title = "renamed"
	s.SaveSession(sess)

	got := s.GetSessions("/proj")
	require.Len(t, got, 1)
	assert.Equal(t, "renamed", got[0].Title)
	assert.Len(t, got[0].OutputBuffer, session.MaxOutputChars)
	assert.Equal(t, clk.Now(), got[0].LastActiveAt)
}

func TestSaveSessionPreservesDisplayOrder(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))

	sess := newSession("a", "/proj")
	sess.DisplayOrder = session.IntPtr(4)
	s.SaveSession(sess)

	sess.DisplayOrder = nil
	s.SaveSession(sess)
	got := s.GetSessions("/proj")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].DisplayOrder)
	assert.Equal(t, 4, *got[0].DisplayOrder)

	sess.DisplayOrder = session.IntPtr(1)
	s.SaveSession(sess)
	assert.Equal(t, 1, *s.GetSessions("/proj")[0].DisplayOrder)
}

func TestSaveSessionStoresCopy(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	sess := newSession("a", "/proj")
	s.SaveSession(sess)
	sess.Title = "mutated after save"

	assert.Equal(t, "Terminal a", s.GetSessions("/proj")[0].Title)
}

func TestPendingDeleteBlocksUpsert(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/proj"))
	s.SaveSession(newSession("b", "/proj"))

	s.RemoveSession("/proj", "a")
	require.True(t, s.IsPendingDelete("a"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SaveSession(newSession("a", "/proj"))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Flush())

	got := s.GetSessions("/proj")
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	doc := readDoc(t, filepath.Join(s.Dir(), MainFileName))
	for _, list := range doc.SessionsByDate["2026-03-20"] {
		for _, sess := range list {
			assert.NotEqual(t, "a", sess.ID)
		}
	}
}

func TestPendingDeleteExpiresAfterGrace(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"), WithDeleteGrace(20*time.Millisecond))
	s.SaveSession(newSession("a", "/proj"))
	s.RemoveSession("/proj", "a")
	require.True(t, s.IsPendingDelete("a"))

	require.Eventually(t, func() bool { return !s.IsPendingDelete("a") },
		time.Second, 5*time.Millisecond)

	s.SaveSession(newSession("a", "/proj"))
	assert.Len(t, s.GetSessions("/proj"), 1)
}

func TestRemoveSessionDeduplicatesTimers(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"), WithDeleteGrace(time.Hour))
	s.RemoveSession("/proj", "a")
	first := s.deleteTimers["a"]
	s.RemoveSession("/proj", "a")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.deleteTimers, 1)
	assert.NotSame(t, first, s.deleteTimers["a"])
}

func TestRoundTripReproducesFields(t *testing.T) {
	dir := t.TempDir()
	clk := newClock("2026-03-20")
	s, err := Open(dir, WithClock(clk.Now))
	require.NoError(t, err)

	sess := newSession("a", "/proj")
	sess.WorkingDirectory = "/proj/sub"
	sess.IsAssistantMode = true
	sess.AssistantSessionID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	sess.OutputBuffer = "hello ✓\r\n"
	sess.WorktreeConfig = &session.WorktreeConfig{Path: "/wt", Branch: "feat", RepoRoot: "/proj"}
	sess.DisplayOrder = session.IntPtr(2)
	s.SaveSession(sess)
	require.NoError(t, s.Close())

	reopened := openStore(t, dir, clk)
	got := reopened.SessionsForDate("2026-03-20", "/proj")
	require.Len(t, got, 1)
	g := got[0]
	assert.Equal(t, sess.ID, g.ID)
	assert.Equal(t, sess.Title, g.Title)
	assert.Equal(t, sess.WorkingDirectory, g.WorkingDirectory)
	assert.Equal(t, sess.ProjectPath, g.ProjectPath)
	assert.True(t, g.IsAssistantMode)
	assert.Equal(t, sess.AssistantSessionID, g.AssistantSessionID)
	assert.Equal(t, sess.OutputBuffer, g.OutputBuffer)
	assert.True(t, sess.CreatedAt.Equal(g.CreatedAt))
	assert.Equal(t, *sess.WorktreeConfig, *g.WorktreeConfig)
	assert.Equal(t, 2, *g.DisplayOrder)
}

func TestLegacyDocumentMigratesToToday(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), `{
		"version": 1,
		"sessions": [
			{"id": "a", "title": "A", "projectPath": "/p1"},
			{"id": "b", "title": "B", "projectPath": "/p2"},
			{"id": "c", "title": "C", "projectPath": "/p1"}
		]
	}`)

	s := openStore(t, dir, newClock("2026-03-20"))

	dates := s.ListDates("")
	require.Len(t, dates, 1)
	assert.Equal(t, DateSummary{Date: "2026-03-20", SessionCount: 3}, dates[0])
	assert.Len(t, s.SessionsForDate("2026-03-20", "/p1"), 2)
	assert.Len(t, s.SessionsForDate("2026-03-20", "/p2"), 1)

	doc := readDoc(t, filepath.Join(dir, MainFileName))
	assert.Equal(t, CurrentVersion, doc.Version)
	assert.Len(t, doc.SessionsByDate["2026-03-20"]["/p1"], 2)
}

func TestLegacyDocumentWithoutVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), `{"sessions": [{"id": "a", "projectPath": "/p"}]}`)

	s := openStore(t, dir, newClock("2026-03-20"))
	assert.Len(t, s.GetSessions("/p"), 1)
}

func TestCleanupRetainsCutoffBucket(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), `{
		"version": 2,
		"sessionsByDate": {
			"2026-03-09": {"/p": [{"id": "old"}]},
			"2026-03-10": {"/p": [{"id": "cutoff"}]},
			"2026-03-19": {"/p": [{"id": "recent"}]}
		}
	}`)

	s := openStore(t, dir, newClock("2026-03-20"))

	assert.Empty(t, s.SessionsForDate("2026-03-09", ""))
	assert.Len(t, s.SessionsForDate("2026-03-10", ""), 1)
	assert.Len(t, s.SessionsForDate("2026-03-19", ""), 1)

	doc := readDoc(t, filepath.Join(dir, MainFileName))
	assert.NotContains(t, doc.SessionsByDate, "2026-03-09")
	assert.Contains(t, doc.SessionsByDate, "2026-03-10")
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), `{"version": 2, "sessionsBy`)
	writeFile(t, filepath.Join(dir, BackupFileName),
		`{"version": 2, "sessionsByDate": {"2026-03-20": {"/p": [{"id": "from-backup"}]}}}`)

	s := openStore(t, dir, newClock("2026-03-20"))

	got := s.GetSessions("/p")
	require.Len(t, got, 1)
	assert.Equal(t, "from-backup", got[0].ID)

	restored := readDoc(t, filepath.Join(dir, MainFileName))
	assert.Len(t, restored.SessionsByDate["2026-03-20"]["/p"], 1)
}

func TestLoadRejectsInvalidDocumentShape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName),
		`{"version": 2, "sessionsByDate": {"not-a-date": {"/p": [{"id": "x"}]}}}`)
	writeFile(t, filepath.Join(dir, BackupFileName),
		`{"version": 2, "sessionsByDate": {"2026-03-20": {"/p": [{"id": "ok"}]}}}`)

	s := openStore(t, dir, newClock("2026-03-20"))
	got := s.GetSessions("/p")
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

func TestLoadStartsEmptyWhenBothCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), "not json")
	writeFile(t, filepath.Join(dir, BackupFileName), "{also not")

	s := openStore(t, dir, newClock("2026-03-20"))
	assert.Empty(t, s.ListDates(""))
	assert.Empty(t, s.GetSessions("/p"))
}

func TestSaveDiscardsCorruptMainInsteadOfBackingUp(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, MainFileName), "garbage")

	s := openStore(t, dir, newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/p"))
	require.NoError(t, s.Flush())

	_, err := os.Stat(filepath.Join(dir, BackupFileName))
	assert.True(t, os.IsNotExist(err), "corrupt main must not become the backup")
	assert.Len(t, readDoc(t, filepath.Join(dir, MainFileName)).SessionsByDate["2026-03-20"]["/p"], 1)
}

func TestSaveRotatesPreviousMainToBackup(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, newClock("2026-03-20"))

	s.SaveSession(newSession("a", "/p"))
	require.NoError(t, s.Flush())
	s.SaveSession(newSession("b", "/p"))
	require.NoError(t, s.Flush())

	backup := readDoc(t, filepath.Join(dir, BackupFileName))
	main := readDoc(t, filepath.Join(dir, MainFileName))
	assert.Len(t, main.SessionsByDate["2026-03-20"]["/p"], 2)
	assert.NotEmpty(t, backup.SessionsByDate["2026-03-20"]["/p"])

	_, err := os.Stat(filepath.Join(dir, TempFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveAsyncCoalesces(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	base := s.writes.Load()

	// Hold the writer so the first async save blocks mid-flight.
	s.writeMu.Lock()
	for i := 0; i < 10; i++ {
		s.SaveAsync()
	}
	s.writeMu.Unlock()
	s.Wait()

	assert.Equal(t, int64(2), s.writes.Load()-base)
}

func TestSaveWritesStateCurrentWhenItGetsTheWriter(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/p"))
	require.NoError(t, s.Flush())

	s.writeMu.Lock()
	done := make(chan error, 1)
	go func() { done <- s.Save() }()
	time.Sleep(20 * time.Millisecond)

	// Mutate while Save waits for the writer; it must not write an older view.
	s.mu.Lock()
	bucket := s.doc.SessionsByDate["2026-03-20"]
	bucket["/p"] = append(bucket["/p"], newSession("late", "/p"))
	s.mu.Unlock()
	s.writeMu.Unlock()
	require.NoError(t, <-done)

	ids := []string{}
	for _, sess := range readDoc(t, filepath.Join(dir, MainFileName)).SessionsByDate["2026-03-20"]["/p"] {
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, []string{"a", "late"}, ids)
}

func TestSaveFailuresEscalateAndReset(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, newClock("2026-03-20"))

	// A directory in the temp slot makes every write fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, TempFileName), 0o700))
	for i := 1; i <= 4; i++ {
		require.Error(t, s.Save())
		assert.Equal(t, i, s.ConsecutiveFailures())
	}

	require.NoError(t, os.Remove(filepath.Join(dir, TempFileName)))
	require.NoError(t, s.Save())
	assert.Zero(t, s.ConsecutiveFailures())
}

func TestMutationsNeverReturnDiskErrors(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, newClock("2026-03-20"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, TempFileName), 0o700))

	s.SaveSession(newSession("a", "/p"))
	s.Wait()
	assert.Len(t, s.GetSessions("/p"), 1)
	assert.GreaterOrEqual(t, s.ConsecutiveFailures(), 1)
	require.NoError(t, os.Remove(filepath.Join(dir, TempFileName)))
}

func TestGetSessionsMigratesMostRecentEarlierDate(t *testing.T) {
	dir := t.TempDir()
	live := t.TempDir()
	clk := newClock("2026-03-12")
	s := openStore(t, dir, clk)

	a := newSession("a", "/p")
	a.WorktreeConfig = &session.WorktreeConfig{Path: live}
	b := newSession("b", "/p")
	b.WorktreeConfig = &session.WorktreeConfig{Path: filepath.Join(live, "gone")}
	s.SaveSession(a)
	s.SaveSession(b)

	clk.Set("2026-03-14")
	s.SaveSession(newSession("other", "/elsewhere"))

	clk.Set("2026-03-15")
	got := s.GetSessions("/p")
	require.Len(t, got, 2)
	byID := map[string]*session.Session{got[0].ID: got[0], got[1].ID: got[1]}
	require.NotNil(t, byID["a"].WorktreeConfig)
	assert.Nil(t, byID["b"].WorktreeConfig)

	assert.Empty(t, s.SessionsForDate("2026-03-12", ""), "source bucket must be removed")
	assert.Len(t, s.SessionsForDate("2026-03-15", "/p"), 2)
	assert.Len(t, s.SessionsForDate("2026-03-14", "/elsewhere"), 1)

	// Single-shot: a second read returns today's bucket without moving anything.
	again := s.GetSessions("/p")
	assert.Len(t, again, 2)
	assert.Equal(t, []DateSummary{
		{Date: "2026-03-15", SessionCount: 2},
		{Date: "2026-03-14", SessionCount: 1},
	}, s.ListDates(""))
}

func TestGetSessionsConcurrentReadersMigrateOnce(t *testing.T) {
	clk := newClock("2026-03-12")
	s := openStore(t, t.TempDir(), clk)
	for _, id := range []string{"a", "b", "c"} {
		s.SaveSession(newSession(id, "/p"))
	}
	clk.Set("2026-03-13")

	var wg sync.WaitGroup
	counts := make([]int, 16)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i] = len(s.GetSessions("/p"))
		}(i)
	}
	wg.Wait()

	for _, n := range counts {
		assert.Equal(t, 3, n)
	}
	assert.Len(t, s.SessionsForDate("2026-03-13", "/p"), 3)
	assert.Empty(t, s.SessionsForDate("2026-03-12", "/p"))
}

func TestGetSessionsUnknownProject(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	got := s.GetSessions("/nothing")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestClearSessionsForDate(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/p1"))
	s.SaveSession(newSession("b", "/p1"))
	s.SaveSession(newSession("c", "/p2"))

	assert.Equal(t, 2, s.ClearSessionsForDate("2026-03-20", "/p1"))
	assert.Equal(t, []DateSummary{{Date: "2026-03-20", SessionCount: 1}}, s.ListDates(""))
	assert.Empty(t, s.ListDates("/p1"))

	assert.Equal(t, 1, s.ClearDate("2026-03-20"))
	assert.Empty(t, s.ListDates(""))
	assert.Zero(t, s.ClearDate("2026-03-20"))
}

func TestUpdateAssistantSessionID(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/p"))

	assert.True(t, s.UpdateAssistantSessionID("/p", "a", "conv-1"))
	assert.Equal(t, "conv-1", s.GetSessions("/p")[0].AssistantSessionID)
	assert.False(t, s.UpdateAssistantSessionID("/p", "missing", "conv-2"))

	s.RemoveSession("/p", "a")
	assert.False(t, s.UpdateAssistantSessionID("/p", "a", "conv-3"))
}

func TestUpdateDisplayOrders(t *testing.T) {
	s := openStore(t, t.TempDir(), newClock("2026-03-20"))
	s.SaveSession(newSession("a", "/p"))
	s.SaveSession(newSession("b", "/p"))

	n := s.UpdateDisplayOrders("/p", map[string]int{"a": 1, "b": 0, "zzz": 5})
	assert.Equal(t, 2, n)

	got := s.GetSessions("/p")
	session.SortByDisplayOrder(got)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}
