package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agentterm/internal/session"
	"github.com/asheshgoplani/agentterm/internal/store"
)

// Table column widths for sessions output
const (
	tableColID      = 12
	tableColTitle   = 24
	tableColMode    = 9
	tableColPath    = 40
	tableColDate    = 10
	tableColCount   = 8
	tableColProject = 48
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func handleSessions(args []string) error {
	if len(args) == 0 {
		printSessionsHelp()
		return nil
	}
	switch args[0] {
	case "list", "ls":
		return handleSessionsList(args[1:])
	case "dates":
		return handleSessionsDates(args[1:])
	case "clear":
		return handleSessionsClear(args[1:])
	case "find", "search":
		return handleSessionsFind(args[1:])
	case "help", "--help", "-h":
		printSessionsHelp()
		return nil
	default:
		return fmt.Errorf("unknown sessions command: %s", args[0])
	}
}

func printSessionsHelp() {
	fmt.Println("Usage: agentterm sessions <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list [--date YYYY-MM-DD]   Sessions of the newest (or given) date")
	fmt.Println("  dates                      Dates holding saved sessions")
	fmt.Println("  clear <YYYY-MM-DD>         Drop the sessions saved under a date")
	fmt.Println("  find <query>               Fuzzy search titles and paths on every date")
	fmt.Println()
	fmt.Println("Every command takes --project <path> to narrow to one project and --json.")
}

type sessionsFlags struct {
	project string
	json    bool
}

func newSessionsFlagSet(name string, sf *sessionsFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("sessions "+name, flag.ContinueOnError)
	fs.StringVar(&sf.project, "project", "", "Only this project path")
	fs.BoolVar(&sf.json, "json", false, "Output as JSON")
	return fs
}

func (sf *sessionsFlags) projectPath() (string, error) {
	if sf.project == "" {
		return "", nil
	}
	return filepath.Abs(sf.project)
}

// openStore opens the session file. Close writes the file, so only
// commands that mutate call it.
func openStore() (*store.Store, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}
	a.initLogging(false)
	return store.Open(a.dataDir)
}

func handleSessionsList(args []string) error {
	var sf sessionsFlags
	fs := newSessionsFlagSet("list", &sf)
	date := fs.String("date", "", "Date bucket (default: newest)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	project, err := sf.projectPath()
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	d := *date
	if d == "" {
		if dates := st.ListDates(project); len(dates) > 0 {
			d = dates[0].Date
		}
	}
	var list []*session.Session
	if d != "" {
		list = st.SessionsForDate(d, project)
	}
	session.SortByDisplayOrder(list)

	if sf.json {
		if list == nil {
			list = []*session.Session{}
		}
		return printJSON(map[string]any{"date": d, "sessions": list})
	}
	if len(list) == 0 {
		fmt.Println("No saved sessions.")
		return nil
	}
	fmt.Println(dimStyle.Render("Sessions saved " + d))
	fmt.Print(renderSessions(list))
	return nil
}

func renderSessions(list []*session.Session) string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		mode := "shell"
		if s.IsAssistantMode {
			mode = "assistant"
		}
		rows = append(rows, []string{
			truncate(s.ID, tableColID),
			truncate(s.Title, tableColTitle),
			mode,
			truncateLeft(s.WorkingDirectory, tableColPath),
		})
	}
	return table(
		[]string{"ID", "TITLE", "MODE", "DIRECTORY"},
		[]int{tableColID, tableColTitle, tableColMode, tableColPath},
		rows,
	)
}

func handleSessionsDates(args []string) error {
	var sf sessionsFlags
	fs := newSessionsFlagSet("dates", &sf)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	project, err := sf.projectPath()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}

	dates := st.ListDates(project)
	if sf.json {
		if dates == nil {
			dates = []store.DateSummary{}
		}
		return printJSON(dates)
	}
	if len(dates) == 0 {
		fmt.Println("No saved sessions.")
		return nil
	}
	rows := make([][]string, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, []string{d.Date, fmt.Sprint(d.SessionCount)})
	}
	fmt.Print(table([]string{"DATE", "SESSIONS"}, []int{tableColDate, tableColCount}, rows))
	return nil
}

func handleSessionsClear(args []string) error {
	var sf sessionsFlags
	fs := newSessionsFlagSet("clear", &sf)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 || !datePattern.MatchString(fs.Arg(0)) {
		return fmt.Errorf("usage: agentterm sessions clear [--project path] <YYYY-MM-DD>")
	}
	project, err := sf.projectPath()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}

	n := st.ClearSessionsForDate(fs.Arg(0), project)
	if err := st.Close(); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	if sf.json {
		return printJSON(map[string]any{"date": fs.Arg(0), "removed": n})
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("Removed %d session(s) from %s", n, fs.Arg(0))))
	return nil
}

// sessionMatch is one fuzzy search hit.
type sessionMatch struct {
	Date    string           `json:"date"`
	Session *session.Session `json:"session"`
	Score   int              `json:"score"`
}

// searchable lists sessions for fuzzy.FindFrom.
type searchable []sessionMatch

func (s searchable) String(i int) string {
	return s[i].Session.Title + " " + s[i].Session.WorkingDirectory
}

func (s searchable) Len() int { return len(s) }

// findSessions fuzzy-matches query against the title and directory of
// every session on every date, best match first.
func findSessions(st *store.Store, project, query string) []sessionMatch {
	var all searchable
	for _, d := range st.ListDates(project) {
		for _, s := range st.SessionsForDate(d.Date, project) {
			all = append(all, sessionMatch{Date: d.Date, Session: s})
		}
	}
	matches := fuzzy.FindFrom(query, all)
	out := make([]sessionMatch, 0, len(matches))
	for _, m := range matches {
		hit := all[m.Index]
		hit.Score = m.Score
		out = append(out, hit)
	}
	return out
}

func handleSessionsFind(args []string) error {
	var sf sessionsFlags
	fs := newSessionsFlagSet("find", &sf)
	limit := fs.Int("limit", 20, "Maximum results")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentterm sessions find [--project path] <query>")
	}
	project, err := sf.projectPath()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}

	matches := findSessions(st, project, fs.Arg(0))
	if *limit > 0 && len(matches) > *limit {
		matches = matches[:*limit]
	}
	if sf.json {
		return printJSON(matches)
	}
	if len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "No sessions match %q\n", fs.Arg(0))
		return nil
	}
	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, []string{
			m.Date,
			truncate(m.Session.ID, tableColID),
			truncate(m.Session.Title, tableColTitle),
			truncateLeft(m.Session.ProjectPath, tableColProject),
		})
	}
	fmt.Print(table(
		[]string{"DATE", "ID", "TITLE", "PROJECT"},
		[]int{tableColDate, tableColID, tableColTitle, tableColProject},
		rows,
	))
	return nil
}
