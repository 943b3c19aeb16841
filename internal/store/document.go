package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asheshgoplani/agentterm/internal/session"
)

// CurrentVersion is the document version written by this package.
const CurrentVersion = 2

const dateLayout = "2006-01-02"

// Buckets maps projectPath to the sessions recorded for it on one day.
type Buckets map[string][]*session.Session

// Document is the persisted shape of sessions.json.
type Document struct {
	Version        int                `json:"version"`
	SessionsByDate map[string]Buckets `json:"sessionsByDate"`
}

func newDocument() *Document {
	return &Document{Version: CurrentVersion, SessionsByDate: map[string]Buckets{}}
}

// docShape detects which document shape a file holds.
type docShape struct {
	Version        *int            `json:"version"`
	SessionsByDate json.RawMessage `json:"sessionsByDate"`
	Sessions       json.RawMessage `json:"sessions"`
}

var errUnrecognized = errors.New("unrecognized session document")

// decodeDocument parses data as either the current or the legacy flat shape.
// Legacy sessions are placed into today's bucket, grouped by projectPath.
// migrated reports whether the legacy path was taken.
func decodeDocument(data []byte, today string) (doc *Document, migrated bool, err error) {
	var p docShape
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("parse session document: %w", err)
	}

	switch {
	case len(p.SessionsByDate) > 0 && string(p.SessionsByDate) != "null":
		doc = newDocument()
		if err := json.Unmarshal(p.SessionsByDate, &doc.SessionsByDate); err != nil {
			return nil, false, fmt.Errorf("parse sessionsByDate: %w", err)
		}
		if doc.SessionsByDate == nil {
			doc.SessionsByDate = map[string]Buckets{}
		}
	case len(p.Sessions) > 0 && string(p.Sessions) != "null":
		if p.Version != nil && *p.Version >= CurrentVersion {
			return nil, false, fmt.Errorf("%w: version %d with flat sessions", errUnrecognized, *p.Version)
		}
		var flat []*session.Session
		if err := json.Unmarshal(p.Sessions, &flat); err != nil {
			return nil, false, fmt.Errorf("parse legacy sessions: %w", err)
		}
		doc = newDocument()
		buckets := Buckets{}
		for _, s := range flat {
			if s == nil {
				continue
			}
			buckets[s.ProjectPath] = append(buckets[s.ProjectPath], s)
		}
		if len(buckets) > 0 {
			doc.SessionsByDate[today] = buckets
		}
		migrated = true
	case p.Version != nil:
		// A versioned document with no sessions at all.
		doc = newDocument()
	default:
		return nil, false, errUnrecognized
	}

	if err := validate(doc); err != nil {
		return nil, false, err
	}
	return doc, migrated, nil
}

func validate(doc *Document) error {
	for date, buckets := range doc.SessionsByDate {
		if _, err := time.Parse(dateLayout, date); err != nil {
			return fmt.Errorf("invalid date bucket %q: %w", date, err)
		}
		for project, list := range buckets {
			for i, s := range list {
				if s == nil || s.ID == "" {
					return fmt.Errorf("session %d in %s/%s has no id", i, date, project)
				}
			}
		}
	}
	return nil
}
