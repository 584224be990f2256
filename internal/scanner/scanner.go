// Package scanner enumerates candidate project folders under a scan root
// and classifies each against a snapshot of live sessions (§4.A).
package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// namePolicy mirrors the restrictive folder name policy: lowercase
// alphanumerics and hyphens, not leading with a hyphen, length <= 64.
var namePolicy = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// ValidName reports whether name passes the folder name policy.
func ValidName(name string) bool {
	return namePolicy.MatchString(name)
}

// Lifecycle is a folder descriptor's classification.
type Lifecycle int

const (
	Fresh Lifecycle = iota
	Paused
	Active
	Closed
)

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l Lifecycle) String() string {
	switch l {
	case Fresh:
		return "fresh"
	case Paused:
		return "paused"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// LiveEntry is the per-folder fact a runtime registry contributes to
// classification: whether a runtime exists for the folder, and if so
// whether it currently has a turn in progress.
type LiveEntry struct {
	SessionID    string
	TurnActive   bool
	ContextPct   int
	HasRuntime   bool
}

// Descriptor is one enumerated folder (§3 data model).
type Descriptor struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	SessionID    string    `json:"sessionId,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
	Handoff      string    `json:"handoff,omitempty"`
}

// Scanner enumerates folders under Root using the session-directory layout
// collaborator contract (§4.A): <root>/<folder>/logs/sessions/*.jsonl,
// .../handoff/*.md, .../exit/<session-id>.
type Scanner struct {
	Root string
}

func New(root string) *Scanner {
	return &Scanner{Root: root}
}

// ResolveFolder validates that name passes the name policy and that the
// resulting path resolves within Root, returning the absolute path.
// Rejections carry one of two distinct substrings ("invalid folder name" or
// "scan root") so the HTTP layer can report the 400 reason the collaborator
// contract requires (§4.G) without this package depending on net/http.
func (s *Scanner) ResolveFolder(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%q: invalid folder name", name)
	}
	absRoot, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolving scan root: %w", err)
	}
	candidate := filepath.Join(absRoot, name)
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: does not resolve within scan root", name)
	}
	return candidate, nil
}

// Scan enumerates every folder under Root that passes the name policy and
// classifies it against live. Unreadable entries are skipped, not fatal.
func (s *Scanner) Scan(live map[string]LiveEntry) ([]Descriptor, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("reading scan root %s: %w", s.Root, err)
	}

	var out []Descriptor
	for _, entry := range entries {
		if !entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		d := s.describe(entry.Name(), live[entry.Name()])
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Scanner) describe(name string, live LiveEntry) Descriptor {
	folderPath := filepath.Join(s.Root, name)
	d := Descriptor{Name: name, Path: folderPath, SessionID: live.SessionID}

	sessionsDir := filepath.Join(folderPath, "logs", "sessions")
	latestSession, lastMod := latestSessionFile(sessionsDir)
	if latestSession != "" {
		d.LastActivity = lastMod
		if d.SessionID == "" {
			d.SessionID = latestSession
		}
	}

	d.Handoff = latestHandoffNote(filepath.Join(folderPath, "handoff"))

	closed := latestSession != "" && exitMarkerExists(filepath.Join(folderPath, "exit"), latestSession)

	switch {
	case closed:
		d.Lifecycle = Closed
	case live.HasRuntime && live.TurnActive:
		d.Lifecycle = Active
	case live.HasRuntime:
		d.Lifecycle = Paused
	default:
		d.Lifecycle = Fresh
	}

	return d
}

// latestSessionFile returns the session id (file name without extension)
// of the most recently modified session log, and its mtime.
func latestSessionFile(dir string) (sessionID string, lastMod time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod) {
			lastMod = info.ModTime()
			sessionID = strings.TrimSuffix(e.Name(), ".jsonl")
		}
	}
	return sessionID, lastMod
}

// latestHandoffNote reads the most-recent-by-name handoff file's contents,
// per the "most recent by name wins" collaborator contract (§6).
func latestHandoffNote(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	best := names[len(names)-1]
	data, err := os.ReadFile(filepath.Join(dir, best))
	if err != nil {
		return ""
	}
	return string(data)
}

func exitMarkerExists(exitDir, sessionID string) bool {
	_, err := os.Stat(filepath.Join(exitDir, sessionID))
	return err == nil
}
