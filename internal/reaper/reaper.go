// Package reaper implements the orphan reaper (§4.H): on process start it
// reads the persisted records file, politely terminates any child whose PID
// is still alive, then deletes the file so a clean run starts empty. While
// running, it re-persists the records file, debounced, whenever the set of
// live runtimes with children changes.
package reaper

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Record is one persisted entry: a child this broker spawned and has not
// yet confirmed exited.
type Record struct {
	SessionID string    `json:"sessionId"`
	Folder    string    `json:"folder"`
	PID       int       `json:"pid"`
	SpawnedAt time.Time `json:"spawnedAt"`
}

func loadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading records file %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing records file %s: %w", path, err)
	}
	return records, nil
}

func writeRecords(path string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling records: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating records dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReapOnBoot implements §4.H's boot sequence: records younger than maxAge
// are probed with gopsutil and, if still alive, sent the polite termination
// signal; the file is then deleted regardless of outcome so the next start
// has nothing to reap. Returns the number of processes signalled.
func ReapOnBoot(path string, maxAge time.Duration) (int, error) {
	records, err := loadRecords(path)
	if err != nil {
		return 0, err
	}

	signalled := 0
	now := time.Now()
	for _, r := range records {
		if now.Sub(r.SpawnedAt) > maxAge {
			continue
		}
		proc, err := process.NewProcess(int32(r.PID))
		if err != nil {
			continue
		}
		alive, err := proc.IsRunning()
		if err != nil || !alive {
			continue
		}
		if err := proc.SendSignal(syscall.SIGTERM); err != nil {
			log.Printf("[reaper] signalling orphaned pid %d (folder %s): %v", r.PID, r.Folder, err)
			continue
		}
		signalled++
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return signalled, fmt.Errorf("removing records file %s: %w", path, err)
	}
	return signalled, nil
}

// Tracker maintains the live set of {session, folder, pid} records and
// persists it to disk, debounced, whenever the set changes — the same
// one-timer coalescing idiom the conflator uses.
type Tracker struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	records map[string]Record // keyed by folder
	timer   *time.Timer
}

func NewTracker(path string, debounce time.Duration) *Tracker {
	return &Tracker{
		path:     path,
		debounce: debounce,
		records:  make(map[string]Record),
	}
}

// Track records that folder's runtime now owns a live child, and schedules
// a debounced persist.
func (t *Tracker) Track(folder string, r Record) {
	t.mu.Lock()
	t.records[folder] = r
	t.arm()
	t.mu.Unlock()
}

// Untrack records that folder's runtime no longer owns a child (clean exit
// or kill confirmed), and schedules a debounced persist.
func (t *Tracker) Untrack(folder string) {
	t.mu.Lock()
	if _, ok := t.records[folder]; ok {
		delete(t.records, folder)
		t.arm()
	}
	t.mu.Unlock()
}

// arm must be called with mu held.
func (t *Tracker) arm() {
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.debounce, t.persist)
}

func (t *Tracker) persist() {
	t.mu.Lock()
	t.timer = nil
	records := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	t.mu.Unlock()

	if err := writeRecords(t.path, records); err != nil {
		log.Printf("[reaper] persisting records file: %v", err)
	}
}

// Shutdown deletes the records file, per §4.H: "a clean shutdown also
// deletes it so the next start has nothing to reap."
func (t *Tracker) Shutdown() error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing records file %s on shutdown: %w", t.path, err)
	}
	return nil
}
