package reaper

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func writeRecordsFile(t *testing.T, path string, records []Record) {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReapOnBootSignalsLiveChildAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep for this test environment: %v", err)
	}
	defer cmd.Process.Kill()

	writeRecordsFile(t, path, []Record{
		{SessionID: "s1", Folder: "alpha", PID: cmd.Process.Pid, SpawnedAt: time.Now()},
	})

	signalled, err := ReapOnBoot(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signalled != 1 {
		t.Errorf("signalled = %d, want 1", signalled)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the records file to be removed after reaping")
	}
}

func TestReapOnBootSkipsRecordsOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep for this test environment: %v", err)
	}
	defer cmd.Process.Kill()

	writeRecordsFile(t, path, []Record{
		{SessionID: "s1", Folder: "alpha", PID: cmd.Process.Pid, SpawnedAt: time.Now().Add(-48 * time.Hour)},
	})

	signalled, err := ReapOnBoot(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signalled != 0 {
		t.Errorf("signalled = %d, want 0 (record older than max age)", signalled)
	}
}

func TestReapOnBootMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	signalled, err := ReapOnBoot(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error for a missing records file: %v", err)
	}
	if signalled != 0 {
		t.Errorf("signalled = %d, want 0", signalled)
	}
}

func TestReapOnBootSkipsDeadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	// A PID essentially guaranteed not to be running.
	writeRecordsFile(t, path, []Record{
		{SessionID: "s1", Folder: "alpha", PID: 999999, SpawnedAt: time.Now()},
	})

	signalled, err := ReapOnBoot(path, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signalled != 0 {
		t.Errorf("signalled = %d, want 0 for a dead pid", signalled)
	}
}

func TestTrackerPersistsDebouncedAndShutdownDeletes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	tr := NewTracker(path, 20*time.Millisecond)
	tr.Track("alpha", Record{SessionID: "s1", Folder: "alpha", PID: 1234, SpawnedAt: time.Now()})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected no file immediately after Track (debounced)")
	}

	time.Sleep(60 * time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected records file to exist after debounce: %v", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 1 || records[0].Folder != "alpha" {
		t.Fatalf("records = %+v, want one alpha record", records)
	}

	if err := tr.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the records file to be removed on shutdown")
	}
}

func TestTrackerUntrackRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	tr := NewTracker(path, 10*time.Millisecond)
	tr.Track("alpha", Record{SessionID: "s1", Folder: "alpha", PID: 1234, SpawnedAt: time.Now()})
	time.Sleep(30 * time.Millisecond)

	tr.Untrack("alpha")
	time.Sleep(30 * time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %+v, want empty after untrack", records)
	}
}
