package registry

import (
	"testing"
	"time"

	"github.com/spm1001/gueridon/internal/runtime"
)

func newTestRuntime(folder string) *runtime.Runtime {
	return runtime.New(folder, runtime.Options{
		Command:     []string{"true"},
		GracePeriod: 50 * time.Millisecond,
	})
}

func TestGetOrCreateBuildsOnce(t *testing.T) {
	var builds int
	reg := New(func(folder string) *runtime.Runtime {
		builds++
		return newTestRuntime(folder)
	})

	rt1, created1 := reg.GetOrCreate("alpha")
	rt2, created2 := reg.GetOrCreate("alpha")

	if !created1 {
		t.Error("expected created=true on first call")
	}
	if created2 {
		t.Error("expected created=false on second call for the same folder")
	}
	if rt1 != rt2 {
		t.Error("expected the same runtime instance for repeated calls")
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestGetReturnsOkFalseForUnknownFolder(t *testing.T) {
	reg := New(func(folder string) *runtime.Runtime { return newTestRuntime(folder) })
	_, ok := reg.Get("nope")
	if ok {
		t.Error("expected ok=false for a folder never created")
	}
}

func TestSnapshotReflectsRegisteredFolders(t *testing.T) {
	reg := New(func(folder string) *runtime.Runtime { return newTestRuntime(folder) })
	reg.GetOrCreate("alpha")
	reg.GetOrCreate("beta")

	snap := reg.Snapshot()
	if len(snap) != 2 || !snap["alpha"] || !snap["beta"] {
		t.Errorf("snapshot = %+v, want alpha and beta present", snap)
	}
}

func TestRemoveDeletesFromMap(t *testing.T) {
	reg := New(func(folder string) *runtime.Runtime { return newTestRuntime(folder) })
	reg.GetOrCreate("alpha")
	reg.Remove("alpha")

	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", reg.Len())
	}
	if _, ok := reg.Get("alpha"); ok {
		t.Error("expected Get to report false after Remove")
	}
}
