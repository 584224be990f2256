package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spm1001/gueridon/internal/registry"
	"github.com/spm1001/gueridon/internal/replay"
	"github.com/spm1001/gueridon/internal/runtime"
	"github.com/spm1001/gueridon/internal/scanner"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}

	hub := NewHub()
	reg := registry.New(func(folder string) *runtime.Runtime {
		return runtime.New(folder, runtime.Options{
			Command:     []string{"true"},
			GracePeriod: 20 * time.Millisecond,
			OnBroadcast: func(f replay.Frame) { hub.Publish(folder, f) },
		})
	})

	scan := scanner.New(root)
	s := NewServer(reg, scan, hub, Options{MaxPromptBytes: 1024})
	return s, root
}

func TestFolderRouteRejectsInvalidName(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/session/Not_Valid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] == "" {
		t.Fatal("expected an error message")
	}
}

func TestFolderRouteRejectsMissingFolderSegment(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/session/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCORSPreflightReturnsNoContent(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodOptions, "/folders", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected Access-Control-Allow-Origin: *")
	}
}

func TestHandleFoldersListsScanRootEntries(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/folders", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Folders []scanner.Descriptor `json:"folders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Folders) != 1 || body.Folders[0].Name != "alpha" {
		t.Errorf("folders = %+v, want one descriptor named alpha", body.Folders)
	}
}

func TestHandleSessionCreatesAndReportsNotResumableFirstTime(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/session/alpha", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["folder"] != "alpha" {
		t.Errorf("folder = %v, want alpha", body["folder"])
	}
	if resumable, _ := body["resumable"].(bool); resumable {
		t.Error("expected resumable=false for a brand new runtime with no prior session id")
	}
}

func TestHandlePromptReturns404WithNoRuntime(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/prompt/alpha", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAbortReturns404WithNoRuntime(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/abort/alpha", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleExitIsANoOpWithNoRuntime(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/exit/alpha", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
