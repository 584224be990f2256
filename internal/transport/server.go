package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/spm1001/gueridon/internal/registry"
	"github.com/spm1001/gueridon/internal/runtime"
	"github.com/spm1001/gueridon/internal/scanner"
)

// Options configures the transport surface's protocol-level knobs.
type Options struct {
	MaxPromptBytes  int64
	MaxUploadBytes  int64
	SSEPingInterval time.Duration
}

// Server wires the registry and scanner collaborators to the HTTP,
// websocket, and SSE handlers described in §4.G. It holds no session
// state itself: every lookup goes through reg or scan.
type Server struct {
	reg  *registry.Registry
	scan *scanner.Scanner
	hub  *Hub
	opts Options
}

func NewServer(reg *registry.Registry, scan *scanner.Scanner, hub *Hub, opts Options) *Server {
	if opts.MaxPromptBytes <= 0 {
		opts.MaxPromptBytes = 1 << 20
	}
	if opts.SSEPingInterval <= 0 {
		opts.SSEPingInterval = 30 * time.Second
	}
	return &Server{reg: reg, scan: scan, hub: hub, opts: opts}
}

// SetupRoutes registers every handler from §4.G/§6 onto mux, wrapped in the
// CORS middleware required by the external-interfaces contract.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/folders", s.cors(http.HandlerFunc(s.handleFolders)))
	mux.Handle("/events", s.cors(http.HandlerFunc(s.handleEvents)))
	mux.Handle("/ws", s.cors(http.HandlerFunc(s.handleWS)))
	mux.Handle("/session/", s.cors(s.folderRoute(s.handleSession)))
	mux.Handle("/prompt/", s.cors(s.folderRoute(s.handlePrompt)))
	mux.Handle("/abort/", s.cors(s.folderRoute(s.handleAbort)))
	mux.Handle("/exit/", s.cors(s.folderRoute(s.handleExit)))
	mux.Handle("/upload/", s.cors(s.folderRoute(s.handleUpload)))
	mux.Handle("/", s.cors(http.HandlerFunc(s.handleIndex)))
}

// handleIndex serves only as a landing placeholder: per the purpose and
// scope section, static file/asset serving is an external caller's job,
// not this broker's.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, "<!doctype html><title>gueridon</title><p>session broker running.</p>")
}

// cors applies the blanket allow-origin policy from §6 and answers
// preflight OPTIONS requests with 204, to every route.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// folderRoute extracts the :folder path parameter from a /<verb>/<folder>
// route, resolves it against the scan root, and dispatches to next with
// the resolved folder name. Resolution failures are reported per the two
// message substrings §4.G requires ("invalid folder" / "scan root").
func (s *Server) folderRoute(next func(w http.ResponseWriter, r *http.Request, folder string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		if len(segments) < 2 || segments[1] == "" {
			writeError(w, http.StatusBadRequest, "invalid folder: no folder in lobby binding")
			return
		}
		folder := segments[1]
		if _, err := s.scan.ResolveFolder(folder); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next(w, r, folder)
	})
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	descriptors, err := s.scan.Scan(s.liveEntries())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": descriptors})
}

// liveEntries builds the folder->LiveEntry snapshot the scanner needs to
// classify active/paused folders (§4.A), from the registry's current map.
func (s *Server) liveEntries() map[string]scanner.LiveEntry {
	live := make(map[string]scanner.LiveEntry)
	for folder := range s.reg.Snapshot() {
		rt, ok := s.reg.Get(folder)
		if !ok {
			continue
		}
		snap := rt.Snapshot()
		entry := scanner.LiveEntry{HasRuntime: true, TurnActive: rt.Phase() == runtime.PhaseTurn}
		if snap != nil {
			entry.SessionID = snap.SessionID
			entry.ContextPct = snap.ContextPercent
		}
		live[folder] = entry
	}
	return live
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[transport] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
