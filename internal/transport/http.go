package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spm1001/gueridon/internal/runtime"
)

// handleSession implements POST /session/:folder (§6): creates or attaches
// a runtime for folder and reports whether a prior session exists to
// resume. resumable is a simplification of the descriptor's Lifecycle
// (Paused/Active both count): true whenever this call joined an
// already-running runtime, or the child has already announced a
// session id from its own resumed log.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, folder string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rt, created := s.reg.GetOrCreate(folder)
	rt.Attach()

	snap := rt.Snapshot()
	sessionID := ""
	if snap != nil {
		sessionID = snap.SessionID
	}
	resumable := !created || sessionID != ""

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"folder":    folder,
		"resumable": resumable,
	})
}

// handlePrompt implements POST /prompt/:folder (§6): {text} or
// {content:[...]}; 200 if delivered immediately, 202 with
// {queued, position} if a turn is already in progress, 404 if no runtime
// exists for folder (prompt never implicitly creates one — that's
// /session/:folder's job), 413 if the body exceeds the configured limit.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, folder string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxPromptBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if int64(len(body)) > s.opts.MaxPromptBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "prompt body exceeds the size limit")
		return
	}

	var payload struct {
		Text    string            `json:"text"`
		Content []json.RawMessage `json:"content"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed prompt body")
			return
		}
	}

	rt, ok := s.reg.Get(folder)
	if !ok {
		writeError(w, http.StatusNotFound, "no runtime for folder "+folder)
		return
	}

	ack, err := rt.SubmitPrompt(runtime.PromptRequest{Text: payload.Text, Content: payload.Content})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ack.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "position": ack.Position})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": false})
}

// handleAbort implements POST /abort/:folder: 200 on a delivered abort
// signal, 404 if there is no runtime or no running child to abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, folder string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rt, ok := s.reg.Get(folder)
	if !ok {
		writeError(w, http.StatusNotFound, "no runtime for folder "+folder)
		return
	}
	if err := rt.Abort(); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleExit implements POST /exit/:folder: writes the exit marker so the
// session is never auto-resumed, kills the child, detaches all clients,
// and returns 200 unconditionally (exiting a folder with no runtime is a
// no-op, not an error, since the desired end state is already reached).
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request, folder string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rt, ok := s.reg.Get(folder)
	if ok {
		if snap := rt.Snapshot(); snap != nil && snap.SessionID != "" {
			s.writeExitMarker(folder, snap.SessionID)
		}
		rt.Exit()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeExitMarker(folder, sessionID string) {
	exitDir := filepath.Join(s.scan.Root, folder, "exit")
	if err := os.MkdirAll(exitDir, 0o755); err != nil {
		return
	}
	f, err := os.Create(filepath.Join(exitDir, sessionID))
	if err != nil {
		return
	}
	f.Close()
}
