package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spm1001/gueridon/internal/scanner"
)

const maxUploadMemory = 32 << 20 // buffered in memory before spilling to temp files

// manifestEntry describes one deposited file. MIME sniffing here is the
// pure collaborator the purpose/scope section describes: this package
// notes the sniffed type and flags a mismatch against the extension, it
// does not implement any deeper content validation policy.
type manifestEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	SniffedT string `json:"sniffedType"`
}

type manifest struct {
	Folder    string          `json:"folder"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Files     []manifestEntry `json:"files"`
}

// handleUpload implements POST /upload/:folder (§6): deposits every file
// of a multipart form into a fresh mise/upload--<slug>--<short-id>/
// directory alongside a manifest.json, returning warnings for anything
// that looks suspicious rather than rejecting the upload outright.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, folder string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.reg.Get(folder); !ok {
		writeError(w, http.StatusBadRequest, "no active session for folder "+folder)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	depositDir, err := s.newUploadDir(folder)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var warnings []string
	m := manifest{Folder: folder}

	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			entry, warning, err := depositUploadFile(depositDir, fh)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if warning != "" {
				warnings = append(warnings, warning)
			}
			m.Files = append(m.Files, entry)
		}
	}

	manifestPath := filepath.Join(depositDir, "manifest.json")
	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(manifestPath, manifestData, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"folder":   folder,
		"manifest": m,
		"warnings": warnings,
	})
}

// newUploadDir resolves and creates mise/upload--<slug>--<short-id>/ under
// the folder, rejecting anything that would escape the scan root (§6:
// "400 on path traversal").
func (s *Server) newUploadDir(folder string) (string, error) {
	folderPath, err := s.scan.ResolveFolder(folder)
	if err != nil {
		return "", err
	}
	slug, err := scanner.GenerateName()
	if err != nil {
		slug = "upload"
	}
	shortID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	dir := filepath.Join(folderPath, "mise", fmt.Sprintf("upload--%s--%s", slug, shortID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	return dir, nil
}

func depositUploadFile(dir string, fh *multipart.FileHeader) (manifestEntry, string, error) {
	src, err := fh.Open()
	if err != nil {
		return manifestEntry{}, "", fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer src.Close()

	name := filepath.Base(fh.Filename)
	if name == "." || name == "/" || strings.Contains(fh.Filename, "..") {
		return manifestEntry{}, "", fmt.Errorf("%q: invalid upload filename", fh.Filename)
	}

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return manifestEntry{}, "", fmt.Errorf("depositing %s: %w", name, err)
	}
	defer dst.Close()

	sniffBuf := make([]byte, 512)
	n, _ := io.ReadFull(src, sniffBuf)
	sniffed := http.DetectContentType(sniffBuf[:n])

	written, err := dst.Write(sniffBuf[:n])
	if err != nil {
		return manifestEntry{}, "", fmt.Errorf("writing %s: %w", name, err)
	}
	rest, err := io.Copy(dst, src)
	if err != nil {
		return manifestEntry{}, "", fmt.Errorf("writing %s: %w", name, err)
	}

	var warning string
	if sniffed == "application/octet-stream" && hasTextLikeExtension(name) {
		warning = fmt.Sprintf("%s: sniffed as binary despite a text-like extension", name)
	}

	return manifestEntry{Name: name, Size: int64(written) + rest, SniffedT: sniffed}, warning, nil
}

func hasTextLikeExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".json", ".yaml", ".yml", ".go", ".py", ".js", ".ts":
		return true
	default:
		return false
	}
}
