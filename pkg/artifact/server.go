// Package artifact implements the artifact service referenced by spec.md
// §6's wire interface: block downloads for workers and result uploads back
// from them. Its internals are intentionally minimal (plain files under a
// data directory) — the control plane only depends on its HTTP contract,
// not on how it stores anything.
package artifact

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is a minimal reference implementation of the artifact HTTP
// service, grounded on upload_server.py's /download/<file>/blocks/<block>
// and /upload_block routes.
type Server struct {
	dataDir string
	logger  zerolog.Logger
	router  *mux.Router
}

// NewServer returns a Server rooted at dataDir, creating its blocks/ and
// results/ subdirectories.
func NewServer(dataDir string) (*Server, error) {
	for _, sub := range []string{"blocks", "results"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("artifact: create %s dir: %w", sub, err)
		}
	}

	s := &Server{dataDir: dataDir, logger: log.WithComponent("artifact")}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/download/{dataset}/blocks/{block_id}", s.handleDownloadBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/upload_block", s.handleUploadBlock).Methods(http.MethodPost)
	s.router.HandleFunc("/download_result/{dataset}/{filename}", s.handleDownloadResult).Methods(http.MethodGet)

	return s, nil
}

// Handler returns the server's HTTP handler, for use with http.Server or
// httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// PutBlock writes a block's content directly to disk, bypassing HTTP; used
// by tests to seed blocks.
func (s *Server) PutBlock(dataset, blockID string, content []byte) error {
	dir := filepath.Join(s.dataDir, "blocks", dataset)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("artifact: create block dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, blockID), content, 0644)
}

func (s *Server) handleDownloadBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := filepath.Join(s.dataDir, "blocks", vars["dataset"], vars["block_id"])

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("download: copy failed")
	}
}

func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := filepath.Join(s.dataDir, "results", vars["dataset"], vars["filename"])

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "result not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("download result: copy failed")
	}
}

func (s *Server) handleUploadBlock(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	fileBase := r.FormValue("file_base")
	blockID := r.FormValue("block_id")
	if fileBase == "" || blockID == "" {
		http.Error(w, "missing file_base or block_id", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	dir := filepath.Join(s.dataDir, "results", fileBase)
	if err := os.MkdirAll(dir, 0755); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	dst, err := os.Create(filepath.Join(dir, blockID))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		s.logger.Error().Err(err).Msg("upload: write failed")
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"success"}`)
}
