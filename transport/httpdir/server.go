// Package httpdir implements a small HTTP protocol for serving a directory
// tree: GET /ls lists a directory as JSON and GET /fetch serves file content
// with Range support. The client side is a read-only backend with segmented
// downloads.
package httpdir

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alioygur/gores"
	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
)

type DirEntry struct {
	IsDir   bool
	Name    string
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
}

type ListDirectoryResponse struct {
	Entries []DirEntry
}

type Server struct {
	root string
	mux  *http.ServeMux
}

func NewServer(rootPath string) *Server {
	s := &Server{root: rootPath, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /ls", s.list)
	s.mux.HandleFunc("GET /fetch", s.fetch)
	return s
}

// resolve maps a request path below root.
func (s *Server) resolve(path string) (string, bool) {
	clean := filepath.Join(s.root, filepath.FromSlash(filepath.Clean("/"+path)))
	rel, err := filepath.Rel(s.root, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return clean, true
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	dir, ok := s.resolve(path)
	if !ok {
		metrics.RecordRequest("ls", false)
		gores.Error(w, http.StatusBadRequest, "invalid path")
		return
	}

	result := []DirEntry{}

	entries, err := os.ReadDir(dir)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		metrics.RecordRequest("ls", false)
		gores.Error(w, http.StatusNotFound, "not found")
		return
	} else if err != nil {
		logging.Error("failed to list directory", logging.Path(path), zap.Error(err))
		metrics.RecordRequest("ls", false)
		gores.Error(w, http.StatusInternalServerError, "failed to list directory")
		return
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			logging.Error("failed to stat file", logging.Path(path), zap.String("name", entry.Name()), zap.Error(err))
			metrics.RecordRequest("ls", false)
			gores.Error(w, http.StatusInternalServerError, "failed to stat file")
			return
		}
		result = append(result, DirEntry{
			IsDir:   entry.IsDir(),
			Name:    entry.Name(),
			Mode:    info.Mode(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}

	metrics.RecordRequest("ls", true)
	gores.JSON(w, http.StatusOK, ListDirectoryResponse{
		Entries: result,
	})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	file, ok := s.resolve(path)
	if !ok {
		metrics.RecordRequest("fetch", false)
		gores.Error(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		metrics.RecordRequest("fetch", false)
		gores.Error(w, http.StatusNotFound, "not found")
		return
	}
	metrics.RecordRequest("fetch", true)
	http.ServeFile(w, r, file)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
