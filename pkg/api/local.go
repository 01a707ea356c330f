package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// previewFileServer serves extracted previews from the scratch root.
// Request paths are resolved relative to the root and never escape it.
type previewFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newPreviewFileServer(log logrus.FieldLogger, root string) *previewFileServer {
	return &previewFileServer{
		log:  log.WithField("component", "preview-files"),
		root: filepath.Clean(root),
	}
}

// ServeHTTP serves the file named by the route's wildcard. Directories are
// answered with their index.html.
func (p *previewFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")

	if !p.isAllowedPath(filePath) {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	full := filepath.Join(p.root, filepath.FromSlash(filePath))
	if !strings.HasPrefix(full, p.root+string(filepath.Separator)) {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	info, err := os.Stat(full)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		if _, err := os.Stat(full); err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

			return
		}
	}

	// Previews change on every materialization.
	w.Header().Set("Cache-Control", "no-cache")

	// ServeContent rather than ServeFile, which would redirect
	// ".../index.html" to the directory.
	f, err := os.Open(full) //nolint:gosec // path validated above
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		p.log.WithError(err).WithField("path", filePath).Warn("Failed to stat preview file")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"failed to read file"})

		return
	}

	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

// isAllowedPath rejects empty, absolute, unclean, hidden or traversal
// request paths. Hidden entries cover in-progress staging directories.
func (p *previewFileServer) isAllowedPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, `\`) {
		return false
	}

	for _, segment := range strings.Split(filePath, "/") {
		if segment == ".." {
			return false
		}
	}

	if filepath.IsAbs(filePath) || strings.HasPrefix(filePath, "/") {
		return false
	}

	if strings.HasPrefix(filePath, ".") {
		return false
	}

	trimmed := strings.TrimSuffix(filePath, "/")

	return path.Clean(trimmed) == trimmed
}
