package preview

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/heimdex/render-agent/internal/logging"
)

// mediaTypes covers the containers the render tool writes; the platform
// MIME table often lacks them.
var mediaTypes = map[string]string{
	".mov": "video/quicktime",
	".avi": "video/x-msvideo",
	".mp4": "video/mp4",
	".m4v": "video/x-m4v",
}

// Previewer writes a file to an HTTP response.
type Previewer interface {
	Stream(w http.ResponseWriter, r *http.Request, path string) error
}

type Streamer struct {
	logger *slog.Logger
}

func NewStreamer(logger *slog.Logger) *Streamer {
	return &Streamer{logger: logging.WithComponent(logging.OrDiscard(logger), "preview")}
}

// Stream serves path with range support. Missing files and unsatisfiable
// ranges are answered directly; other failures are returned.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "output not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if !info.Mode().IsRegular() {
		http.Error(w, "output not found", http.StatusNotFound)
		return nil
	}
	size := info.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(path))
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	span, partial, err := ParseSpan(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrBadRange):
		// A malformed Range header is ignored and the whole file is sent.
		s.logger.Debug("ignoring malformed range", "range", r.Header.Get("Range"))
		partial = false
	}

	status := http.StatusOK
	length := size
	if partial {
		status = http.StatusPartialContent
		length = span.Len()
		h.Set("Content-Range", span.ContentRange(size))
		if _, err := f.Seek(span.Start, io.SeekStart); err != nil {
			return fmt.Errorf("seek output: %w", err)
		}
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		s.logger.Debug("preview client went away", "path", logging.SanitizePath(path), "error", err)
	}
	return nil
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
