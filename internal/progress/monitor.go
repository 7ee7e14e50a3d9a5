// Package progress infers render progress from the filesystem. The render
// tool reports nothing while it runs, so the monitor watches the output grow.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/metrics"
	"github.com/heimdex/render-agent/internal/outpath"
	"github.com/heimdex/render-agent/internal/watcher"
)

const (
	DefaultInterval        = 500 * time.Millisecond
	DefaultStagnationLimit = 3

	// NoDataText is shown until an output file with a size has been seen.
	NoDataText = "Size: – • Write speed: –"
)

// DefaultExtensions are the in-progress and final media names the tool is
// known to write. The list is a tunable default, not a guarantee.
var DefaultExtensions = []string{".mov", ".avi", ".tmp", ".part", ".partial", ".mp4", ".m4v"}

// Status is one progress observation.
type Status struct {
	Path string  `json:"path,omitempty"`
	Size int64   `json:"size"`
	Rate float64 `json:"rate"` // bytes per second
	Text string  `json:"text"`
}

// Monitor polls an output target while a render is running.
type Monitor struct {
	Interval        time.Duration
	StagnationLimit int
	Extensions      []string
	Logger          *slog.Logger

	// NewWatcher builds the directory watcher used as a rescan hint. Nil
	// uses fsnotify; a constructor returning an error disables the hint.
	NewWatcher func(logger *slog.Logger) (watcher.Watcher, error)
}

// Run polls until ctx is done, calling report after every sample. It never
// fails: missing files and directories are reported as "no data yet".
func (m *Monitor) Run(ctx context.Context, target outpath.Target, report func(Status)) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := logging.WithComponent(logging.OrDiscard(m.Logger), "progress")

	tr := newTracker(target, m.StagnationLimit, m.Extensions)

	var w watcher.Watcher
	if wt, err := m.watcher(logger); err != nil {
		logger.Debug("directory watcher unavailable", "error", err)
	} else {
		w = wt
		w.OnChange(func(_ string, ev watcher.EventType) {
			if ev != watcher.EventModify {
				tr.hint()
			}
		})
		defer w.Stop()
	}
	watching := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer metrics.OutputBytes.Set(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if w != nil && !watching {
				// The directory may only appear once the tool starts writing.
				if err := w.Watch(ctx, target.Dir()); err == nil {
					watching = true
				}
			}
			st := tr.observe(now)
			metrics.OutputBytes.Set(float64(st.Size))
			if report != nil {
				report(st)
			}
		}
	}
}

func (m *Monitor) watcher(logger *slog.Logger) (watcher.Watcher, error) {
	if m.NewWatcher != nil {
		return m.NewWatcher(logger)
	}
	return watcher.New(logger)
}

// tracker holds the sampling state of one monitor run.
type tracker struct {
	target     outpath.Target
	limit      int
	extensions []string

	rescan atomic.Bool

	active   string
	lastSize int64
	lastAt   time.Time
	stagnant int
}

func newTracker(target outpath.Target, limit int, exts []string) *tracker {
	if limit <= 0 {
		limit = DefaultStagnationLimit
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	return &tracker{target: target, limit: limit, extensions: exts, lastSize: -1}
}

// hint asks for a directory rescan on the next sample.
func (t *tracker) hint() { t.rescan.Store(true) }

func (t *tracker) observe(now time.Time) Status {
	if t.active == "" {
		t.switchTo(t.probe())
	}
	if t.active != "" && !exists(t.active) {
		t.switchTo(t.scan())
	}
	if t.rescan.Swap(false) || t.stagnant >= t.limit {
		if cand := t.scan(); cand != "" && cand != t.active {
			t.switchTo(cand)
		}
	}

	if t.active == "" {
		t.lastAt = now
		return Status{Text: NoDataText}
	}
	info, err := os.Stat(t.active)
	if err != nil {
		t.lastAt = now
		return Status{Path: t.active, Text: NoDataText}
	}

	size := info.Size()
	var rate float64
	if t.lastSize >= 0 {
		if size <= t.lastSize {
			// Never report a shrinking file.
			size = t.lastSize
			t.stagnant++
		} else {
			if dt := now.Sub(t.lastAt).Seconds(); dt > 0 {
				rate = float64(size-t.lastSize) / dt
			}
			t.stagnant = 0
		}
	}
	t.lastSize = size
	t.lastAt = now

	return Status{Path: t.active, Size: size, Rate: rate, Text: FormatText(size, rate)}
}

func (t *tracker) switchTo(path string) {
	if path == t.active {
		return
	}
	t.active = path
	t.lastSize = -1
	t.stagnant = 0
}

// probe returns the target file when it exists, else the newest candidate.
func (t *tracker) probe() string {
	if !t.target.IsDir && isFile(t.target.Path) {
		return t.target.Path
	}
	return t.scan()
}

// scan returns the most recently modified file with a known extension in
// the target directory, or "" when there is none.
func (t *tracker) scan() string {
	return NewestFile(t.target.Dir(), t.extensions)
}

// NewestFile returns the most recently modified regular file in dir whose
// name ends in one of exts (case-insensitive).
func NewestFile(dir string, exts []string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestT time.Time
	for _, e := range entries {
		if e.IsDir() || !hasExt(e.Name(), exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestT) {
			newest, newestT = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return newest
}

func hasExt(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, e := range exts {
		if strings.HasSuffix(lower, e) {
			return true
		}
	}
	return false
}

// FormatText renders the "size • rate" line shown while a job runs.
func FormatText(size int64, rate float64) string {
	if size < 0 {
		return NoDataText
	}
	if rate < 0 {
		rate = 0
	}
	return fmt.Sprintf("Size: %s • Write speed: %s/s", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(rate)))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Slot holds the latest Status written by the monitor and read by the
// orchestrator.
type Slot struct {
	mu sync.RWMutex
	st Status
}

func (s *Slot) Set(st Status) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func (s *Slot) Get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}
