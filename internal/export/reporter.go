package export

import (
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/render-agent/internal/logging"
)

// Reporter receives batch progress. Calls come from the batch worker and,
// for JobProgress and JobStatus, from the progress monitor while a job runs;
// implementations must be safe for concurrent use.
type Reporter interface {
	BatchStarted(id string, total int)
	JobProgress(fraction float64)
	JobStatus(text string)
	JobFinished(r JobResult)
	BatchFinished(r BatchResult)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) BatchStarted(string, int)  {}
func (NopReporter) JobProgress(float64)       {}
func (NopReporter) JobStatus(string)          {}
func (NopReporter) JobFinished(JobResult)     {}
func (NopReporter) BatchFinished(BatchResult) {}

// MultiReporter fans every call out to each non-nil reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) BatchStarted(id string, total int) {
	for _, r := range m {
		if r != nil {
			r.BatchStarted(id, total)
		}
	}
}

func (m MultiReporter) JobProgress(fraction float64) {
	for _, r := range m {
		if r != nil {
			r.JobProgress(fraction)
		}
	}
}

func (m MultiReporter) JobStatus(text string) {
	for _, r := range m {
		if r != nil {
			r.JobStatus(text)
		}
	}
}

func (m MultiReporter) JobFinished(res JobResult) {
	for _, r := range m {
		if r != nil {
			r.JobFinished(res)
		}
	}
}

func (m MultiReporter) BatchFinished(res BatchResult) {
	for _, r := range m {
		if r != nil {
			r.BatchFinished(res)
		}
	}
}

// LogReporter writes terminal events to a structured logger. Progress
// ticks are logged at debug level.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) logger() *slog.Logger {
	return logging.WithComponent(logging.OrDiscard(l.Logger), "export")
}

func (l LogReporter) BatchStarted(id string, total int) {
	l.logger().Info("export batch started", "batch_id", id, "jobs", total)
}

func (l LogReporter) JobProgress(fraction float64) {
	l.logger().Debug("export progress", "fraction", fraction)
}

func (l LogReporter) JobStatus(text string) {
	l.logger().Debug("export status", "text", text)
}

func (l LogReporter) JobFinished(r JobResult) {
	attrs := []any{
		"seq", r.Seq,
		"total", r.Total,
		"project", logging.SanitizePath(r.Project),
		"unit", r.Unit,
		"outcome", r.Outcome,
		"duration_ms", r.Duration.Milliseconds(),
	}
	switch r.Outcome {
	case OutcomeFailed:
		attrs = append(attrs, "exit_code", r.ExitCode, "log", logging.SanitizePath(r.LogPath), "error", r.Error)
		l.logger().Warn("export job failed", attrs...)
	case OutcomeCanceled:
		l.logger().Info("export job canceled", attrs...)
	default:
		attrs = append(attrs, "output", logging.SanitizePath(r.OutputPath))
		l.logger().Info("export job succeeded", attrs...)
	}
}

func (l LogReporter) BatchFinished(r BatchResult) {
	attrs := []any{
		"batch_id", r.ID,
		"status", r.Status(),
		"attempted", len(r.Jobs),
		"total", r.Total,
		"succeeded", r.Count(OutcomeSuccess),
		"failed", r.Count(OutcomeFailed),
	}
	if r.Err != nil {
		l.logger().Error("export batch aborted", append(attrs, "error", r.Err)...)
		return
	}
	l.logger().Info("export batch finished", attrs...)
}

// Snapshot is a point-in-time view of a batch.
type Snapshot struct {
	ID              string      `json:"id"`
	Status          string      `json:"status"` // running, completed, canceled, failed
	Total           int         `json:"total"`
	Fraction        float64     `json:"fraction"`
	Text            string      `json:"text,omitempty"`
	Jobs            []JobResult `json:"jobs"`
	Error           string      `json:"error,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// StateReporter keeps the latest state of one batch for polling clients.
type StateReporter struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewStateReporter(id string) *StateReporter {
	return &StateReporter{snap: Snapshot{ID: id, Status: "running", StartedAt: time.Now()}}
}

func (s *StateReporter) BatchStarted(id string, total int) {
	s.mu.Lock()
	s.snap.ID = id
	s.snap.Total = total
	s.mu.Unlock()
}

func (s *StateReporter) JobProgress(fraction float64) {
	s.mu.Lock()
	if fraction > s.snap.Fraction {
		s.snap.Fraction = fraction
	}
	s.mu.Unlock()
}

func (s *StateReporter) JobStatus(text string) {
	s.mu.Lock()
	s.snap.Text = text
	s.mu.Unlock()
}

func (s *StateReporter) JobFinished(r JobResult) {
	s.mu.Lock()
	s.snap.Jobs = append(s.snap.Jobs, r)
	s.mu.Unlock()
}

func (s *StateReporter) BatchFinished(r BatchResult) {
	now := time.Now()
	s.mu.Lock()
	s.snap.Status = r.Status()
	s.snap.FinishedAt = &now
	if r.Err != nil {
		s.snap.Error = r.Err.Error()
	}
	if r.Status() == "completed" {
		s.snap.Fraction = 1
	}
	s.mu.Unlock()
}

func (s *StateReporter) markCancelRequested() {
	s.mu.Lock()
	s.snap.CancelRequested = true
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *StateReporter) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Jobs = append([]JobResult(nil), s.snap.Jobs...)
	return snap
}
