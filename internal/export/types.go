// Package export runs batches of render jobs: one job per (project, unit)
// pair, executed in order on a single worker.
package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/outpath"
)

var (
	ErrBatchActive   = errors.New("an export batch is already running")
	ErrBatchNotFound = errors.New("export batch not found")
	ErrBatchAborted  = errors.New("export batch aborted")
	ErrNoProjects    = errors.New("no project files selected")
)

// Outcome is the terminal state of one job.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeCanceled Outcome = "canceled"
	OutcomeFailed   Outcome = "failed"
)

// Params are the render settings shared by every job of a batch.
type Params struct {
	Format     jobspec.Format     `json:"format"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	FPS        float64            `json:"fps"`
	Background string             `json:"background"`
	OutputMode jobspec.OutputMode `json:"output_mode"`
	Viewport   jobspec.Viewport   `json:"viewport"`

	// Override is parsed once where the request enters the agent.
	Override outpath.PathSpec `json:"-"`
}

// DefaultParams mirrors the settings a user gets without touching anything.
func DefaultParams() Params {
	return Params{
		Format:     jobspec.FormatMOV,
		Width:      1920,
		Height:     1080,
		FPS:        60,
		Background: "black",
		OutputMode: jobspec.OutputSingle,
		Viewport:   jobspec.Viewport{Mode: jobspec.ViewportFit, Center: true},
	}
}

// Job returns the ExportJob for one (project, unit) pair.
func (p Params) Job(project, unit string) jobspec.ExportJob {
	return jobspec.ExportJob{
		ProjectPath: project,
		Unit:        unit,
		Format:      p.Format,
		Width:       p.Width,
		Height:      p.Height,
		FPS:         p.FPS,
		Background:  p.Background,
		OutputMode:  p.OutputMode,
		Viewport:    p.Viewport,
	}
}

// Validate checks the parameters with a placeholder project.
func (p Params) Validate() error {
	return p.Job("", "").Validate()
}

// Batch is one export request.
type Batch struct {
	ID       string   `json:"id"`
	Projects []string `json:"projects"`
	Units    []string `json:"units,omitempty"` // empty means whole project
	Params   Params   `json:"params"`
}

// Job is one planned (project, unit) pair. Seq is 1-based.
type Job struct {
	Seq     int    `json:"seq"`
	Project string `json:"project"`
	Unit    string `json:"unit,omitempty"`
}

// Plan expands a batch into jobs, project-major then unit-minor.
func Plan(b Batch) []Job {
	units := b.Units
	if len(units) == 0 {
		units = []string{""}
	}
	jobs := make([]Job, 0, len(b.Projects)*len(units))
	for _, p := range b.Projects {
		for _, u := range units {
			jobs = append(jobs, Job{Seq: len(jobs) + 1, Project: p, Unit: u})
		}
	}
	return jobs
}

// JobResult is the outcome of one attempted job.
type JobResult struct {
	Job
	Total      int           `json:"total"`
	Outcome    Outcome       `json:"outcome"`
	OutputPath string        `json:"output_path,omitempty"`
	LogPath    string        `json:"log_path,omitempty"` // retained tool log, failures only
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Message is the one-line notification for this result.
func (r JobResult) Message() string {
	name := filepath.Base(r.Project)
	if r.Unit != "" {
		name += " • " + r.Unit
	}
	switch r.Outcome {
	case OutcomeSuccess:
		if r.OutputPath != "" {
			return fmt.Sprintf("Exported %s to %s", name, r.OutputPath)
		}
		return fmt.Sprintf("Exported %s", name)
	case OutcomeCanceled:
		return fmt.Sprintf("Export of %s was canceled", name)
	default:
		if r.LogPath != "" {
			return fmt.Sprintf("Export of %s failed, see log %s", name, r.LogPath)
		}
		return fmt.Sprintf("Export of %s failed: %s", name, r.Error)
	}
}

// BatchResult holds one result per attempted job. Jobs never attempted
// because of cancellation have no entry.
type BatchResult struct {
	ID       string      `json:"id"`
	Total    int         `json:"total"`
	Jobs     []JobResult `json:"jobs"`
	Canceled bool        `json:"canceled"`
	Err      error       `json:"-"`
}

// Count returns how many jobs ended with outcome o.
func (r BatchResult) Count(o Outcome) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Outcome == o {
			n++
		}
	}
	return n
}

// Status summarises the batch as a history status string.
func (r BatchResult) Status() string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.Canceled:
		return "canceled"
	default:
		return "completed"
	}
}
