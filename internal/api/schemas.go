package api

import (
	"time"

	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/outpath"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeS     int64  `json:"uptime_s"`
	ActiveBatch string `json:"active_batch,omitempty"`
}

type DiscoverRequest struct {
	Project string `json:"project"`
	Refresh bool   `json:"refresh,omitempty"`
}

type DiscoverResponse struct {
	Project string   `json:"project"`
	Units   []string `json:"units"`
}

// ExportRequest starts a batch. Zero-valued settings take the defaults.
type ExportRequest struct {
	Projects   []string          `json:"projects"`
	Units      []string          `json:"units,omitempty"`
	Format     string            `json:"format,omitempty"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	FPS        float64           `json:"fps,omitempty"`
	Background string            `json:"background,omitempty"`
	OutputMode string            `json:"output_mode,omitempty"`
	Viewport   *jobspec.Viewport `json:"viewport,omitempty"`
	Output     string            `json:"output,omitempty"` // file when it has an extension, otherwise a directory
}

// Batch converts the request into an export batch.
func (req ExportRequest) Batch() (export.Batch, error) {
	p := export.DefaultParams()
	if req.Format != "" {
		f, err := jobspec.ParseFormat(req.Format)
		if err != nil {
			return export.Batch{}, err
		}
		p.Format = f
	}
	if req.OutputMode != "" {
		m, err := jobspec.ParseOutputMode(req.OutputMode)
		if err != nil {
			return export.Batch{}, err
		}
		p.OutputMode = m
	}
	if req.Width != 0 {
		p.Width = req.Width
	}
	if req.Height != 0 {
		p.Height = req.Height
	}
	if req.FPS != 0 {
		p.FPS = req.FPS
	}
	if req.Background != "" {
		p.Background = req.Background
	}
	if req.Viewport != nil {
		p.Viewport = *req.Viewport
	}
	p.Override = outpath.ParseOverride(req.Output)

	return export.Batch{Projects: req.Projects, Units: req.Units, Params: p}, nil
}

type ExportResponse struct {
	ID string `json:"id"`
}

type JobResultResponse struct {
	Seq        int    `json:"seq"`
	Project    string `json:"project"`
	Unit       string `json:"unit,omitempty"`
	Outcome    string `json:"outcome"`
	OutputPath string `json:"output_path,omitempty"`
	LogPath    string `json:"log_path,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message"`
}

type BatchResponse struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	Total           int                 `json:"total"`
	Fraction        float64             `json:"fraction"`
	Text            string              `json:"text,omitempty"`
	Error           string              `json:"error,omitempty"`
	CancelRequested bool                `json:"cancel_requested,omitempty"`
	Live            bool                `json:"live"`
	CreatedAt       string              `json:"created_at"`
	FinishedAt      string              `json:"finished_at,omitempty"`
	Jobs            []JobResultResponse `json:"jobs,omitempty"`
}

type BatchesResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type OpenLogRequest struct {
	Path string `json:"path"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobResultToResponse(r export.JobResult) JobResultResponse {
	return JobResultResponse{
		Seq:        r.Seq,
		Project:    r.Project,
		Unit:       r.Unit,
		Outcome:    string(r.Outcome),
		OutputPath: r.OutputPath,
		LogPath:    r.LogPath,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		DurationMS: r.Duration.Milliseconds(),
		Message:    r.Message(),
	}
}

func SnapshotToResponse(s export.Snapshot) BatchResponse {
	resp := BatchResponse{
		ID:              s.ID,
		Status:          s.Status,
		Total:           s.Total,
		Fraction:        s.Fraction,
		Text:            s.Text,
		Error:           s.Error,
		CancelRequested: s.CancelRequested,
		Live:            true,
		CreatedAt:       s.StartedAt.Format(time.RFC3339),
		Jobs:            make([]JobResultResponse, len(s.Jobs)),
	}
	if s.FinishedAt != nil {
		resp.FinishedAt = s.FinishedAt.Format(time.RFC3339)
	}
	for i, j := range s.Jobs {
		resp.Jobs[i] = JobResultToResponse(j)
	}
	return resp
}

// BatchToResponse renders a stored batch. jobs may be nil for list views.
func BatchToResponse(b *history.Batch, jobs []*history.JobResult) BatchResponse {
	resp := BatchResponse{
		ID:        b.ID,
		Status:    b.Status,
		Total:     b.TotalJobs,
		Error:     b.Error,
		CreatedAt: b.CreatedAt.Format(time.RFC3339),
	}
	if b.Status != history.StatusRunning {
		resp.FinishedAt = b.UpdatedAt.Format(time.RFC3339)
	}
	if b.Status == history.StatusCompleted {
		resp.Fraction = 1
	}
	if jobs == nil {
		return resp
	}

	resp.Jobs = make([]JobResultResponse, len(jobs))
	for i, j := range jobs {
		resp.Jobs[i] = JobResultToResponse(export.JobResult{
			Job:        export.Job{Seq: j.Seq, Project: j.Project, Unit: j.Unit},
			Total:      b.TotalJobs,
			Outcome:    export.Outcome(j.Outcome),
			OutputPath: j.OutputPath,
			LogPath:    j.LogPath,
			ExitCode:   j.ExitCode,
			Error:      j.Error,
			Duration:   j.Duration,
		})
	}
	if resp.Fraction == 0 && b.TotalJobs > 0 {
		resp.Fraction = float64(len(jobs)) / float64(b.TotalJobs)
	}
	return resp
}
