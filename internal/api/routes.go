package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heimdex/render-agent/internal/discovery"
	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/runner"
)

// refresher is implemented by discovery.CachedProber.
type refresher interface {
	Refresh(ctx context.Context, project string) ([]discovery.Unit, error)
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.WithComponent(logging.OrDiscard(cfg.Logger), "api")
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Post("/discover", discoverHandler(cfg))
		r.Post("/exports", startExportHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Post("/exports/{id}/cancel", cancelExportHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Post("/open-log", openLogHandler(cfg))
			r.Get("/exports/{id}/jobs/{seq}/output", outputHandler(cfg))
			r.Head("/exports/{id}/jobs/{seq}/output", outputHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Exporter != nil {
			resp.ActiveBatch, _ = cfg.Exporter.Active()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func discoverHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DiscoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Project == "" {
			WriteError(w, http.StatusBadRequest, "project is required", "BAD_REQUEST")
			return
		}
		if cfg.Discoverer == nil {
			WriteError(w, http.StatusServiceUnavailable, "discovery unavailable", "UNAVAILABLE")
			return
		}

		var (
			units []discovery.Unit
			err   error
		)
		if rf, ok := cfg.Discoverer.(refresher); ok && req.Refresh {
			units, err = rf.Refresh(r.Context(), req.Project)
		} else {
			units, err = cfg.Discoverer.Discover(r.Context(), req.Project)
		}
		if err != nil {
			if errors.Is(err, runner.ErrPrecondition) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, DiscoverResponse{Project: req.Project, Units: discovery.Names(units)})
	}
}

func startExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		batch, err := req.Batch()
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		id, err := cfg.Exporter.Start(batch)
		switch {
		case errors.Is(err, export.ErrBatchActive):
			WriteError(w, http.StatusConflict, err.Error(), "BATCH_ACTIVE")
			return
		case errors.Is(err, export.ErrNoProjects), errors.Is(err, jobspec.ErrInvalidJob):
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, ExportResponse{ID: id})
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snap, err := cfg.Exporter.Snapshot(id)
		if err == nil {
			WriteJSON(w, http.StatusOK, SnapshotToResponse(snap))
			return
		}
		if !errors.Is(err, export.ErrBatchNotFound) {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		writeStoredBatch(w, r, cfg, id)
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := cfg.Exporter.Cancel(id); err != nil {
			if errors.Is(err, export.ErrBatchNotFound) {
				WriteError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := cfg.Repository.ListBatches(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list batches", "INTERNAL_ERROR")
			return
		}

		resp := BatchesResponse{Batches: make([]BatchResponse, len(batches))}
		for i, b := range batches {
			resp.Batches[i] = BatchToResponse(b, nil)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStoredBatch(w, r, cfg, chi.URLParam(r, "id"))
	}
}

func writeStoredBatch(w http.ResponseWriter, r *http.Request, cfg ServerConfig, id string) {
	b, err := cfg.Repository.GetBatch(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if b == nil {
		WriteError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
		return
	}

	jobs, err := cfg.Repository.ListJobResults(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if jobs == nil {
		jobs = []*history.JobResult{}
	}
	WriteJSON(w, http.StatusOK, BatchToResponse(b, jobs))
}

func openLogHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenLogRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if !isRetainedLog(cfg.LogDir, req.Path) {
			WriteError(w, http.StatusBadRequest, "not a render log", "BAD_REQUEST")
			return
		}
		if _, err := os.Stat(req.Path); err != nil {
			WriteError(w, http.StatusNotFound, "log not found", "NOT_FOUND")
			return
		}
		if cfg.OpenPath == nil {
			WriteError(w, http.StatusServiceUnavailable, "cannot open files", "UNAVAILABLE")
			return
		}
		if err := cfg.OpenPath(req.Path); err != nil {
			cfg.Logger.Error("failed to open log", "path", logging.SanitizePath(req.Path), "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to open log", "INTERNAL_ERROR")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// isRetainedLog reports whether path names a tool log directly inside dir.
func isRetainedLog(dir, path string) bool {
	if dir == "" || path == "" || !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil || rel != filepath.Base(rel) {
		return false
	}
	return strings.HasPrefix(rel, runner.LogPrefix) && strings.HasSuffix(rel, ".log")
}

func outputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
		if err != nil || seq < 1 {
			WriteError(w, http.StatusBadRequest, "invalid job sequence", "BAD_REQUEST")
			return
		}
		if cfg.Preview == nil {
			WriteError(w, http.StatusServiceUnavailable, "preview unavailable", "UNAVAILABLE")
			return
		}

		path, err := outputPathFor(r.Context(), cfg, id, seq)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if path == "" {
			WriteError(w, http.StatusNotFound, "no output for this job", "NOT_FOUND")
			return
		}

		if err := cfg.Preview.Stream(w, r, path); err != nil {
			cfg.Logger.Error("preview error", "error", err, "batch_id", id, "seq", seq)
		}
	}
}

// outputPathFor finds the output of a successful job, first in the live
// batch state and then in history.
func outputPathFor(ctx context.Context, cfg ServerConfig, id string, seq int) (string, error) {
	if snap, err := cfg.Exporter.Snapshot(id); err == nil {
		for _, j := range snap.Jobs {
			if j.Seq == seq && j.Outcome == export.OutcomeSuccess {
				return j.OutputPath, nil
			}
		}
		return "", nil
	}

	jobs, err := cfg.Repository.ListJobResults(ctx, id)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.Seq == seq && j.Outcome == string(export.OutcomeSuccess) {
			return j.OutputPath, nil
		}
	}
	return "", nil
}
