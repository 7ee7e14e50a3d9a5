package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/render-agent/internal/discovery"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/metrics"
	"github.com/heimdex/render-agent/internal/outpath"
	"github.com/heimdex/render-agent/internal/progress"
	"github.com/heimdex/render-agent/internal/runner"
)

const (
	// Each monitor sample nudges the bar forward within the current job's
	// share, never past maxIntra of it.
	intraStep = 0.02
	maxIntra  = 0.9
)

// mediaExtensions are the finished outputs shown in the success message.
var mediaExtensions = []string{".mov", ".avi"}

// Monitor observes a running job's output. progress.Monitor implements it.
type Monitor interface {
	Run(ctx context.Context, target outpath.Target, report func(progress.Status)) error
}

// Config holds the orchestrator's collaborators and settings.
type Config struct {
	Tool    string // render tool executable for this OS
	TempDir string // job description files; empty = OS temp
	Logger  *slog.Logger

	// History, when set, receives every batch and job result. Failures to
	// record are logged and otherwise ignored.
	History history.Repository
}

// Orchestrator runs batches. It holds no per-batch state, so one value can
// serve every batch of the process.
type Orchestrator struct {
	runner  runner.Runner
	monitor Monitor
	cfg     Config
	logger  *slog.Logger
}

func NewOrchestrator(r runner.Runner, m Monitor, cfg Config) *Orchestrator {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Orchestrator{
		runner:  r,
		monitor: m,
		cfg:     cfg,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "export"),
	}
}

// Run executes every job of b in order and blocks until the batch is done.
// Canceling ctx terminates the running job and stops the batch. rep may be
// nil; BatchFinished is always delivered, even after a panic.
func (o *Orchestrator) Run(ctx context.Context, b Batch, rep Reporter) (res BatchResult) {
	if rep == nil {
		rep = NopReporter{}
	}
	jobs := Plan(b)
	res = BatchResult{ID: b.ID, Total: len(jobs)}
	logger := logging.WithBatchID(o.logger, b.ID)

	o.recordBatchStart(b, len(jobs))
	rep.BatchStarted(b.ID, len(jobs))
	rep.JobProgress(0)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("export batch panicked", "panic", p, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("%w: %v", ErrBatchAborted, p)
		}
		o.recordBatchEnd(res)
		rep.BatchFinished(res)
	}()

	if len(jobs) == 0 {
		res.Err = ErrNoProjects
		return res
	}

	for i, job := range jobs {
		if ctx.Err() != nil {
			logger.Info("export batch canceled before job", "seq", job.Seq)
			res.Canceled = true
			break
		}

		jr := o.runJob(ctx, logger, b.Params, job, i, len(jobs), rep)
		res.Jobs = append(res.Jobs, jr)
		metrics.ObserveJob(string(jr.Outcome), jr.Duration.Seconds())
		o.recordJob(b.ID, jr)
		rep.JobFinished(jr)

		if jr.Outcome == OutcomeCanceled {
			res.Canceled = true
			break
		}
		rep.JobProgress(float64(i+1) / float64(len(jobs)))
	}
	return res
}

// runJob builds, runs and classifies one job. done is the number of jobs
// already finished in this batch.
func (o *Orchestrator) runJob(ctx context.Context, logger *slog.Logger, p Params, job Job, done, total int, rep Reporter) JobResult {
	jr := JobResult{Job: job, Total: total}
	logger = logger.With("seq", job.Seq, "unit", job.Unit)
	start := time.Now()

	fail := func(err error) JobResult {
		jr.Outcome = OutcomeFailed
		jr.Error = err.Error()
		jr.Duration = time.Since(start)
		return jr
	}

	// Building
	ej := p.Job(job.Project, job.Unit)
	if err := ej.Validate(); err != nil {
		return fail(err)
	}
	target, err := outpath.Resolve(outpath.Request{
		ProjectPath: job.Project,
		Unit:        job.Unit,
		Format:      p.Format,
		Mode:        p.OutputMode,
		Override:    p.Override,
	})
	if err != nil {
		return fail(fmt.Errorf("resolve output: %w", err))
	}
	jobFile, err := jobspec.WriteTemp(o.cfg.TempDir, jobspec.Build(ej))
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := jobspec.Remove(jobFile); err != nil {
			logger.Warn("cannot remove job file", "path", logging.SanitizePath(jobFile), "error", err)
		}
	}()

	header := fmt.Sprintf("%d/%d • Exporting: %s", job.Seq, total, filepath.Base(job.Project))
	if job.Unit != "" {
		header += " • skeleton: " + job.Unit
	}
	rep.JobStatus(header)

	// Running
	var (
		slot   progress.Slot
		mu     sync.Mutex
		intra  float64
		result runner.Result
		runErr error
		pid    int
	)
	report := func(st progress.Status) {
		slot.Set(st)
		mu.Lock()
		if intra+intraStep <= maxIntra {
			intra += intraStep
		}
		frac := (float64(done) + intra) / float64(total)
		mu.Unlock()
		rep.JobProgress(frac)
		rep.JobStatus(header + " • " + st.Text)
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	g, gctx := errgroup.WithContext(monCtx)
	goRecover(g, func() error {
		defer stopMonitor()
		result, runErr = o.runner.Run(ctx, runner.Command{
			Tool:    o.cfg.Tool,
			Project: job.Project,
			Output:  target.Path,
			JobFile: jobFile,
			OnStart: func(p int) { pid = p },
		})
		return nil
	})
	if o.monitor != nil {
		goRecover(g, func() error {
			return o.monitor.Run(gctx, target, report)
		})
	}
	if err := g.Wait(); err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			panic(pe.value)
		}
		logger.Warn("progress monitor stopped", "error", err)
	}
	jr.Duration = time.Since(start)

	// Classifying
	switch {
	case runErr != nil:
		return fail(runErr)
	case result.Canceled:
		jr.Outcome = OutcomeCanceled
		logger.Info("render canceled", "pid", pid)
	case result.ExitCode == 0:
		jr.Outcome = OutcomeSuccess
		jr.OutputPath = outputLocation(target)
	default:
		jr.Outcome = OutcomeFailed
		jr.ExitCode = result.ExitCode
		jr.LogPath = result.LogPath
		jr.Error = fmt.Sprintf("render tool exited with code %d", result.ExitCode)
	}
	return jr
}

// outputLocation is the file a user should be shown after success: the
// target itself, or the newest media file where the tool wrote.
func outputLocation(t outpath.Target) string {
	if !t.IsDir {
		if info, err := os.Stat(t.Path); err == nil && info.Mode().IsRegular() {
			return t.Path
		}
	}
	if newest := progress.NewestFile(t.Dir(), mediaExtensions); newest != "" {
		return newest
	}
	return t.Path
}

// SelectUnits decides which units to export. An explicit pick wins; an
// empty pick after a successful discovery means every discovered unit; no
// units at all means the whole project (nil).
func SelectUnits(discovered []discovery.Unit, picked []string) []string {
	if len(picked) > 0 {
		return picked
	}
	if len(discovered) > 0 {
		return discovery.Names(discovered)
	}
	return nil
}

func (o *Orchestrator) recordBatchStart(b Batch, total int) {
	if o.cfg.History == nil {
		return
	}
	params, _ := json.Marshal(struct {
		Projects []string `json:"projects"`
		Units    []string `json:"units,omitempty"`
		Params
		Override string `json:"override,omitempty"`
	}{b.Projects, b.Units, b.Params, b.Params.Override.Path()})

	err := o.cfg.History.CreateBatch(context.Background(), &history.Batch{
		ID:        b.ID,
		Status:    history.StatusRunning,
		TotalJobs: total,
		Params:    string(params),
	})
	if err != nil {
		o.logger.Warn("cannot record batch", "batch_id", b.ID, "error", err)
	}
}

func (o *Orchestrator) recordJob(batchID string, jr JobResult) {
	if o.cfg.History == nil {
		return
	}
	err := o.cfg.History.AddJobResult(context.Background(), &history.JobResult{
		BatchID:    batchID,
		Seq:        jr.Seq,
		Project:    jr.Project,
		Unit:       jr.Unit,
		Outcome:    string(jr.Outcome),
		OutputPath: jr.OutputPath,
		LogPath:    jr.LogPath,
		ExitCode:   jr.ExitCode,
		Error:      jr.Error,
		Duration:   jr.Duration,
	})
	if err != nil {
		o.logger.Warn("cannot record job result", "batch_id", batchID, "seq", jr.Seq, "error", err)
	}
}

func (o *Orchestrator) recordBatchEnd(res BatchResult) {
	if o.cfg.History == nil {
		return
	}
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if err := o.cfg.History.FinishBatch(context.Background(), res.ID, res.Status(), msg); err != nil {
		o.logger.Warn("cannot record batch end", "batch_id", res.ID, "error", err)
	}
}

// panicError carries a recovered panic out of an errgroup goroutine so it
// can be re-raised on the batch worker.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func goRecover(g *errgroup.Group, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &panicError{value: p}
			}
		}()
		return fn()
	})
}
