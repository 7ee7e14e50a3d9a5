package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heimdex/render-agent/internal/db"
	"github.com/heimdex/render-agent/internal/discovery"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/outpath"
	"github.com/heimdex/render-agent/internal/progress"
	"github.com/heimdex/render-agent/internal/runner"
)

// scriptedRunner answers each Run call with the function for that call
// number (1-based); calls beyond the script succeed by writing the output.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []runner.Command
	jobDocs []bool // whether the job file existed at launch
	script  map[int]func(ctx context.Context, cmd runner.Command) (runner.Result, error)
}

func (s *scriptedRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	_, err := os.Stat(cmd.JobFile)
	s.jobDocs = append(s.jobDocs, err == nil)
	n := len(s.calls)
	fn := s.script[n]
	s.mu.Unlock()

	if cmd.OnStart != nil {
		cmd.OnStart(1000 + n)
	}
	if fn != nil {
		return fn(ctx, cmd)
	}
	return writeOutput(cmd)
}

func (s *scriptedRunner) commands() []runner.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runner.Command(nil), s.calls...)
}

// writeOutput behaves like a successful render: a file target gets a file,
// a directory target gets one file inside.
func writeOutput(cmd runner.Command) (runner.Result, error) {
	out := cmd.Output
	if filepath.Ext(out) == "" {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return runner.Result{}, err
		}
		out = filepath.Join(out, "anim.mov")
	}
	if err := os.WriteFile(out, []byte("frames"), 0o644); err != nil {
		return runner.Result{}, err
	}
	return runner.Result{}, nil
}

// recorder is a Reporter that keeps everything it is told.
type recorder struct {
	mu        sync.Mutex
	started   int
	total     int
	fractions []float64
	texts     []string
	jobs      []JobResult
	finished  []BatchResult
}

func (r *recorder) BatchStarted(_ string, total int) {
	r.mu.Lock()
	r.started++
	r.total = total
	r.mu.Unlock()
}

func (r *recorder) JobProgress(f float64) {
	r.mu.Lock()
	r.fractions = append(r.fractions, f)
	r.mu.Unlock()
}

func (r *recorder) JobStatus(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *recorder) JobFinished(j JobResult) {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

func (r *recorder) BatchFinished(b BatchResult) {
	r.mu.Lock()
	r.finished = append(r.finished, b)
	r.mu.Unlock()
}

func newProject(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("spine project"), 0o644))
	return p
}

func newOrchestrator(t *testing.T, r runner.Runner, hist history.Repository) *Orchestrator {
	t.Helper()
	return NewOrchestrator(r, &progress.Monitor{Interval: 5 * time.Millisecond}, Config{
		Tool:    "spine",
		TempDir: t.TempDir(),
		History: hist,
	})
}

func jobFilesLeft(t *testing.T, o *Orchestrator) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(o.cfg.TempDir, jobspec.TempPrefix+"*"))
	require.NoError(t, err)
	return m
}

func TestPlan_ProjectMajor(t *testing.T) {
	jobs := Plan(Batch{Projects: []string{"a", "b"}, Units: []string{"walk", "idle"}})
	require.Len(t, jobs, 4)
	assert.Equal(t, Job{Seq: 1, Project: "a", Unit: "walk"}, jobs[0])
	assert.Equal(t, Job{Seq: 2, Project: "a", Unit: "idle"}, jobs[1])
	assert.Equal(t, Job{Seq: 4, Project: "b", Unit: "idle"}, jobs[3])

	whole := Plan(Batch{Projects: []string{"a", "b"}})
	assert.Equal(t, []Job{{Seq: 1, Project: "a"}, {Seq: 2, Project: "b"}}, whole)
}

func TestSelectUnits(t *testing.T) {
	found := []discovery.Unit{{Name: "walk"}, {Name: "idle"}}
	assert.Equal(t, []string{"idle"}, SelectUnits(found, []string{"idle"}))
	assert.Equal(t, []string{"walk", "idle"}, SelectUnits(found, nil))
	assert.Nil(t, SelectUnits(nil, nil))
}

// Scenario A: one project, whole-project export, tool exits 0.
func TestRun_WholeProjectSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	project := newProject(t, dir, "hero.spine")
	sr := &scriptedRunner{}
	o := newOrchestrator(t, sr, nil)
	rec := &recorder{}

	res := o.Run(context.Background(), Batch{ID: "a", Projects: []string{project}, Params: DefaultParams()}, rec)

	require.NoError(t, res.Err)
	assert.False(t, res.Canceled)
	require.Len(t, res.Jobs, 1)
	j := res.Jobs[0]
	assert.Equal(t, OutcomeSuccess, j.Outcome)
	assert.Equal(t, filepath.Join(dir, "hero.mov"), j.OutputPath)
	assert.FileExists(t, j.OutputPath)
	assert.Empty(t, j.LogPath)

	cmds := sr.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, project, cmds[0].Project)
	assert.Equal(t, "spine", cmds[0].Tool)
	assert.True(t, sr.jobDocs[0], "job file must exist at launch")
	assert.Empty(t, jobFilesLeft(t, o), "job file removed after the run")

	assert.Equal(t, 1, rec.started)
	assert.Len(t, rec.finished, 1)
	assert.Equal(t, 1.0, rec.fractions[len(rec.fractions)-1])
	assert.Contains(t, rec.texts[0], "1/1 • Exporting: hero.spine")
}

// Scenario B: two discovered units exported per unit.
func TestRun_PerUnitDirectories(t *testing.T) {
	dir := t.TempDir()
	project := newProject(t, dir, "hero.spine")
	o := newOrchestrator(t, &scriptedRunner{}, nil)

	p := DefaultParams()
	p.OutputMode = jobspec.OutputPerUnit
	units := SelectUnits([]discovery.Unit{{Name: "walk"}, {Name: "idle"}}, nil)

	res := o.Run(context.Background(), Batch{ID: "b", Projects: []string{project}, Units: units, Params: p}, nil)

	require.Len(t, res.Jobs, 2)
	assert.Equal(t, "walk", res.Jobs[0].Unit)
	assert.Equal(t, "idle", res.Jobs[1].Unit)
	assert.DirExists(t, filepath.Join(dir, "hero_mov_walk"))
	assert.DirExists(t, filepath.Join(dir, "hero_mov_idle"))
	assert.Equal(t, filepath.Join(dir, "hero_mov_walk", "anim.mov"), res.Jobs[0].OutputPath)
	for _, j := range res.Jobs {
		assert.Equal(t, OutcomeSuccess, j.Outcome)
	}
}

func TestRun_SingleFileUnitsSuffixed(t *testing.T) {
	dir := t.TempDir()
	project := newProject(t, dir, "hero.spine")
	o := newOrchestrator(t, &scriptedRunner{}, nil)

	res := o.Run(context.Background(), Batch{
		ID: "s", Projects: []string{project}, Units: []string{"walk", "idle"}, Params: DefaultParams(),
	}, nil)

	require.Len(t, res.Jobs, 2)
	assert.Equal(t, filepath.Join(dir, "hero_walk.mov"), res.Jobs[0].OutputPath)
	assert.Equal(t, filepath.Join(dir, "hero_idle.mov"), res.Jobs[1].OutputPath)
}

// Scenario C: cancel during job 2 of 3.
func TestRun_CancelStopsBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	projects := []string{
		newProject(t, dir, "a.spine"),
		newProject(t, dir, "b.spine"),
		newProject(t, dir, "c.spine"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
		2: func(ctx context.Context, _ runner.Command) (runner.Result, error) {
			cancel()
			<-ctx.Done()
			return runner.Result{Canceled: true, ExitCode: -1}, nil
		},
	}}
	o := newOrchestrator(t, sr, nil)
	rec := &recorder{}

	res := o.Run(ctx, Batch{ID: "c", Projects: projects, Params: DefaultParams()}, rec)

	assert.True(t, res.Canceled)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Jobs, 2, "job 3 is never attempted")
	assert.Equal(t, OutcomeSuccess, res.Jobs[0].Outcome)
	assert.Equal(t, OutcomeCanceled, res.Jobs[1].Outcome)
	assert.Len(t, sr.commands(), 2)
	assert.Len(t, rec.jobs, 2, "one notification per attempted job")
	assert.Equal(t, "canceled", res.Status())
	assert.Empty(t, jobFilesLeft(t, o))
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sr := &scriptedRunner{}
	res := newOrchestrator(t, sr, nil).Run(ctx, Batch{ID: "x", Projects: []string{newProject(t, dir, "a.spine")}, Params: DefaultParams()}, nil)
	assert.True(t, res.Canceled)
	assert.Empty(t, res.Jobs)
	assert.Empty(t, sr.commands())
}

// Scenario D: job 1 of 2 fails; job 2 still runs.
func TestRun_FailureRetainsLogAndContinues(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(t.TempDir(), runner.LogPrefix+"x.log")
	require.NoError(t, os.WriteFile(logPath, []byte("Error: bad skeleton"), 0o644))

	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
		1: func(context.Context, runner.Command) (runner.Result, error) {
			return runner.Result{ExitCode: 1, LogPath: logPath, LogTail: "Error: bad skeleton"}, nil
		},
	}}
	o := newOrchestrator(t, sr, nil)

	res := o.Run(context.Background(), Batch{
		ID: "d", Projects: []string{newProject(t, dir, "a.spine"), newProject(t, dir, "b.spine")}, Params: DefaultParams(),
	}, nil)

	require.Len(t, res.Jobs, 2)
	assert.False(t, res.Canceled)
	assert.Equal(t, OutcomeFailed, res.Jobs[0].Outcome)
	assert.Equal(t, logPath, res.Jobs[0].LogPath)
	assert.Equal(t, 1, res.Jobs[0].ExitCode)
	assert.Contains(t, res.Jobs[0].Message(), logPath)
	assert.Equal(t, OutcomeSuccess, res.Jobs[1].Outcome)
	assert.Equal(t, "completed", res.Status())
}

func TestRun_PreconditionFailureContinues(t *testing.T) {
	dir := t.TempDir()
	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
		1: func(context.Context, runner.Command) (runner.Result, error) {
			return runner.Result{}, runner.ErrPrecondition
		},
	}}
	res := newOrchestrator(t, sr, nil).Run(context.Background(), Batch{
		ID: "p", Projects: []string{newProject(t, dir, "a.spine"), newProject(t, dir, "b.spine")}, Params: DefaultParams(),
	}, nil)

	require.Len(t, res.Jobs, 2)
	assert.Equal(t, OutcomeFailed, res.Jobs[0].Outcome)
	assert.Empty(t, res.Jobs[0].LogPath)
	assert.Contains(t, res.Jobs[0].Error, "precondition")
	assert.Equal(t, OutcomeSuccess, res.Jobs[1].Outcome)
}

func TestRun_InvalidParamsFailEachJob(t *testing.T) {
	dir := t.TempDir()
	sr := &scriptedRunner{}
	p := DefaultParams()
	p.FPS = 0

	res := newOrchestrator(t, sr, nil).Run(context.Background(), Batch{
		ID: "v", Projects: []string{newProject(t, dir, "a.spine")}, Params: p,
	}, nil)

	require.Len(t, res.Jobs, 1)
	assert.Equal(t, OutcomeFailed, res.Jobs[0].Outcome)
	assert.Empty(t, sr.commands(), "no process for an invalid job")
}

func TestRun_PanicIsReportedAsBatchError(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
		1: func(context.Context, runner.Command) (runner.Result, error) { panic("boom") },
	}}
	o := newOrchestrator(t, sr, nil)
	rec := &recorder{}

	res := o.Run(context.Background(), Batch{ID: "panic", Projects: []string{newProject(t, dir, "a.spine")}, Params: DefaultParams()}, rec)

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrBatchAborted))
	assert.Len(t, rec.finished, 1, "BatchFinished always runs")
	assert.Equal(t, "failed", res.Status())
	assert.Empty(t, jobFilesLeft(t, o))
}

func TestRun_ResultCountEqualsAttempted(t *testing.T) {
	dir := t.TempDir()
	projects := []string{newProject(t, dir, "a.spine"), newProject(t, dir, "b.spine")}
	units := []string{"u1", "u2", "u3"}

	for cancelAt := 1; cancelAt <= 6; cancelAt++ {
		ctx, cancel := context.WithCancel(context.Background())
		at := cancelAt
		sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
			at: func(context.Context, runner.Command) (runner.Result, error) {
				cancel()
				return runner.Result{Canceled: true}, nil
			},
		}}
		res := newOrchestrator(t, sr, nil).Run(ctx, Batch{ID: "n", Projects: projects, Units: units, Params: DefaultParams()}, nil)
		cancel()

		assert.Len(t, res.Jobs, len(sr.commands()), "cancel at %d", at)
		assert.Len(t, res.Jobs, at, "cancel at %d", at)
		assert.Equal(t, 6, res.Total)
	}
}

func TestRun_ProgressNeverDecreases(t *testing.T) {
	dir := t.TempDir()
	project := newProject(t, dir, "hero.spine")

	slow := func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		for i := 1; i <= 5; i++ {
			if err := os.WriteFile(cmd.Output, make([]byte, i*1000), 0o644); err != nil {
				return runner.Result{}, err
			}
			time.Sleep(15 * time.Millisecond)
		}
		return runner.Result{}, nil
	}
	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){1: slow, 2: slow}}
	o := newOrchestrator(t, sr, nil)
	rec := &recorder{}

	res := o.Run(context.Background(), Batch{ID: "prog", Projects: []string{project}, Units: []string{"a", "b"}, Params: DefaultParams()}, rec)
	require.Len(t, res.Jobs, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.fractions); i++ {
		assert.GreaterOrEqual(t, rec.fractions[i], rec.fractions[i-1], "fraction %d", i)
	}
	assert.Equal(t, 1.0, rec.fractions[len(rec.fractions)-1])

	sawSize := false
	for _, txt := range rec.texts {
		if strings.Contains(txt, "• Size:") {
			sawSize = true
		}
	}
	assert.True(t, sawSize, "monitor text should reach the status line")
}

func TestRun_RecordsHistory(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "h.db"), nil)
	require.NoError(t, err)
	defer database.Close()
	repo := history.NewRepository(database.Conn())

	dir := t.TempDir()
	p := DefaultParams()
	p.Override = outpath.ParseOverride(filepath.Join(dir, "renders"))
	sr := &scriptedRunner{script: map[int]func(context.Context, runner.Command) (runner.Result, error){
		2: func(context.Context, runner.Command) (runner.Result, error) {
			return runner.Result{ExitCode: 2, LogPath: "/tmp/render_cli_1.log"}, nil
		},
	}}
	o := newOrchestrator(t, sr, repo)

	res := o.Run(context.Background(), Batch{
		ID: "hist", Projects: []string{newProject(t, dir, "a.spine"), newProject(t, dir, "b.spine")}, Params: p,
	}, nil)
	require.Len(t, res.Jobs, 2)
	assert.Equal(t, filepath.Join(dir, "renders", "a.mov"), res.Jobs[0].OutputPath)

	b, err := repo.GetBatch(context.Background(), "hist")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, history.StatusCompleted, b.Status)
	assert.Equal(t, 2, b.TotalJobs)
	assert.Contains(t, b.Params, `"override":`)

	jobs, err := repo.ListJobResults(context.Background(), "hist")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "success", jobs[0].Outcome)
	assert.Equal(t, "failed", jobs[1].Outcome)
	assert.Equal(t, "/tmp/render_cli_1.log", jobs[1].LogPath)
}
