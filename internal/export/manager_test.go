package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/runner"
)

// blockingRunner holds every job until released or canceled.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return runner.Result{Canceled: true, ExitCode: -1}, nil
	case <-b.release:
		return writeOutput(cmd)
	}
}

func TestManager_SingleActiveBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	br := newBlockingRunner()
	tray := &recorder{}
	m := NewManager(context.Background(), newOrchestrator(t, br, nil), nil, tray)

	id, err := m.Start(Batch{Projects: []string{newProject(t, dir, "a.spine")}, Params: DefaultParams()})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	<-br.started

	active, ok := m.Active()
	assert.True(t, ok)
	assert.Equal(t, id, active)

	_, err = m.Start(Batch{Projects: []string{newProject(t, dir, "b.spine")}, Params: DefaultParams()})
	assert.ErrorIs(t, err, ErrBatchActive)

	snap, err := m.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 1, snap.Total)

	close(br.release)
	require.NoError(t, m.Wait(context.Background(), id))

	snap, err = m.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, 1.0, snap.Fraction)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, OutcomeSuccess, snap.Jobs[0].Outcome)
	assert.NotNil(t, snap.FinishedAt)

	_, ok = m.Active()
	assert.False(t, ok)

	tray.mu.Lock()
	assert.Len(t, tray.finished, 1, "extra reporters see every batch")
	tray.mu.Unlock()

	// The worker is free again.
	id2, err := m.Start(Batch{Projects: []string{newProject(t, dir, "c.spine")}, Params: DefaultParams()})
	require.NoError(t, err)
	<-br.started
	require.NoError(t, m.Wait(context.Background(), id2))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_CancelOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	br := newBlockingRunner()
	m := NewManager(context.Background(), newOrchestrator(t, br, nil), nil)

	id, err := m.Start(Batch{
		Projects: []string{newProject(t, dir, "a.spine"), newProject(t, dir, "b.spine")},
		Params:   DefaultParams(),
	})
	require.NoError(t, err)
	<-br.started

	require.NoError(t, m.Cancel(id))
	require.NoError(t, m.Cancel(id), "second cancel is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))

	snap, err := m.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "canceled", snap.Status)
	assert.True(t, snap.CancelRequested)
	require.Len(t, snap.Jobs, 1, "second project never attempted")
	assert.Equal(t, OutcomeCanceled, snap.Jobs[0].Outcome)

	assert.NoError(t, m.Cancel(id), "cancel after finish is a no-op")
	assert.ErrorIs(t, m.Cancel("nope"), ErrBatchNotFound)
}

func TestManager_RejectsBadRequests(t *testing.T) {
	m := NewManager(context.Background(), newOrchestrator(t, newBlockingRunner(), nil), nil)

	_, err := m.Start(Batch{Params: DefaultParams()})
	assert.ErrorIs(t, err, ErrNoProjects)

	p := DefaultParams()
	p.Width = 0
	_, err = m.Start(Batch{Projects: []string{"a.spine"}, Params: p})
	assert.ErrorIs(t, err, jobspec.ErrInvalidJob)

	_, err = m.Snapshot("missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
	assert.ErrorIs(t, m.Wait(context.Background(), "missing"), ErrBatchNotFound)
}

func TestManager_ShutdownCancelsActive(t *testing.T) {
	defer goleak.VerifyNone(t)

	br := newBlockingRunner()
	m := NewManager(context.Background(), newOrchestrator(t, br, nil), nil)
	id, err := m.Start(Batch{Projects: []string{newProject(t, t.TempDir(), "a.spine")}, Params: DefaultParams()})
	require.NoError(t, err)
	<-br.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	snap, err := m.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "canceled", snap.Status)
}

func TestManager_KeepsBoundedStates(t *testing.T) {
	m := NewManager(context.Background(), nil, nil)
	for i := 0; i < maxKeptStates+5; i++ {
		m.keep(string(rune('a'+i)), NewStateReporter("x"))
	}
	assert.Len(t, m.states, maxKeptStates)
	_, ok := m.states["a"]
	assert.False(t, ok, "oldest evicted")
}

func TestJobResult_Message(t *testing.T) {
	ok := JobResult{Job: Job{Project: "/p/hero.spine", Unit: "walk"}, Outcome: OutcomeSuccess, OutputPath: "/p/hero_walk.mov"}
	assert.Equal(t, "Exported hero.spine • walk to /p/hero_walk.mov", ok.Message())

	canceled := JobResult{Job: Job{Project: "/p/hero.spine"}, Outcome: OutcomeCanceled}
	assert.Equal(t, "Export of hero.spine was canceled", canceled.Message())

	failed := JobResult{Job: Job{Project: "/p/hero.spine"}, Outcome: OutcomeFailed, Error: "render tool not found"}
	assert.Equal(t, "Export of hero.spine failed: render tool not found", failed.Message())
}
