package export

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/heimdex/render-agent/internal/logging"
)

// maxKeptStates bounds how many finished batches stay queryable in memory;
// older ones are only in history.
const maxKeptStates = 20

// Manager owns the background export worker. At most one batch runs at a
// time.
type Manager struct {
	orch      *Orchestrator
	reporters []Reporter
	logger    *slog.Logger

	baseCtx context.Context

	mu     sync.Mutex
	active *activeBatch
	states map[string]*StateReporter
	order  []string
	wg     sync.WaitGroup
}

type activeBatch struct {
	id         string
	cancel     context.CancelFunc
	cancelOnce sync.Once
	state      *StateReporter
	done       chan struct{}
}

// NewManager creates a Manager. Batches run under ctx; canceling it cancels
// the active batch. extra reporters (the tray, for instance) receive every
// batch's events.
func NewManager(ctx context.Context, orch *Orchestrator, logger *slog.Logger, extra ...Reporter) *Manager {
	return &Manager{
		orch:      orch,
		reporters: extra,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "export"),
		baseCtx:   ctx,
		states:    make(map[string]*StateReporter),
	}
}

// Start launches b on the worker and returns its ID. It fails with
// ErrBatchActive while another batch is running.
func (m *Manager) Start(b Batch) (string, error) {
	if len(b.Projects) == 0 {
		return "", ErrNoProjects
	}
	if err := b.Params.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return "", fmt.Errorf("%w: %s", ErrBatchActive, m.active.id)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	ab := &activeBatch{
		id:     b.ID,
		cancel: cancel,
		state:  NewStateReporter(b.ID),
		done:   make(chan struct{}),
	}
	m.active = ab
	m.keep(b.ID, ab.state)

	rep := append(MultiReporter{ab.state, LogReporter{Logger: m.logger}}, m.reporters...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ab.done)
		defer cancel()

		m.orch.Run(ctx, b, rep)

		m.mu.Lock()
		if m.active == ab {
			m.active = nil
		}
		m.mu.Unlock()
	}()

	return b.ID, nil
}

// Cancel requests cancellation of batch id. Repeated calls and calls for a
// finished batch are no-ops.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	ab := m.active
	_, known := m.states[id]
	m.mu.Unlock()

	if ab != nil && ab.id == id {
		ab.cancelOnce.Do(func() {
			m.logger.Info("cancel requested", "batch_id", id)
			ab.state.markCancelRequested()
			ab.cancel()
		})
		return nil
	}
	if known {
		return nil
	}
	return ErrBatchNotFound
}

// CancelActive cancels whatever batch is running and reports its ID.
func (m *Manager) CancelActive() (string, bool) {
	id, ok := m.Active()
	if !ok {
		return "", false
	}
	return id, m.Cancel(id) == nil
}

// Active returns the running batch's ID.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.id, true
}

// Snapshot returns the state of a running or recently finished batch.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	m.mu.Lock()
	st, ok := m.states[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrBatchNotFound
	}
	return st.Snapshot(), nil
}

// Wait blocks until batch id has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	ab := m.active
	_, known := m.states[id]
	m.mu.Unlock()

	if ab == nil || ab.id != id {
		if known {
			return nil
		}
		return ErrBatchNotFound
	}
	select {
	case <-ab.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels the active batch and waits for the worker to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.CancelActive()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keep stores a batch's state, evicting the oldest finished one when full.
// Caller holds m.mu.
func (m *Manager) keep(id string, st *StateReporter) {
	m.states[id] = st
	m.order = append(m.order, id)
	for len(m.order) > maxKeptStates {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.states, oldest)
	}
}
