package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

const persistTimeout = 30 * time.Second

// Item is handed to a ProcessFunc for one work item.
type Item struct {
	ID     string
	TaskID uuid.UUID
	Args   map[string]interface{}
	// Logf appends a line to the task log.
	Logf func(format string, args ...interface{})
	// Stopped reports whether stop was requested; long-running work should
	// poll it and return early.
	Stopped func() bool
}

// Outcome is what a successful ProcessFunc reports.
type Outcome struct {
	Message string
	Data    interface{}
}

// ProcessFunc handles one item. A returned error, or a panic, marks the item
// failed; the batch keeps going either way. ctx is cancelled only when the
// manager shuts down.
type ProcessFunc func(ctx context.Context, item Item) (Outcome, error)

// Batch describes one submission.
type Batch struct {
	Kind        string
	Items       []string
	Process     ProcessFunc
	Concurrency int
	Args        map[string]interface{}
	CallbackURL string
}

// Sink persists finished runs.
type Sink interface {
	PersistRun(ctx context.Context, run taskstypes.Run) error
}

type Manager struct {
	cfg        config.TasksConfig
	logger     *zap.Logger
	sink       Sink
	httpClient *http.Client
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	tasks map[uuid.UUID]*Status
}

// NewManager creates a task manager. sink may be nil.
func NewManager(cfg config.TasksConfig, sink Sink, logger *zap.Logger) *Manager {
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = 1
	}
	if cfg.MaxLogs < 1 {
		cfg.MaxLogs = 500
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     logger.Named("tasks"),
		sink:       sink,
		httpClient: &http.Client{Timeout: cfg.CallbackTimeout},
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[uuid.UUID]*Status),
	}
}

// Submit registers the batch in pending state and starts it in the
// background. It only fails for a malformed batch.
func (m *Manager) Submit(b Batch) (*Status, error) {
	if b.Process == nil {
		return nil, fmt.Errorf("batch %q has no process function", b.Kind)
	}
	if b.Concurrency < 1 {
		b.Concurrency = m.cfg.DefaultConcurrency
	}
	items := append([]string(nil), b.Items...)
	b.Items = items

	st := newStatus(b.Kind, len(items), m.cfg.MaxLogs, b.Args, m.now())

	m.mu.Lock()
	if err := m.ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("task manager is shut down: %w", err)
	}
	m.pruneLocked()
	m.tasks[st.id] = st
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Task submitted",
		zap.String("task_id", st.id.String()),
		zap.String("kind", b.Kind),
		zap.Int("items", len(items)),
		zap.Int("concurrency", b.Concurrency))

	go m.execute(st, b)
	return st, nil
}

// Stop requests cooperative cancellation and returns at once.
func (m *Manager) Stop(id uuid.UUID) error {
	st, err := m.lookup(id)
	if err != nil {
		return err
	}
	st.RequestStop()
	m.logger.Info("Stop requested", zap.String("task_id", id.String()))
	return nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id uuid.UUID) (taskstypes.Snapshot, error) {
	st, err := m.lookup(id)
	if err != nil {
		return taskstypes.Snapshot{}, err
	}
	return st.Snapshot(m.cfg.RecentLogs, m.cfg.RecentResults, m.now()), nil
}

// List returns snapshots of every retained task, newest first.
func (m *Manager) List() []taskstypes.Snapshot {
	m.mu.RLock()
	all := make([]*Status, 0, len(m.tasks))
	for _, st := range m.tasks {
		all = append(all, st)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]taskstypes.Snapshot, 0, len(all))
	for _, st := range all {
		out = append(out, st.Snapshot(m.cfg.RecentLogs, m.cfg.RecentResults, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) lookup(id uuid.UUID) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return st, nil
}

// pruneLocked forgets finished tasks older than the retention window.
func (m *Manager) pruneLocked() {
	if m.cfg.Retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.Retention)
	for id, st := range m.tasks {
		if st.endedBefore(cutoff) {
			delete(m.tasks, id)
		}
	}
}

// execute runs the batch: a semaphore gates dispatch, workers send results to
// one aggregator that owns status updates.
func (m *Manager) execute(st *Status, b Batch) {
	defer m.wg.Done()

	logger := m.logger.With(zap.String("task_id", st.id.String()), zap.String("kind", b.Kind))
	st.start(m.now())

	results := make(chan taskstypes.ItemResult)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		for r := range results {
			st.record(r)
		}
	}()

	sem := semaphore.NewWeighted(int64(b.Concurrency))
	var workers sync.WaitGroup

	for _, itemID := range b.Items {
		if st.StopRequested() {
			break
		}
		if err := sem.Acquire(m.ctx, 1); err != nil {
			break
		}
		// stop may have arrived while we waited for a slot
		if st.StopRequested() {
			sem.Release(1)
			break
		}

		workers.Add(1)
		go func(itemID string) {
			defer workers.Done()
			defer sem.Release(1)
			results <- m.runItem(st, b, itemID, logger)
		}(itemID)
	}

	workers.Wait()
	close(results)
	<-aggregated

	state := st.finish(m.now())
	snap := st.Snapshot(m.cfg.RecentLogs, m.cfg.RecentResults, m.now())
	logger.Info("Task finished",
		zap.String("state", string(state)),
		zap.Int("processed", snap.Processed),
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Float64("duration_seconds", snap.DurationSeconds))

	if b.CallbackURL != "" {
		m.notifyCallback(b.CallbackURL, snap, logger)
	}
	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.sink.PersistRun(ctx, st.run(m.cfg.MaxLogs, m.now())); err != nil {
			logger.Error("Failed to persist task run", zap.Error(err))
		}
		cancel()
	}
}

// runItem calls the process function, turning errors and panics into a
// failed result.
func (m *Manager) runItem(st *Status, b Batch, itemID string, logger *zap.Logger) (result taskstypes.ItemResult) {
	result = taskstypes.ItemResult{ItemID: itemID, StartedAt: m.now()}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Item panicked",
				zap.String("item_id", itemID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", rec)
		}
		result.FinishedAt = m.now()
	}()

	item := Item{
		ID:     itemID,
		TaskID: st.id,
		Args:   b.Args,
		Logf: func(format string, args ...interface{}) {
			st.logf(m.now(), taskstypes.LevelInfo, itemID, format, args...)
		},
		Stopped: st.StopRequested,
	}

	out, err := b.Process(m.ctx, item)
	if err != nil {
		logger.Warn("Item failed", zap.String("item_id", itemID), zap.Error(err))
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Message = out.Message
	result.Data = out.Data
	return result
}

// Shutdown requests stop on every task, cancels the context handed to
// running items and waits for all tasks to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, st := range m.tasks {
		st.RequestStop()
	}
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Task manager shut down")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown timed out waiting for running tasks")
		return ctx.Err()
	}
}
