package tasks

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/google/uuid"
)

// Status is the live record of one batch. Counters, the log and results are
// changed together under mu; the stop flag is read lock-free by workers.
type Status struct {
	id      uuid.UUID
	kind    string
	total   int
	maxLogs int
	args    map[string]interface{}

	stopRequested atomic.Bool
	done          chan struct{}

	mu        sync.RWMutex
	state     taskstypes.State
	processed int
	succeeded int
	failed    int
	logs      []taskstypes.LogEntry
	results   []taskstypes.ItemResult
	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time
}

func newStatus(kind string, total, maxLogs int, args map[string]interface{}, now time.Time) *Status {
	if maxLogs < 1 {
		maxLogs = 1
	}
	return &Status{
		id:        uuid.New(),
		kind:      kind,
		total:     total,
		maxLogs:   maxLogs,
		args:      args,
		done:      make(chan struct{}),
		state:     taskstypes.StatePending,
		createdAt: now,
	}
}

func (s *Status) ID() uuid.UUID { return s.id }

// RequestStop sets the cooperative stop flag. It never blocks.
func (s *Status) RequestStop() { s.stopRequested.Store(true) }

func (s *Status) StopRequested() bool { return s.stopRequested.Load() }

// Done is closed once the task reaches a terminal state.
func (s *Status) Done() <-chan struct{} { return s.done }

func (s *Status) State() taskstypes.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Status) start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = taskstypes.StateRunning
	s.startedAt = &now
	s.appendLogLocked(taskstypes.LogEntry{
		Time:    now,
		Level:   taskstypes.LevelInfo,
		Message: fmt.Sprintf("task started with %d items", s.total),
	})
}

// record applies one finished item: counter, result and log line move together.
func (s *Status) record(r taskstypes.ItemResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	entry := taskstypes.LogEntry{Time: r.FinishedAt, ItemID: r.ItemID}
	if r.Success {
		s.succeeded++
		entry.Level = taskstypes.LevelInfo
		entry.Message = "succeeded"
		if r.Message != "" {
			entry.Message += ": " + r.Message
		}
	} else {
		s.failed++
		entry.Level = taskstypes.LevelError
		entry.Message = "failed: " + r.Error
	}
	s.results = append(s.results, r)
	s.appendLogLocked(entry)
}

func (s *Status) logf(now time.Time, level, itemID, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(taskstypes.LogEntry{
		Time:    now,
		Level:   level,
		ItemID:  itemID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (s *Status) appendLogLocked(e taskstypes.LogEntry) {
	s.logs = append(s.logs, e)
	if over := len(s.logs) - s.maxLogs; over > 0 {
		s.logs = s.logs[over:]
	}
}

// finish moves the task to its terminal state and returns it.
func (s *Status) finish(now time.Time) taskstypes.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRequested.Load() {
		s.state = taskstypes.StateStopped
	} else {
		s.state = taskstypes.StateCompleted
	}
	s.endedAt = &now
	s.appendLogLocked(taskstypes.LogEntry{
		Time:  now,
		Level: taskstypes.LevelInfo,
		Message: fmt.Sprintf("task %s: %d/%d processed, %d succeeded, %d failed",
			s.state, s.processed, s.total, s.succeeded, s.failed),
	})
	close(s.done)
	return s.state
}

// Snapshot projects the status with at most recentLogs log lines and
// recentResults results, newest last.
func (s *Status) Snapshot(recentLogs, recentResults int, now time.Time) taskstypes.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(recentLogs, recentResults, now)
}

func (s *Status) snapshotLocked(recentLogs, recentResults int, now time.Time) taskstypes.Snapshot {
	return taskstypes.Snapshot{
		ID:              s.id,
		Kind:            s.kind,
		State:           s.state,
		Total:           s.total,
		Processed:       s.processed,
		Succeeded:       s.succeeded,
		Failed:          s.failed,
		StopRequested:   s.stopRequested.Load(),
		RecentLogs:      tail(s.logs, recentLogs),
		RecentResults:   tail(s.results, recentResults),
		DurationSeconds: taskstypes.DurationSeconds(s.startedAt, s.endedAt, now),
		CreatedAt:       s.createdAt,
		StartedAt:       copyTime(s.startedAt),
		EndedAt:         copyTime(s.endedAt),
	}
}

// run returns the full record including every item result.
func (s *Status) run(recentLogs int, now time.Time) taskstypes.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return taskstypes.Run{
		Snapshot: s.snapshotLocked(recentLogs, 0, now),
		Args:     s.args,
		Results:  tail(s.results, len(s.results)),
	}
}

func (s *Status) endedBefore(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt != nil && s.endedAt.Before(cutoff)
}

func tail[T any](in []T, n int) []T {
	if n <= 0 {
		return []T{}
	}
	if len(in) > n {
		in = in[len(in)-n:]
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
