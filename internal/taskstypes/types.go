package taskstypes

import (
	"time"

	"github.com/google/uuid"
)

// State of a batch task
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped
}

// Log levels used in task logs
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// LogEntry is one line of a task's bounded log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	ItemID  string    `json:"item_id,omitempty"`
	Message string    `json:"message"`
}

// ItemResult is the outcome of processing one item.
type ItemResult struct {
	ItemID     string      `json:"item_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Duration is how long the item took.
func (r ItemResult) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot is the read-only projection of a task handed to callers.
type Snapshot struct {
	ID              uuid.UUID    `json:"id"`
	Kind            string       `json:"kind"`
	State           State        `json:"state"`
	Total           int          `json:"total"`
	Processed       int          `json:"processed"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	StopRequested   bool         `json:"stop_requested"`
	RecentLogs      []LogEntry   `json:"recent_logs"`
	RecentResults   []ItemResult `json:"recent_results"`
	DurationSeconds float64      `json:"duration_seconds"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// Run is a finished task with every item result, as handed to persistence.
type Run struct {
	Snapshot
	Args    map[string]interface{} `json:"args,omitempty"`
	Results []ItemResult           `json:"results"`
}

// DurationSeconds measures from start to end, or to now while running.
func DurationSeconds(startedAt, endedAt *time.Time, now time.Time) float64 {
	if startedAt == nil {
		return 0
	}
	end := now
	if endedAt != nil {
		end = *endedAt
	}
	return end.Sub(*startedAt).Seconds()
}
