package shelfq

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of background work owned by the Manager.
// It is serialized to JSON and persisted as part of the whole queue.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// Type selects the handler registered on the Mux.
	Type string `json:"type"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Priority orders pending tasks within a sweep.
	Priority Priority `json:"priority"`
	// Progress is the current task progress (0..100).
	Progress int `json:"progress"`
	// Data is the raw task payload handed to the handler.
	Data json.RawMessage `json:"data,omitempty"`
	// Result is set on successful completion only.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is set on failure only.
	Error string `json:"error,omitempty"`
	// CreatedAt is the timestamp (ms) when the task was added.
	CreatedAt int64 `json:"createdAt"`
	// StartedAt is the timestamp (ms) of the latest pending to processing transition.
	StartedAt int64 `json:"startedAt,omitempty"`
	// CompletedAt is the timestamp (ms) when the task completed.
	CompletedAt int64 `json:"completedAt,omitempty"`
	// FailedAt is the timestamp (ms) when the task failed or was cancelled.
	FailedAt int64 `json:"failedAt,omitempty"`
	// DelayMs is the delay hint given at creation.
	DelayMs int64 `json:"delayMs,omitempty"`
}

// Summary is the compact projection sent for pending-task listings.
type Summary struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Priority  Priority `json:"priority"`
	CreatedAt int64    `json:"createdAt"`
}

// Summary returns the compact projection of t.
func (t Task) Summary() Summary {
	return Summary{ID: t.ID, Type: t.Type, Priority: t.Priority, CreatedAt: t.CreatedAt}
}

func (t *Task) clone() Task {
	c := *t
	if t.Data != nil {
		c.Data = append(json.RawMessage(nil), t.Data...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return c
}

var idCounter atomic.Uint64

// newTaskID combines a millisecond timestamp, random bits and a process-wide
// counter so ids stay unique under rapid concurrent creation.
func newTaskID(now time.Time) string {
	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("task_%d_%s_%d", now.UnixMilli(), rnd, idCounter.Add(1))
}
