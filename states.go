package shelfq

// Status is the lifecycle state of a task.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending tasks wait for the next sweep.
	StatusPending Status = "pending"
	// StatusProcessing marks the task whose handler is running.
	StatusProcessing Status = "processing"
	// StatusCompleted tasks carry a Result.
	StatusCompleted Status = "completed"
	// StatusFailed tasks carry an Error. Cancellation also lands here.
	StatusFailed Status = "failed"
	// StatusCancelled is reachable from pending through UpdateTask only.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no handler will run for the task again without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}

// transitions enumerates the allowed status changes. Same-status updates
// (progress reports) are always allowed.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority orders pending tasks. It never preempts a running task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority converts a string into a Priority. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	default:
		return "", ErrUnknownState
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
