package shelfq

import "errors"

// ErrDuplicateTask is returned when AddTask is called with an ID that already exists in the queue.
var ErrDuplicateTask = errors.New("shelfq: duplicate task id")

// ErrUnknownState is returned when an invalid status or priority string is parsed.
var ErrUnknownState = errors.New("shelfq: unknown state")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("shelfq: task not found")

// ErrInvalidTask is returned when AddTask is called without a task type.
var ErrInvalidTask = errors.New("shelfq: invalid task")

// ErrInvalidTransition is returned by UpdateTask for a status change the task
// state machine does not allow.
var ErrInvalidTransition = errors.New("shelfq: invalid status transition")

// ErrStatusMismatch is returned by UpdateTask when Patch.IfStatus does not match.
var ErrStatusMismatch = errors.New("shelfq: task status changed")

// ErrSweepInProgress is returned by ProcessTasks while another sweep is running.
var ErrSweepInProgress = errors.New("shelfq: sweep already in progress")

// ErrCancelled is returned from SetProgress once the running task was cancelled.
// Handlers should stop and return it.
var ErrCancelled = errors.New("shelfq: task cancelled")

// ErrNotLoaded is returned by mutating calls made before Load.
var ErrNotLoaded = errors.New("shelfq: queue not loaded")
