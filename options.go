package shelfq

import "time"

type options struct {
	id       string
	delay    time.Duration
	priority Priority
}

// Option is a function that configures a task during AddTask.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, one is generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay registers a deferred trigger that starts a sweep after d. The task is
// pending immediately and may also run in an earlier sweep.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// WithPriority sets the scheduling priority. Default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}
