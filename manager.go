// Package shelfq is an in-process background task queue with priority ordering,
// progress reporting, cooperative cancellation, persistence across restarts and
// alarm-based deferred and recurring work.
package shelfq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/shelfq/internal/hctx"
	ikeys "github.com/UniQw/shelfq/internal/keys"
	"github.com/UniQw/shelfq/internal/runtime"
	"github.com/UniQw/shelfq/internal/worker"
	"github.com/UniQw/shelfq/storage"
)

const (
	// CancelledMessage is the error recorded on tasks cancelled by CancelTask.
	CancelledMessage = "Cancelled by user"
	// InterruptedMessage is the error recorded on orphans under OrphanFail.
	InterruptedMessage = "Interrupted by worker restart"

	alarmTaskPrefix = "task:"
)

// OrphanPolicy decides what Load does with tasks persisted while processing.
type OrphanPolicy int

const (
	// OrphanRequeue puts interrupted tasks back to pending with progress 0.
	OrphanRequeue OrphanPolicy = iota
	// OrphanFail marks interrupted tasks failed with InterruptedMessage.
	OrphanFail
)

// Config configures a Manager. Zero values select the documented defaults.
type Config struct {
	// Store persists the queue under a single key. Default in-memory.
	Store storage.Store
	// Scheduler fires delayed, deferred and recurring alarms. Default TimerScheduler.
	Scheduler DeferredScheduler
	Logger    Logger
	// Retention is how long completed tasks are kept. Default 1h.
	Retention time.Duration
	// SweepInterval is the period of the background sweep. Default 1m.
	SweepInterval time.Duration
	// CleanupInterval is the period of the retention cleaner. Default 5m.
	CleanupInterval time.Duration
	OrphanPolicy    OrphanPolicy
	Clock           func() time.Time
}

// EventKind names a queue change delivered to listeners.
type EventKind string

const (
	EventTaskAdded     EventKind = "task_added"
	EventTaskUpdated   EventKind = "task_updated"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventTaskRemoved   EventKind = "task_removed"
	EventSweepDone     EventKind = "sweep_done"
)

// Event describes one queue change. Task is a copy taken after the change.
// Processed is set on EventSweepDone.
type Event struct {
	Kind      EventKind
	Task      Task
	Processed int
}

// Listener receives events synchronously after the queue lock is released.
// It must not block for long.
type Listener func(Event)

// Patch is a partial update applied by UpdateTask. Zero fields are left unchanged.
type Patch struct {
	Status   Status
	Progress *int
	Priority Priority
	Result   json.RawMessage
	Error    string
	// IfStatus, when set, makes the update conditional on the current status.
	IfStatus Status
}

// alarmAction is the persisted definition of a deferred or recurring alarm.
type alarmAction struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority Priority        `json:"priority,omitempty"`
	Every    int64           `json:"everyMs,omitempty"`
}

// Manager owns the task queue. All task mutations go through it and are
// persisted before the call returns.
type Manager struct {
	cfg   Config
	store storage.Store
	mux   *Mux
	sched DeferredScheduler
	log   Logger
	now   func() time.Time
	rt    *runtime.Runtime

	mu     sync.Mutex
	tasks  []*Task
	loaded bool

	sweeping atomic.Bool

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextLID   uint64

	amu     sync.Mutex
	actions map[string]alarmAction

	startMu sync.Mutex
	started bool
	bg      sync.WaitGroup
}

// NewManager creates a Manager dispatching tasks to handlers registered on mux.
func NewManager(cfg Config, mux *Mux) *Manager {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory(0)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimerScheduler()
	}
	if cfg.Logger == nil {
		cfg.Logger = NewFmtLogger()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if mux == nil {
		mux = NewMux()
	}
	m := &Manager{
		cfg:       cfg,
		store:     cfg.Store,
		mux:       mux,
		sched:     cfg.Scheduler,
		log:       cfg.Logger,
		now:       cfg.Clock,
		listeners: make(map[uint64]Listener),
		actions:   make(map[string]alarmAction),
	}
	m.rt = runtime.New(runtime.Config{
		Logger: cfg.Logger,
		Jobs: []runtime.Job{
			{Name: "sweep", Every: cfg.SweepInterval, Run: m.periodicSweep},
			{Name: "retention-cleaner", Every: cfg.CleanupInterval, Run: m.periodicCleanup},
		},
	})
	return m
}

// Load restores the persisted queue and alarm definitions. Tasks found
// processing were interrupted by a restart and are handled per OrphanPolicy.
// A missing or unreadable record starts an empty queue.
func (m *Manager) Load(ctx context.Context) error {
	tasks, err := storage.GetEntry[[]*Task](ctx, m.store, ikeys.Tasks)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warnf("load: tasks unreadable, starting empty: %v", err)
	}
	actions, aerr := storage.GetEntry[map[string]alarmAction](ctx, m.store, ikeys.AlarmActions)
	if aerr != nil && !errors.Is(aerr, storage.ErrNotFound) {
		m.log.Warnf("load: alarm actions unreadable: %v", aerr)
	}

	var changed []Task
	m.mu.Lock()
	m.tasks = m.tasks[:0]
	now := m.now().UnixMilli()
	for _, t := range tasks.Data {
		if t == nil || t.ID == "" {
			continue
		}
		if t.Priority == "" {
			t.Priority = PriorityNormal
		}
		if t.Status == StatusProcessing {
			switch m.cfg.OrphanPolicy {
			case OrphanFail:
				t.Status = StatusFailed
				t.Error = InterruptedMessage
				t.FailedAt = now
			default:
				t.Status = StatusPending
				t.Progress = 0
			}
			changed = append(changed, t.clone())
		}
		m.tasks = append(m.tasks, t)
	}
	m.loaded = true
	var perr error
	if len(changed) > 0 {
		perr = m.persistLocked(ctx)
	}
	m.mu.Unlock()

	m.amu.Lock()
	for name, a := range actions.Data {
		m.actions[name] = a
	}
	m.amu.Unlock()

	for _, t := range changed {
		m.log.Warnf("load: orphaned task id=%s type=%s now %s", t.ID, t.Type, t.Status)
		m.emit(Event{Kind: EventTaskUpdated, Task: t})
	}
	m.log.Infof("load: restored tasks=%d orphans=%d", len(tasks.Data), len(changed))
	return perr
}

// AddTask appends a pending task and persists the queue. data is encoded with
// the default Encoder; json.RawMessage passes through.
func (m *Manager) AddTask(ctx context.Context, taskType string, data any, opts ...Option) (Task, error) {
	if taskType == "" {
		return Task{}, fmt.Errorf("%w: empty type", ErrInvalidTask)
	}
	o := options{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := ParsePriority(string(o.priority)); err != nil {
		return Task{}, fmt.Errorf("%w: priority %q", ErrInvalidTask, o.priority)
	}
	payload, err := (&JSONEncoder{}).Encode(data)
	if err != nil {
		return Task{}, fmt.Errorf("shelfq: encode data: %w", err)
	}

	now := m.now()
	t := &Task{
		ID:        o.id,
		Type:      taskType,
		Status:    StatusPending,
		Priority:  o.priority,
		Data:      payload,
		CreatedAt: now.UnixMilli(),
		DelayMs:   o.delay.Milliseconds(),
	}
	if t.ID == "" {
		t.ID = newTaskID(now)
	}

	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return Task{}, ErrNotLoaded
	}
	if m.indexLocked(t.ID) >= 0 {
		m.mu.Unlock()
		return Task{}, ErrDuplicateTask
	}
	m.tasks = append(m.tasks, t)
	perr := m.persistLocked(ctx)
	out := t.clone()
	m.mu.Unlock()

	if perr != nil {
		m.log.Warnf("add: persist failed id=%s err=%v", out.ID, perr)
	}
	m.log.Debugf("added: id=%s type=%s priority=%s", out.ID, out.Type, out.Priority)
	m.emit(Event{Kind: EventTaskAdded, Task: out})
	if o.delay > 0 {
		m.armDelay(ctx, out.ID, o.delay)
	}
	return out, nil
}

// ProcessTasks runs one sweep: pending tasks in priority order (stable within a
// priority), one at a time. It returns the number of tasks it ran. A concurrent
// call returns ErrSweepInProgress without doing anything.
func (m *Manager) ProcessTasks(ctx context.Context) (int, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer m.sweeping.Store(false)

	n := 0
	for _, id := range m.pendingOrder() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if m.processTask(ctx, id) {
			n++
		}
	}
	m.log.Debugf("sweep: processed=%d", n)
	m.emit(Event{Kind: EventSweepDone, Processed: n})
	return n, nil
}

// Sweeping reports whether a sweep is running.
func (m *Manager) Sweeping() bool { return m.sweeping.Load() }

func (m *Manager) pendingOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority.rank() < pending[j].Priority.rank()
	})
	ids := make([]string, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
	}
	return ids
}

var errSkip = errors.New("skip")

// processTask runs one pending task to a terminal state. It reports false when
// the task was no longer pending.
func (m *Manager) processTask(ctx context.Context, id string) bool {
	t, err := m.mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusPending {
			return errSkip
		}
		t.Status = StatusProcessing
		t.Progress = 0
		t.StartedAt = m.now().UnixMilli()
		t.Error = ""
		t.Result = nil
		return nil
	})
	if err != nil {
		return false
	}

	st := hctx.New(id)
	st.Report = func(p int) error { return m.reportProgress(ctx, id, p) }
	st.Cancelled = func() bool { return m.isCancelled(id) }
	out := worker.Run(ctx, m.mux.execute, st, t.Type, t.Data)
	if out.Stack != nil {
		m.log.Errorf("handler panic: id=%s type=%s err=%v\n%s", id, t.Type, out.Err, out.Stack)
	}

	_, err = m.mutate(ctx, id, func(t *Task) error {
		// cancelled while running: keep the cancellation outcome
		if t.Status != StatusProcessing {
			return errSkip
		}
		now := m.now().UnixMilli()
		if out.Err != nil {
			t.Status = StatusFailed
			t.Error = worker.Message(out.Err)
			t.FailedAt = now
			t.Result = nil
			return nil
		}
		t.Status = StatusCompleted
		t.Progress = 100
		t.Result = out.Result
		t.Error = ""
		t.CompletedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
		m.log.Infof("task %s was cancelled while running", id)
	case err != nil:
		m.log.Warnf("finish: id=%s err=%v", id, err)
	case out.Err != nil:
		m.log.Warnf("handler error: id=%s type=%s err=%v", id, t.Type, out.Err)
	default:
		m.log.Debugf("processed: id=%s type=%s", id, t.Type)
	}
	return true
}

func (m *Manager) reportProgress(ctx context.Context, id string, p int) error {
	_, err := m.UpdateTask(ctx, id, Patch{Progress: &p, IfStatus: StatusProcessing})
	if errors.Is(err, ErrStatusMismatch) || errors.Is(err, ErrTaskNotFound) {
		return ErrCancelled
	}
	return err
}

func (m *Manager) isCancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	return i < 0 || m.tasks[i].Status != StatusProcessing
}

// UpdateTask applies p to the task and persists the queue. Status changes must
// follow the task state machine. Progress only rises while the task stays
// processing.
func (m *Manager) UpdateTask(ctx context.Context, id string, p Patch) (Task, error) {
	if p.Status != "" {
		if _, err := ParseStatus(string(p.Status)); err != nil {
			return Task{}, err
		}
	}
	if p.Priority != "" {
		if _, err := ParsePriority(string(p.Priority)); err != nil {
			return Task{}, err
		}
	}
	return m.mutate(ctx, id, func(t *Task) error {
		if p.IfStatus != "" && t.Status != p.IfStatus {
			return ErrStatusMismatch
		}
		to := t.Status
		if p.Status != "" {
			to = p.Status
		}
		if !canTransition(t.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
		}
		from := t.Status
		t.Status = to
		now := m.now().UnixMilli()
		if from != to {
			switch to {
			case StatusProcessing:
				t.Progress = 0
				t.StartedAt = now
			case StatusPending:
				t.Progress = 0
				t.Error = ""
				t.Result = nil
				t.FailedAt = 0
			case StatusCompleted:
				t.CompletedAt = now
				t.Progress = 100
				t.Error = ""
			case StatusFailed, StatusCancelled:
				t.FailedAt = now
				t.Result = nil
			}
		}
		if p.Progress != nil {
			v := max(0, min(100, *p.Progress))
			if to != StatusProcessing || v > t.Progress {
				t.Progress = v
			}
		}
		if p.Priority != "" {
			t.Priority = p.Priority
		}
		switch to {
		case StatusCompleted:
			if p.Result != nil {
				t.Result = p.Result
			}
		case StatusFailed, StatusCancelled:
			if p.Error != "" {
				t.Error = p.Error
			}
		}
		return nil
	})
}

// CancelTask fails a pending or processing task with CancelledMessage. A running
// handler observes it through SetProgress or Cancelled. It reports false for
// tasks in any other state.
func (m *Manager) CancelTask(ctx context.Context, id string) (bool, error) {
	_, err := m.mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusPending && t.Status != StatusProcessing {
			return errSkip
		}
		t.Status = StatusFailed
		t.Error = CancelledMessage
		t.FailedAt = m.now().UnixMilli()
		t.Result = nil
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cerr := m.sched.Cancel(ctx, alarmTaskPrefix+id); cerr != nil {
		m.log.Warnf("cancel: alarm for %s: %v", id, cerr)
	}
	return true, nil
}

// RetryTask puts a failed task back to pending with progress reset and the
// error cleared. It reports false for tasks in any other state.
func (m *Manager) RetryTask(ctx context.Context, id string) (bool, error) {
	t, err := m.mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusFailed {
			return errSkip
		}
		t.Status = StatusPending
		t.Progress = 0
		t.Error = ""
		t.FailedAt = 0
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.DelayMs > 0 {
		m.armDelay(ctx, id, time.Duration(t.DelayMs)*time.Millisecond)
	}
	return true, nil
}

// RemoveTask deletes a task in any state. A running handler keeps running but
// its outcome is discarded.
func (m *Manager) RemoveTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return false, nil
	}
	t := m.tasks[i].clone()
	m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
	perr := m.persistLocked(ctx)
	m.mu.Unlock()

	if cerr := m.sched.Cancel(ctx, alarmTaskPrefix+id); cerr != nil {
		m.log.Warnf("remove: alarm for %s: %v", id, cerr)
	}
	m.emit(Event{Kind: EventTaskRemoved, Task: t})
	return true, perr
}

// ClearCompletedTasks removes completed tasks whose completion is at least
// olderThan in the past. Zero removes every completed task.
func (m *Manager) ClearCompletedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan).UnixMilli()
	m.mu.Lock()
	kept := m.tasks[:0]
	var removed []Task
	for _, t := range m.tasks {
		if t.Status == StatusCompleted && t.CompletedAt <= cutoff {
			removed = append(removed, t.clone())
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(m.tasks); i++ {
		m.tasks[i] = nil
	}
	m.tasks = kept
	var perr error
	if len(removed) > 0 {
		perr = m.persistLocked(ctx)
	}
	m.mu.Unlock()

	for _, t := range removed {
		m.emit(Event{Kind: EventTaskRemoved, Task: t})
	}
	return len(removed), perr
}

// Tasks returns copies of every task in queue order.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.clone()
	}
	return out
}

// PendingTasks returns copies of the pending tasks in the order the next sweep
// would run them.
func (m *Manager) PendingTasks() []Task {
	ids := m.pendingOrder()
	out := make([]Task, 0, len(ids))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if i := m.indexLocked(id); i >= 0 {
			out = append(out, m.tasks[i].clone())
		}
	}
	return out
}

// Task returns a copy of one task.
func (m *Manager) Task(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return Task{}, false
	}
	return m.tasks[i].clone(), true
}

// Subscribe registers l for every subsequent event. The returned func removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.lmu.Lock()
	m.nextLID++
	id := m.nextLID
	m.listeners[id] = l
	m.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// ScheduleRecurring adds a taskType task every period and runs a sweep. An
// alarm already registered under name keeps its phase so restarts do not
// postpone it.
func (m *Manager) ScheduleRecurring(ctx context.Context, name, taskType string, data any, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("%w: non-positive period", ErrInvalidTask)
	}
	alarm := "recurring:" + name
	if err := m.saveAction(ctx, alarm, taskType, data, every); err != nil {
		return err
	}
	if _, ok, err := m.sched.Next(ctx, alarm); err == nil && ok {
		return nil
	}
	return m.sched.Schedule(ctx, alarm, m.now().Add(every), every)
}

// ScheduleDeferred adds a taskType task once, after the given delay, and runs a
// sweep. Scheduling the same name again replaces the pending alarm.
func (m *Manager) ScheduleDeferred(ctx context.Context, name, taskType string, data any, after time.Duration) (time.Time, error) {
	alarm := "deferred:" + name
	if err := m.saveAction(ctx, alarm, taskType, data, 0); err != nil {
		return time.Time{}, err
	}
	at := m.now().Add(after)
	return at, m.sched.Schedule(ctx, alarm, at, 0)
}

// CancelAlarm unregisters a recurring or deferred alarm by the name it was
// scheduled with.
func (m *Manager) CancelAlarm(ctx context.Context, name string) error {
	var err error
	for _, alarm := range []string{"recurring:" + name, "deferred:" + name} {
		if cerr := m.sched.Cancel(ctx, alarm); cerr != nil {
			err = cerr
		}
		m.amu.Lock()
		delete(m.actions, alarm)
		m.amu.Unlock()
	}
	if perr := m.persistActions(ctx); perr != nil {
		return perr
	}
	return err
}

func (m *Manager) saveAction(ctx context.Context, alarm, taskType string, data any, every time.Duration) error {
	if taskType == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidTask)
	}
	payload, err := (&JSONEncoder{}).Encode(data)
	if err != nil {
		return fmt.Errorf("shelfq: encode data: %w", err)
	}
	m.amu.Lock()
	m.actions[alarm] = alarmAction{Type: taskType, Data: payload, Every: every.Milliseconds()}
	m.amu.Unlock()
	return m.persistActions(ctx)
}

func (m *Manager) persistActions(ctx context.Context) error {
	m.amu.Lock()
	defer m.amu.Unlock()
	return storage.PutEntry(ctx, m.store, ikeys.AlarmActions, m.actions, m.now())
}

func (m *Manager) armDelay(ctx context.Context, id string, d time.Duration) {
	if err := m.sched.Schedule(ctx, alarmTaskPrefix+id, m.now().Add(d), 0); err != nil {
		m.log.Warnf("delay: schedule alarm for %s: %v", id, err)
	}
}

// onAlarm is the FireFunc handed to the scheduler.
func (m *Manager) onAlarm(name string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx := context.Background()
		if !strings.HasPrefix(name, alarmTaskPrefix) {
			m.amu.Lock()
			a, ok := m.actions[name]
			if ok && a.Every == 0 {
				delete(m.actions, name)
			}
			m.amu.Unlock()
			if !ok {
				m.log.Warnf("alarm %s has no action", name)
				return
			}
			if a.Every == 0 {
				if err := m.persistActions(ctx); err != nil {
					m.log.Warnf("alarm %s: persist actions: %v", name, err)
				}
			}
			if _, err := m.AddTask(ctx, a.Type, a.Data, WithPriority(orNormal(a.Priority))); err != nil {
				m.log.Warnf("alarm %s: add task: %v", name, err)
				return
			}
		}
		if _, err := m.ProcessTasks(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
			m.log.Warnf("alarm %s: sweep: %v", name, err)
		}
	}()
}

func orNormal(p Priority) Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

func (m *Manager) periodicSweep(ctx context.Context) {
	if _, err := m.ProcessTasks(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
		m.log.Warnf("periodic sweep: %v", err)
	}
}

func (m *Manager) periodicCleanup(ctx context.Context) {
	n, err := m.ClearCompletedTasks(ctx, m.cfg.Retention)
	if err != nil {
		m.log.Warnf("retention cleaner: %v", err)
		return
	}
	if n > 0 {
		m.log.Infof("retention cleaner: removed=%d", n)
	}
}

// Start launches the periodic sweep, the retention cleaner and the alarm
// scheduler. It is idempotent.
func (m *Manager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		m.log.Warnf("manager already started; ignoring Start()")
		return
	}
	m.started = true
	m.sched.Start(m.onAlarm)
	m.rt.Start()
}

// Stop halts background work and waits for alarm-triggered sweeps to return.
// It is idempotent.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	m.rt.Stop()
	m.sched.Stop()
	m.bg.Wait()
}

// mutate applies fn to the task under the queue lock, persists, and emits the
// matching events. fn returning an error leaves the task untouched.
func (m *Manager) mutate(ctx context.Context, id string, fn func(t *Task) error) (Task, error) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	before := m.tasks[i].clone()
	work := before.clone()
	if err := fn(&work); err != nil {
		m.mu.Unlock()
		return before, err
	}
	*m.tasks[i] = work
	perr := m.persistLocked(ctx)
	after := work.clone()
	m.mu.Unlock()

	if perr != nil {
		m.log.Warnf("persist failed after update id=%s err=%v", id, perr)
	}
	m.emit(Event{Kind: EventTaskUpdated, Task: after})
	if before.Status != after.Status {
		switch after.Status {
		case StatusCompleted:
			m.emit(Event{Kind: EventTaskCompleted, Task: after})
		case StatusFailed, StatusCancelled:
			m.emit(Event{Kind: EventTaskFailed, Task: after})
		}
	}
	return after, nil
}

func (m *Manager) indexLocked(id string) int {
	for i, t := range m.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole queue. Callers hold m.mu so writes land in
// mutation order. A write parked in an offline queue is not an error.
func (m *Manager) persistLocked(ctx context.Context) error {
	err := storage.PutEntry(ctx, m.store, ikeys.Tasks, m.tasks, m.now())
	if errors.Is(err, storage.ErrQueuedOffline) {
		m.log.Warnf("persist: store unreachable, queued offline")
		return nil
	}
	return err
}

func (m *Manager) emit(ev Event) {
	m.lmu.RLock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.lmu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}
