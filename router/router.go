// Package router translates client messages into task manager calls and
// broadcasts task events back to every connected client.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/shelfq"
	"github.com/UniQw/shelfq/bookmarks"
	"github.com/UniQw/shelfq/storage"
	"github.com/UniQw/shelfq/tasks"
	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Logger mirrors the root package logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Client receives pushed messages. A Send error disconnects the client.
type Client interface {
	Send(Message) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(Message) error

func (f ClientFunc) Send(m Message) error { return f(m) }

// Config configures a Router. Manager is required.
type Config struct {
	Manager *shelfq.Manager
	// Caches backs CLEAR_CACHE and GET_CACHE_STATUS.
	Caches *storage.Caches
	// Bookmarks is also cleared by CLEAR_CACHE when set.
	Bookmarks *bookmarks.Cache
	// Usage backs GET_STORAGE_USAGE.
	Usage  storage.UsageReporter
	Logger Logger
	// DeferredSyncDelay is used when SCHEDULE_DEFERRED_SYNC carries no delay. Default 1m.
	DeferredSyncDelay time.Duration
}

// Router never mutates task state itself; every request maps to a Manager call.
type Router struct {
	cfg      Config
	m        *shelfq.Manager
	log      Logger
	validate *validator.Validate

	mu      sync.RWMutex
	clients map[uint64]Client
	nextID  uint64

	unsubscribe func()
	sweeps      sync.WaitGroup
}

// New creates a Router and subscribes it to the manager's events.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.DeferredSyncDelay <= 0 {
		cfg.DeferredSyncDelay = time.Minute
	}
	r := &Router{
		cfg:      cfg,
		m:        cfg.Manager,
		log:      cfg.Logger,
		validate: validator.New(),
		clients:  make(map[uint64]Client),
	}
	r.unsubscribe = cfg.Manager.Subscribe(r.onEvent)
	return r
}

// Connect registers c for pushes until the returned func is called.
func (r *Router) Connect(c Client) (disconnect func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.clients[id] = c
	r.mu.Unlock()
	return func() { r.drop(id) }
}

func (r *Router) drop(id uint64) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Clients returns the number of connected clients.
func (r *Router) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends m to every connected client. Clients failing to accept it
// are disconnected.
func (r *Router) Broadcast(m Message) {
	r.mu.RLock()
	targets := make(map[uint64]Client, len(r.clients))
	for id, c := range r.clients {
		targets[id] = c
	}
	r.mu.RUnlock()
	for id, c := range targets {
		if err := c.Send(m); err != nil {
			r.log.Warnf("router: dropping client %d: %v", id, err)
			r.drop(id)
		}
	}
}

// Close stops forwarding events, waits for sweeps started by PROCESS_TASKS and
// disconnects every client.
func (r *Router) Close() {
	r.unsubscribe()
	r.sweeps.Wait()
	r.mu.Lock()
	r.clients = make(map[uint64]Client)
	r.mu.Unlock()
}

func (r *Router) onEvent(ev shelfq.Event) {
	t := ev.Task
	switch ev.Kind {
	case shelfq.EventTaskAdded, shelfq.EventTaskUpdated:
		r.Broadcast(reply(TaskStatusUpdate, StatusUpdateBody{TaskID: t.ID, Status: t.Status, Progress: t.Progress}))
	case shelfq.EventTaskCompleted:
		r.Broadcast(reply(TaskCompleted, CompletedBody{TaskID: t.ID, Result: t.Result}))
	case shelfq.EventTaskFailed:
		r.Broadcast(reply(TaskFailed, FailedBody{TaskID: t.ID, Error: t.Error}))
	}
}

// Handle answers one request. It never panics. Unknown types produce an ERROR
// response; a bad body on a known type produces that type's response with
// success false.
func (r *Router) Handle(ctx context.Context, req Message) (resp Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("router: %s panicked: %v", req.Type, p)
			resp = r.fail(req, fmt.Errorf("internal error handling %s", req.Type))
		}
	}()
	out, err := r.dispatch(ctx, req)
	if err != nil {
		return r.fail(req, err)
	}
	out.MessageID = req.MessageID
	return out
}

func (r *Router) dispatch(ctx context.Context, req Message) (Message, error) {
	switch req.Type {
	case GetAllTasks:
		return reply(AllTasks, TasksBody{Tasks: r.m.Tasks()}), nil

	case GetPendingTasks:
		pending := r.m.PendingTasks()
		out := make([]shelfq.Summary, len(pending))
		for i, t := range pending {
			out[i] = t.Summary()
		}
		return reply(PendingTasks, PendingTasksBody{Tasks: out}), nil

	case ScheduleTask:
		var in ScheduleTaskRequest
		if err := r.decode(req.Payload, &in); err != nil {
			return reply(TaskScheduled, ScheduledBody{Error: err.Error()}), nil
		}
		prio, err := shelfq.ParsePriority(in.Priority)
		if err != nil {
			return reply(TaskScheduled, ScheduledBody{Error: err.Error()}), nil
		}
		opts := []shelfq.Option{shelfq.WithPriority(prio)}
		if in.DelayMs > 0 {
			opts = append(opts, shelfq.Delay(time.Duration(in.DelayMs)*time.Millisecond))
		}
		t, err := r.m.AddTask(ctx, in.TaskType, in.TaskData, opts...)
		if err != nil {
			return reply(TaskScheduled, ScheduledBody{Error: err.Error()}), nil
		}
		return reply(TaskScheduled, ScheduledBody{Success: true, TaskID: t.ID}), nil

	case ProcessTasks, StartProcessing:
		pending := len(r.m.PendingTasks())
		r.sweeps.Add(1)
		go r.sweep()
		return reply(ProcessingStarted, ProcessingStartedBody{Success: true, PendingCount: pending}), nil

	case CancelTask:
		var in TaskIDRequest
		if err := r.decode(req.Payload, &in); err != nil {
			return reply(TaskCancelled, Result{Error: err.Error()}), nil
		}
		ok, err := r.m.CancelTask(ctx, in.TaskID)
		return reply(TaskCancelled, outcome(ok, err, "task cannot be cancelled in its current state")), nil

	case RetryTask:
		var in TaskIDRequest
		if err := r.decode(req.Payload, &in); err != nil {
			return reply(TaskRetried, Result{Error: err.Error()}), nil
		}
		ok, err := r.m.RetryTask(ctx, in.TaskID)
		return reply(TaskRetried, outcome(ok, err, "only failed tasks can be retried")), nil

	case ClearCompletedTasks:
		n, err := r.m.ClearCompletedTasks(ctx, 0)
		if err != nil {
			return reply(CompletedTasksCleared, ClearedBody{Removed: n, Error: err.Error()}), nil
		}
		return reply(CompletedTasksCleared, ClearedBody{Success: true, Removed: n}), nil

	case GetStorageUsage:
		if r.cfg.Usage == nil {
			return reply(StorageUsage, StorageUsageBody{Error: "storage usage unavailable"}), nil
		}
		n, err := r.cfg.Usage.BytesInUse(ctx)
		if err != nil {
			return reply(StorageUsage, StorageUsageBody{Error: err.Error()}), nil
		}
		return reply(StorageUsage, StorageUsageBody{Success: true, BytesInUse: n}), nil

	case ScheduleDeferredSync:
		var in DeferredSyncRequest
		if err := r.decode(req.Payload, &in); err != nil {
			return reply(DeferredSyncScheduled, DeferredSyncBody{Error: err.Error()}), nil
		}
		delay := r.cfg.DeferredSyncDelay
		if in.DelayMs > 0 {
			delay = time.Duration(in.DelayMs) * time.Millisecond
		}
		at, err := r.m.ScheduleDeferred(ctx, "sync", tasks.TypeSync, nil, delay)
		if err != nil {
			return reply(DeferredSyncScheduled, DeferredSyncBody{Error: err.Error()}), nil
		}
		return reply(DeferredSyncScheduled, DeferredSyncBody{Success: true, ScheduledAt: at.UnixMilli()}), nil

	case ClearCache:
		var errs []error
		if r.cfg.Caches != nil {
			if _, err := r.cfg.Caches.Clear(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if r.cfg.Bookmarks != nil {
			if err := r.cfg.Bookmarks.ClearCache(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return reply(CacheCleared, Result{Error: err.Error()}), nil
		}
		return reply(CacheCleared, Result{Success: true}), nil

	case GetCacheStatus:
		if r.cfg.Caches == nil {
			return reply(CacheStatus, CacheStatusBody{Caches: []storage.CacheStatus{}}), nil
		}
		st, err := r.cfg.Caches.Status(ctx)
		if err != nil {
			return reply(CacheStatus, CacheStatusBody{Caches: []storage.CacheStatus{}, Error: err.Error()}), nil
		}
		if st == nil {
			st = []storage.CacheStatus{}
		}
		return reply(CacheStatus, CacheStatusBody{Caches: st, TotalCaches: len(st)}), nil
	}
	return Message{}, fmt.Errorf("unknown message type: %s", req.Type)
}

func (r *Router) sweep() {
	defer r.sweeps.Done()
	n, err := r.m.ProcessTasks(context.Background())
	if errors.Is(err, shelfq.ErrSweepInProgress) {
		r.log.Debugf("router: sweep already running")
		return
	}
	if err != nil {
		r.log.Warnf("router: sweep: %v", err)
	}
	r.Broadcast(reply(TasksProcessed, ProcessedBody{ProcessedCount: n}))
}

func (r *Router) decode(data json.RawMessage, v any) error {
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, v); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (r *Router) fail(req Message, err error) Message {
	m := reply(Error, Result{Error: err.Error()})
	m.MessageID = req.MessageID
	return m
}

func outcome(ok bool, err error, refused string) Result {
	switch {
	case err != nil:
		return Result{Error: err.Error()}
	case !ok:
		return Result{Error: refused}
	}
	return Result{Success: true}
}

func reply(typ string, body any) Message {
	b, err := json.Marshal(body)
	if err != nil {
		b, _ = json.Marshal(Result{Error: err.Error()})
		typ = Error
	}
	return Message{Type: typ, Payload: b}
}
