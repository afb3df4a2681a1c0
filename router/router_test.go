package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/shelfq"
	"github.com/UniQw/shelfq/storage"
	"github.com/stretchr/testify/require"
)

type quiet struct{}

func (quiet) Debugf(string, ...any) {}
func (quiet) Infof(string, ...any)  {}
func (quiet) Warnf(string, ...any)  {}
func (quiet) Errorf(string, ...any) {}

type fixture struct {
	r      *Router
	m      *shelfq.Manager
	caches *storage.Caches
	store  *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory(0)
	mux := shelfq.NewMux()
	mux.Handle("echo", func(ctx context.Context, b []byte) error {
		shelfq.SetResultBytes(ctx, b)
		return nil
	})
	mux.Handle("fail", func(context.Context, []byte) error { return errors.New("nope") })
	m := shelfq.NewManager(shelfq.Config{Store: store, Logger: quiet{}}, mux)
	require.NoError(t, m.Load(context.Background()))
	caches := storage.NewCaches(store)
	r := New(Config{Manager: m, Caches: caches, Usage: store, Logger: quiet{}})
	t.Cleanup(func() {
		r.Close()
		m.Stop()
	})
	return &fixture{r: r, m: m, caches: caches, store: store}
}

func msg(t *testing.T, typ string, body any) Message {
	t.Helper()
	m := Message{Type: typ, MessageID: "req-1"}
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		m.Payload = b
	}
	return m
}

func body[T any](t *testing.T, m Message, want string) T {
	t.Helper()
	require.Equal(t, want, m.Type, "payload: %s", m.Payload)
	var v T
	require.NoError(t, json.Unmarshal(m.Payload, &v))
	return v
}

// inbox is a Client collecting pushes.
type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *inbox) Send(m Message) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	return nil
}

func (b *inbox) find(typ string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return Message{}, false
}

func TestRouter_UnknownType(t *testing.T) {
	f := newFixture(t)
	resp := f.r.Handle(context.Background(), Message{Type: "FOO", MessageID: "x9"})
	res := body[Result](t, resp, Error)
	require.False(t, res.Success)
	require.Equal(t, "unknown message type: FOO", res.Error)
	require.Equal(t, "x9", resp.MessageID)
}

func TestRouter_ScheduleAndQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.r.Handle(ctx, msg(t, ScheduleTask, ScheduleTaskRequest{TaskType: "echo", TaskData: json.RawMessage(`{"n":1}`), Priority: "low"}))
	require.Equal(t, "req-1", resp.MessageID)
	low := body[ScheduledBody](t, resp, TaskScheduled)
	require.True(t, low.Success)
	require.NotEmpty(t, low.TaskID)

	high := body[ScheduledBody](t, f.r.Handle(ctx, msg(t, ScheduleTask, ScheduleTaskRequest{TaskType: "echo", Priority: "high"})), TaskScheduled)
	require.True(t, high.Success)

	all := body[TasksBody](t, f.r.Handle(ctx, msg(t, GetAllTasks, nil)), AllTasks)
	require.Len(t, all.Tasks, 2)
	require.JSONEq(t, `{"n":1}`, string(all.Tasks[0].Data))

	pending := body[PendingTasksBody](t, f.r.Handle(ctx, msg(t, GetPendingTasks, nil)), PendingTasks)
	require.Len(t, pending.Tasks, 2)
	require.Equal(t, high.TaskID, pending.Tasks[0].ID)
	require.Equal(t, shelfq.PriorityLow, pending.Tasks[1].Priority)
}

func TestRouter_ScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, m := range []Message{
		msg(t, ScheduleTask, nil),
		msg(t, ScheduleTask, map[string]any{"taskType": "echo", "priority": "urgent"}),
		msg(t, ScheduleTask, map[string]any{"taskType": "echo", "delayMs": -5}),
		{Type: ScheduleTask, MessageID: "req-1", Payload: json.RawMessage(`{"taskType":`)},
	} {
		resp := f.r.Handle(ctx, m)
		require.Equal(t, "req-1", resp.MessageID)
		res := body[ScheduledBody](t, resp, TaskScheduled)
		require.False(t, res.Success)
		require.Contains(t, res.Error, "invalid payload")
	}
	require.Empty(t, f.m.Tasks())

	cancel := body[Result](t, f.r.Handle(ctx, msg(t, CancelTask, map[string]string{})), TaskCancelled)
	require.False(t, cancel.Success)
	require.Contains(t, cancel.Error, "invalid payload")

	retry := body[Result](t, f.r.Handle(ctx, msg(t, RetryTask, nil)), TaskRetried)
	require.False(t, retry.Success)

	deferred := body[DeferredSyncBody](t, f.r.Handle(ctx, msg(t, ScheduleDeferredSync, map[string]int{"delayMs": -1})), DeferredSyncScheduled)
	require.False(t, deferred.Success)
	require.Zero(t, deferred.ScheduledAt)
}

func TestRouter_DecodesWireEnvelope(t *testing.T) {
	f := newFixture(t)
	raw := `{"type":"SCHEDULE_TASK","messageId":"m1","payload":{"taskType":"echo","taskData":{"n":2},"priority":"high"}}`
	var req Message
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	resp := f.r.Handle(context.Background(), req)
	require.Equal(t, "m1", resp.MessageID)
	res := body[ScheduledBody](t, resp, TaskScheduled)
	require.True(t, res.Success, res.Error)

	task, ok := f.m.Task(res.TaskID)
	require.True(t, ok)
	require.Equal(t, shelfq.PriorityHigh, task.Priority)
	require.JSONEq(t, `{"n":2}`, string(task.Data))

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &wire))
	require.Contains(t, wire, "payload")
	require.NotContains(t, wire, "data")
}

func TestRouter_ProcessPushesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := &inbox{}
	disconnect := f.r.Connect(in)
	defer disconnect()

	ok := body[ScheduledBody](t, f.r.Handle(ctx, msg(t, ScheduleTask, ScheduleTaskRequest{TaskType: "echo", TaskData: json.RawMessage(`"hi"`)})), TaskScheduled)
	bad := body[ScheduledBody](t, f.r.Handle(ctx, msg(t, ScheduleTask, ScheduleTaskRequest{TaskType: "fail"})), TaskScheduled)

	started := body[ProcessingStartedBody](t, f.r.Handle(ctx, msg(t, ProcessTasks, nil)), ProcessingStarted)
	require.True(t, started.Success)
	require.Equal(t, 2, started.PendingCount)

	require.Eventually(t, func() bool {
		_, ok := in.find(TasksProcessed)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	processed, _ := in.find(TasksProcessed)
	require.Equal(t, 2, body[ProcessedBody](t, processed, TasksProcessed).ProcessedCount)

	done, found := in.find(TaskCompleted)
	require.True(t, found)
	cb := body[CompletedBody](t, done, TaskCompleted)
	require.Equal(t, ok.TaskID, cb.TaskID)
	require.JSONEq(t, `"hi"`, string(cb.Result))

	failed, found := in.find(TaskFailed)
	require.True(t, found)
	fb := body[FailedBody](t, failed, TaskFailed)
	require.Equal(t, bad.TaskID, fb.TaskID)
	require.Equal(t, "nope", fb.Error)

	update, found := in.find(TaskStatusUpdate)
	require.True(t, found)
	require.Equal(t, shelfq.StatusPending, body[StatusUpdateBody](t, update, TaskStatusUpdate).Status)

	// START_PROCESSING is an alias
	require.Equal(t, ProcessingStarted, f.r.Handle(ctx, msg(t, StartProcessing, nil)).Type)
}

func TestRouter_CancelRetryClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := body[Result](t, f.r.Handle(ctx, msg(t, CancelTask, TaskIDRequest{TaskID: "missing"})), TaskCancelled)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "not found")

	s := body[ScheduledBody](t, f.r.Handle(ctx, msg(t, ScheduleTask, ScheduleTaskRequest{TaskType: "echo"})), TaskScheduled)
	res = body[Result](t, f.r.Handle(ctx, msg(t, RetryTask, TaskIDRequest{TaskID: s.TaskID})), TaskRetried)
	require.False(t, res.Success, "pending tasks are not retried")

	res = body[Result](t, f.r.Handle(ctx, msg(t, CancelTask, TaskIDRequest{TaskID: s.TaskID})), TaskCancelled)
	require.True(t, res.Success)
	task, _ := f.m.Task(s.TaskID)
	require.Equal(t, shelfq.CancelledMessage, task.Error)

	res = body[Result](t, f.r.Handle(ctx, msg(t, RetryTask, TaskIDRequest{TaskID: s.TaskID})), TaskRetried)
	require.True(t, res.Success)

	_, err := f.m.ProcessTasks(ctx)
	require.NoError(t, err)
	cleared := body[ClearedBody](t, f.r.Handle(ctx, msg(t, ClearCompletedTasks, nil)), CompletedTasksCleared)
	require.True(t, cleared.Success)
	require.Equal(t, 1, cleared.Removed)
	require.Empty(t, f.m.Tasks())
}

func TestRouter_StorageUsageAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.caches.Put(ctx, "pages", "a", json.RawMessage(`1`)))
	require.NoError(t, f.caches.Put(ctx, "pages", "b", json.RawMessage(`2`)))
	require.NoError(t, f.caches.Put(ctx, "assets", "c", json.RawMessage(`3`)))

	usage := body[StorageUsageBody](t, f.r.Handle(ctx, msg(t, GetStorageUsage, nil)), StorageUsage)
	require.True(t, usage.Success)
	require.Positive(t, usage.BytesInUse)

	st := body[CacheStatusBody](t, f.r.Handle(ctx, msg(t, GetCacheStatus, nil)), CacheStatus)
	require.Equal(t, 2, st.TotalCaches)
	require.Equal(t, []storage.CacheStatus{{Name: "assets", EntryCount: 1}, {Name: "pages", EntryCount: 2}}, st.Caches)

	res := body[Result](t, f.r.Handle(ctx, msg(t, ClearCache, nil)), CacheCleared)
	require.True(t, res.Success)
	st = body[CacheStatusBody](t, f.r.Handle(ctx, msg(t, GetCacheStatus, nil)), CacheStatus)
	require.Zero(t, st.TotalCaches)
	require.NotNil(t, st.Caches)

	noUsage := New(Config{Manager: f.m})
	defer noUsage.Close()
	usage = body[StorageUsageBody](t, noUsage.Handle(ctx, msg(t, GetStorageUsage, nil)), StorageUsage)
	require.False(t, usage.Success)
}

func TestRouter_DeferredSync(t *testing.T) {
	f := newFixture(t)
	before := time.Now()
	res := body[DeferredSyncBody](t, f.r.Handle(context.Background(), msg(t, ScheduleDeferredSync, DeferredSyncRequest{DelayMs: 90_000})), DeferredSyncScheduled)
	require.True(t, res.Success)
	require.WithinDuration(t, before.Add(90*time.Second), time.UnixMilli(res.ScheduledAt), 5*time.Second)
}

func TestRouter_FailingClientDropped(t *testing.T) {
	f := newFixture(t)
	good := &inbox{}
	f.r.Connect(good)
	f.r.Connect(ClientFunc(func(Message) error { return errors.New("gone") }))
	require.Equal(t, 2, f.r.Clients())

	f.r.Broadcast(Message{Type: TasksProcessed})
	require.Equal(t, 1, f.r.Clients())
	_, ok := good.find(TasksProcessed)
	require.True(t, ok)
}
