package router

import (
	"encoding/json"

	"github.com/UniQw/shelfq"
	"github.com/UniQw/shelfq/storage"
)

// Message is the envelope exchanged with clients. Payload holds the request or
// response body for Type. MessageID is echoed on the response.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// Request types.
const (
	GetAllTasks          = "GET_ALL_TASKS"
	GetPendingTasks      = "GET_PENDING_TASKS"
	ScheduleTask         = "SCHEDULE_TASK"
	ProcessTasks         = "PROCESS_TASKS"
	StartProcessing      = "START_PROCESSING"
	CancelTask           = "CANCEL_TASK"
	RetryTask            = "RETRY_TASK"
	ClearCompletedTasks  = "CLEAR_COMPLETED_TASKS"
	GetStorageUsage      = "GET_STORAGE_USAGE"
	ScheduleDeferredSync = "SCHEDULE_DEFERRED_SYNC"
	ClearCache           = "CLEAR_CACHE"
	GetCacheStatus       = "GET_CACHE_STATUS"
)

// Response and push types.
const (
	AllTasks              = "ALL_TASKS"
	PendingTasks          = "PENDING_TASKS"
	TaskScheduled         = "TASK_SCHEDULED"
	ProcessingStarted     = "PROCESSING_STARTED"
	TaskCancelled         = "TASK_CANCELLED"
	TaskRetried           = "TASK_RETRIED"
	CompletedTasksCleared = "COMPLETED_TASKS_CLEARED"
	StorageUsage          = "STORAGE_USAGE"
	DeferredSyncScheduled = "DEFERRED_SYNC_SCHEDULED"
	CacheCleared          = "CACHE_CLEARED"
	CacheStatus           = "CACHE_STATUS"
	Error                 = "ERROR"

	TaskStatusUpdate = "TASK_STATUS_UPDATE"
	TaskCompleted    = "TASK_COMPLETED"
	TaskFailed       = "TASK_FAILED"
	TasksProcessed   = "TASKS_PROCESSED"
)

type ScheduleTaskRequest struct {
	TaskType string          `json:"taskType" validate:"required"`
	TaskData json.RawMessage `json:"taskData,omitempty"`
	Priority string          `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	DelayMs  int64           `json:"delayMs,omitempty" validate:"gte=0"`
}

type TaskIDRequest struct {
	TaskID string `json:"taskId" validate:"required"`
}

type DeferredSyncRequest struct {
	DelayMs int64 `json:"delayMs,omitempty" validate:"gte=0"`
}

type TasksBody struct {
	Tasks []shelfq.Task `json:"tasks"`
}

type PendingTasksBody struct {
	Tasks []shelfq.Summary `json:"tasks"`
}

// Result is the body of responses that only report success.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ScheduledBody struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ProcessingStartedBody struct {
	Success      bool `json:"success"`
	PendingCount int  `json:"pendingCount"`
}

type ClearedBody struct {
	Success bool   `json:"success"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

type StorageUsageBody struct {
	Success    bool   `json:"success"`
	BytesInUse int64  `json:"bytesInUse"`
	Error      string `json:"error,omitempty"`
}

type DeferredSyncBody struct {
	Success     bool   `json:"success"`
	ScheduledAt int64  `json:"scheduledAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

type CacheStatusBody struct {
	Caches      []storage.CacheStatus `json:"caches"`
	TotalCaches int                   `json:"totalCaches"`
	Error       string                `json:"error,omitempty"`
}

type StatusUpdateBody struct {
	TaskID   string        `json:"taskId"`
	Status   shelfq.Status `json:"status"`
	Progress int           `json:"progress"`
}

type CompletedBody struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

type FailedBody struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

type ProcessedBody struct {
	ProcessedCount int `json:"processedCount"`
}
