// Package tasks provides the built-in task handlers.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/UniQw/shelfq"
	"github.com/UniQw/shelfq/bookmarks"
	"github.com/UniQw/shelfq/storage"
	"github.com/UniQw/shelfq/stream"
	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Task types handled by Register.
const (
	TypeSync           = "SYNC"
	TypeBulkProcess    = "BULK_PROCESS"
	TypeAnalyze        = "ANALYZE"
	TypeCacheCleanup   = "CACHE_CLEANUP"
	TypeDataProcessing = "DATA_PROCESSING"
)

// ErrNotConfigured is returned by handlers whose dependency is missing from Deps.
var ErrNotConfigured = errors.New("tasks: dependency not configured")

// Deps are the collaborators of the built-in handlers. Handlers whose
// dependency is nil fail with ErrNotConfigured.
type Deps struct {
	Bookmarks *bookmarks.Cache
	Caches    *storage.Caches
	// StepDelay paces BULK_PROCESS items. Default 10ms.
	StepDelay time.Duration
	// Transform is applied to each DATA_PROCESSING item. Default compacts the JSON.
	Transform func(ctx context.Context, item json.RawMessage) (json.RawMessage, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Register installs every built-in handler on mux.
func Register(mux *shelfq.Mux, d Deps) {
	if d.StepDelay <= 0 {
		d.StepDelay = 10 * time.Millisecond
	}
	if d.Transform == nil {
		d.Transform = compact
	}
	h := &handlers{d: d}
	mux.Handle(TypeSync, h.sync)
	mux.Handle(TypeBulkProcess, h.bulkProcess)
	mux.Handle(TypeAnalyze, h.analyze)
	mux.Handle(TypeCacheCleanup, h.cacheCleanup)
	mux.Handle(TypeDataProcessing, h.dataProcessing)
}

type handlers struct {
	d Deps
}

func decode[T any](payload []byte) (T, error) {
	v, err := shelfq.Decode[T](payload)
	if err != nil {
		return v, fmt.Errorf("tasks: decode payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("tasks: invalid payload: %w", err)
	}
	return v, nil
}

// SyncResult is the result of SYNC.
type SyncResult struct {
	BookmarkCount int `json:"bookmarkCount"`
}

func (h *handlers) sync(ctx context.Context, _ []byte) error {
	if h.d.Bookmarks == nil {
		return fmt.Errorf("%w: bookmarks", ErrNotConfigured)
	}
	if err := shelfq.SetProgress(ctx, 10); err != nil {
		return err
	}
	bms, err := h.d.Bookmarks.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := shelfq.SetProgress(ctx, 90); err != nil {
		return err
	}
	return shelfq.SetResult(ctx, SyncResult{BookmarkCount: len(bms)})
}

// BulkProcessData is the payload of BULK_PROCESS.
type BulkProcessData struct {
	ItemCount int `json:"itemCount" validate:"gte=0,lte=1000000"`
}

// BulkProcessResult is the result of BULK_PROCESS.
type BulkProcessResult struct {
	ProcessedCount int `json:"processedCount"`
}

func (h *handlers) bulkProcess(ctx context.Context, payload []byte) error {
	in, err := decode[BulkProcessData](payload)
	if err != nil {
		return err
	}
	for i := 0; i < in.ItemCount; i++ {
		if shelfq.Cancelled(ctx) {
			return shelfq.ErrCancelled
		}
		if err := sleep(ctx, h.d.StepDelay); err != nil {
			return err
		}
		if err := shelfq.SetProgress(ctx, (i+1)*100/in.ItemCount); err != nil {
			return err
		}
	}
	return shelfq.SetResult(ctx, BulkProcessResult{ProcessedCount: in.ItemCount})
}

// AnalyzeData is the payload of ANALYZE. Empty IDs analyzes every cached bookmark.
type AnalyzeData struct {
	IDs []string `json:"ids,omitempty" validate:"omitempty,dive,required"`
}

// AnalyzeResult is the result of ANALYZE.
type AnalyzeResult struct {
	AnalyzedCount int            `json:"analyzedCount"`
	Hosts         map[string]int `json:"hosts"`
	Categories    map[string]int `json:"categories"`
	FolderCount   int            `json:"folderCount"`
}

func (h *handlers) analyze(ctx context.Context, payload []byte) error {
	if h.d.Bookmarks == nil {
		return fmt.Errorf("%w: bookmarks", ErrNotConfigured)
	}
	in, err := decode[AnalyzeData](payload)
	if err != nil {
		return err
	}
	all := h.d.Bookmarks.Bookmarks()
	if len(in.IDs) > 0 {
		want := make(map[string]struct{}, len(in.IDs))
		for _, id := range in.IDs {
			want[id] = struct{}{}
		}
		picked := all[:0:0]
		for _, b := range all {
			if _, ok := want[b.ID]; ok {
				picked = append(picked, b)
			}
		}
		all = picked
	}

	res := AnalyzeResult{Hosts: map[string]int{}, Categories: map[string]int{}}
	folders := map[string]struct{}{}
	step := max(1, len(all)/10)
	for i, b := range all {
		if i%step == 0 {
			if err := shelfq.SetProgress(ctx, i*100/len(all)); err != nil {
				return err
			}
		}
		if u, err := url.Parse(b.URL); err == nil && u.Hostname() != "" {
			res.Hosts[u.Hostname()]++
		}
		cat := b.Category
		if cat == "" {
			cat = "uncategorized"
		}
		res.Categories[cat]++
		if b.ParentID != "" {
			folders[b.ParentID] = struct{}{}
		}
		res.AnalyzedCount++
	}
	res.FolderCount = len(folders)
	return shelfq.SetResult(ctx, res)
}

// CacheCleanupData is the payload of CACHE_CLEANUP.
type CacheCleanupData struct {
	Current  string `json:"current"`
	MaxAgeMs int64  `json:"maxAgeMs" validate:"gte=0"`
}

// CacheCleanupResult is the result of CACHE_CLEANUP.
type CacheCleanupResult struct {
	DeletedCaches int `json:"deletedCaches"`
	PrunedEntries int `json:"prunedEntries"`
}

func (h *handlers) cacheCleanup(ctx context.Context, payload []byte) error {
	if h.d.Caches == nil {
		return fmt.Errorf("%w: caches", ErrNotConfigured)
	}
	in, err := decode[CacheCleanupData](payload)
	if err != nil {
		return err
	}
	names, err := h.d.Caches.Names(ctx)
	if err != nil {
		return fmt.Errorf("cache cleanup: %w", err)
	}
	var res CacheCleanupResult
	for i, name := range names {
		if shelfq.Cancelled(ctx) {
			return shelfq.ErrCancelled
		}
		if name != in.Current {
			if _, err := h.d.Caches.Drop(ctx, name); err != nil {
				return fmt.Errorf("cache cleanup: drop %s: %w", name, err)
			}
			res.DeletedCaches++
		}
		if err := shelfq.SetProgress(ctx, (i+1)*90/len(names)); err != nil {
			return err
		}
	}
	if in.Current != "" && in.MaxAgeMs > 0 {
		n, err := h.d.Caches.Prune(ctx, in.Current, time.Duration(in.MaxAgeMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("cache cleanup: prune %s: %w", in.Current, err)
		}
		res.PrunedEntries = n
	}
	return shelfq.SetResult(ctx, res)
}

// DataProcessingData is the payload of DATA_PROCESSING.
type DataProcessingData struct {
	Items     []json.RawMessage `json:"items"`
	BatchSize int               `json:"batchSize" validate:"gte=0,lte=1000"`
}

// DataProcessingResult is the result of DATA_PROCESSING.
type DataProcessingResult struct {
	ProcessedCount int               `json:"processedCount"`
	FailedCount    int               `json:"failedCount"`
	Results        []json.RawMessage `json:"results"`
}

func (h *handlers) dataProcessing(ctx context.Context, payload []byte) error {
	in, err := decode[DataProcessingData](payload)
	if err != nil {
		return err
	}
	if len(in.Items) == 0 {
		return shelfq.SetResult(ctx, DataProcessingResult{Results: []json.RawMessage{}})
	}

	var engine *stream.Engine[json.RawMessage, json.RawMessage]
	engine = stream.New(stream.Config[json.RawMessage, json.RawMessage]{
		BatchSize: in.BatchSize,
		OnProgress: func(p int) {
			if errors.Is(shelfq.SetProgress(ctx, p), shelfq.ErrCancelled) {
				engine.Cancel()
			}
		},
	})
	res, err := engine.Process(ctx, in.Items, func(ictx context.Context, item json.RawMessage, _ int) (json.RawMessage, error) {
		if shelfq.Cancelled(ctx) {
			return nil, stream.ErrAborted
		}
		return h.d.Transform(ictx, item)
	})
	if errors.Is(err, stream.ErrAborted) && shelfq.Cancelled(ctx) {
		return shelfq.ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("data processing: %w", err)
	}
	return shelfq.SetResult(ctx, DataProcessingResult{ProcessedCount: len(res), FailedCount: len(in.Items) - len(res), Results: res})
}

func compact(_ context.Context, item json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := sonic.Unmarshal(item, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
