// Package runtime runs the manager's background maintenance loops.
package runtime

import (
	"context"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
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

// Job is one periodic maintenance loop.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type Config struct {
	Jobs   []Job
	Logger Logger
}

// Runtime owns the goroutines of a set of Jobs. Start and Stop are idempotent
// and a stopped Runtime can be started again.
type Runtime struct {
	cfg     Config
	log     Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(cfg Config) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{cfg: cfg, log: lg}
}

// Start launches one ticker goroutine per job. Jobs with a non-positive
// interval are skipped.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.log.Infof("runtime starting: jobs=%d", len(rt.cfg.Jobs))

	for _, j := range rt.cfg.Jobs {
		if j.Every <= 0 || j.Run == nil {
			rt.log.Debugf("runtime: job %s disabled", j.Name)
			continue
		}
		rt.wg.Add(1)
		go func(j Job) {
			defer rt.wg.Done()
			ticker := time.NewTicker(j.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					rt.tick(ctx, j)
				}
			}
		}(j)
	}
}

func (rt *Runtime) tick(ctx context.Context, j Job) {
	defer func() {
		if p := recover(); p != nil {
			rt.log.Errorf("runtime: job %s panicked: %v", j.Name, p)
		}
	}()
	j.Run(ctx)
}

// Stop cancels every job and waits for in-flight ticks to return.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}
