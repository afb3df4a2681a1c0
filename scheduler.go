package shelfq

import (
	"context"
	"strconv"
	"sync"
	"time"

	ikeys "github.com/UniQw/shelfq/internal/keys"
	"github.com/UniQw/shelfq/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// FireFunc is invoked with the alarm name when an alarm becomes due.
type FireFunc func(name string)

// DeferredScheduler registers named alarms that fire once at a point in time or
// periodically. Scheduling an existing name replaces it.
type DeferredScheduler interface {
	Schedule(ctx context.Context, name string, at time.Time, every time.Duration) error
	Cancel(ctx context.Context, name string) error
	// Next returns the next fire time of name and whether it is registered.
	Next(ctx context.Context, name string) (time.Time, bool, error)
	Start(fire FireFunc)
	Stop()
}

// NewDeferredScheduler returns a RedisScheduler when rdb is set and a
// TimerScheduler otherwise.
func NewDeferredScheduler(rdb redis.UniversalClient, log Logger) DeferredScheduler {
	if rdb == nil {
		return NewTimerScheduler()
	}
	return NewRedisScheduler(rdb, RedisSchedulerConfig{Logger: log})
}

// TimerScheduler keeps alarms in process memory. Alarms do not survive a restart
// and alarms that come due before Start are dropped.
type TimerScheduler struct {
	mu      sync.Mutex
	alarms  map[string]*timerAlarm
	fire    FireFunc
	stopped bool
}

type timerAlarm struct {
	t     *time.Timer
	at    time.Time
	every time.Duration
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{alarms: make(map[string]*timerAlarm)}
}

func (s *TimerScheduler) Schedule(_ context.Context, name string, at time.Time, every time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.alarms[name]; ok {
		old.t.Stop()
	}
	a := &timerAlarm{at: at, every: every}
	a.t = time.AfterFunc(time.Until(at), func() { s.ring(name, a) })
	s.alarms[name] = a
	return nil
}

func (s *TimerScheduler) ring(name string, a *timerAlarm) {
	s.mu.Lock()
	if s.alarms[name] != a || s.stopped {
		s.mu.Unlock()
		return
	}
	if a.every > 0 {
		a.at = time.Now().Add(a.every)
		a.t.Reset(a.every)
	} else {
		delete(s.alarms, name)
	}
	fire := s.fire
	s.mu.Unlock()
	if fire != nil {
		fire(name)
	}
}

func (s *TimerScheduler) Cancel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alarms[name]; ok {
		a.t.Stop()
		delete(s.alarms, name)
	}
	return nil
}

func (s *TimerScheduler) Next(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[name]
	if !ok {
		return time.Time{}, false, nil
	}
	return a.at, true, nil
}

func (s *TimerScheduler) Start(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.stopped = false
	s.mu.Unlock()
}

func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, a := range s.alarms {
		a.t.Stop()
		delete(s.alarms, name)
	}
}

// RedisSchedulerConfig configures a RedisScheduler.
type RedisSchedulerConfig struct {
	// Namespace isolates alarm keys of independent managers. Default "default".
	Namespace string
	// PollInterval is how often due alarms are claimed. Default 500ms.
	PollInterval time.Duration
	Logger       Logger
}

// RedisScheduler stores alarms in a Redis sorted set scored by due time (ms) and
// a hash of periods. A poller claims due alarms atomically, so several processes
// sharing a namespace fire each occurrence once. Alarms survive restarts.
type RedisScheduler struct {
	rdb redis.UniversalClient
	k   ikeys.Alarms
	log Logger
	rt  *runtime.Runtime

	mu   sync.Mutex
	fire FireFunc
}

// claimDueScript atomically takes one due alarm. Periodic alarms are re-armed
// at now+period, one-shot alarms are removed. It returns the alarm name or false.
var claimDueScript = redis.NewScript(`
local due = KEYS[1]
local periods = KEYS[2]
local now = tonumber(ARGV[1])
local items = redis.call('ZRANGEBYSCORE', due, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local p = redis.call('HGET', periods, m)
if p then
  redis.call('ZADD', due, now + tonumber(p), m)
else
  redis.call('ZREM', due, m)
end
return m
`)

func NewRedisScheduler(rdb redis.UniversalClient, cfg RedisSchedulerConfig) *RedisScheduler {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	s := &RedisScheduler{rdb: rdb, k: ikeys.AlarmsFor(cfg.Namespace), log: lg}
	s.rt = runtime.New(runtime.Config{
		Logger: lg,
		Jobs:   []runtime.Job{{Name: "alarm-poller", Every: cfg.PollInterval, Run: s.poll}},
	})
	return s
}

func (s *RedisScheduler) Schedule(ctx context.Context, name string, at time.Time, every time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.k.Due, redis.Z{Score: float64(at.UnixMilli()), Member: name})
		if every > 0 {
			p.HSet(ctx, s.k.Periods, name, strconv.FormatInt(every.Milliseconds(), 10))
		} else {
			p.HDel(ctx, s.k.Periods, name)
		}
		return nil
	})
	return err
}

func (s *RedisScheduler) Cancel(ctx context.Context, name string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.k.Due, name)
		p.HDel(ctx, s.k.Periods, name)
		return nil
	})
	return err
}

func (s *RedisScheduler) Next(ctx context.Context, name string) (time.Time, bool, error) {
	score, err := s.rdb.ZScore(ctx, s.k.Due, name).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (s *RedisScheduler) Start(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.mu.Unlock()
	s.rt.Start()
}

func (s *RedisScheduler) Stop() { s.rt.Stop() }

func (s *RedisScheduler) poll(ctx context.Context) {
	s.mu.Lock()
	fire := s.fire
	s.mu.Unlock()
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	// drain up to N per tick to avoid long loops
	for i := 0; i < 256; i++ {
		res, err := claimDueScript.Run(ctx, s.rdb, []string{s.k.Due, s.k.Periods}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			return
		}
		if err != nil {
			s.log.Warnf("alarms: claim failed err=%v", err)
			return
		}
		name, ok := res.(string)
		if !ok {
			s.log.Warnf("alarms: unexpected claim result %T", res)
			return
		}
		s.log.Debugf("alarms: fired name=%s", name)
		if fire != nil {
			fire(name)
		}
	}
}
