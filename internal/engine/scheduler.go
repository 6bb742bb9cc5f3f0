package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/tofud/internal/model"
)

// TickFunc runs one reconciliation pass. Returning false ends the loop.
type TickFunc func(ctx context.Context, key model.ResourceKey, dir string) bool

type loop struct {
	key       model.ResourceKey
	dir       string
	interval  time.Duration
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// LoopInfo describes an active loop.
type LoopInfo struct {
	Key       model.ResourceKey `json:"key"`
	Dir       string            `json:"dir"`
	Interval  time.Duration     `json:"interval"`
	StartedAt time.Time         `json:"startedAt"`
}

// Scheduler keeps at most one periodic loop per key. Ticks of a loop never
// overlap: a tick that outlasts the interval delays the next one.
type Scheduler struct {
	mu       sync.Mutex
	loops    map[model.ResourceKey]*loop
	parent   context.Context
	tick     TickFunc
	logger   zerolog.Logger
	onChange func(active int)
}

func newScheduler(parent context.Context, tick TickFunc, logger zerolog.Logger, onChange func(int)) *Scheduler {
	return &Scheduler{
		loops:    make(map[model.ResourceKey]*loop),
		parent:   parent,
		tick:     tick,
		logger:   logger,
		onChange: onChange,
	}
}

// Start begins reconciling key every interval, replacing an existing loop.
// The first tick fires after one interval.
func (s *Scheduler) Start(key model.ResourceKey, dir string, interval time.Duration) {
	if s.parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.parent)
	l := &loop{
		key:       key,
		dir:       dir,
		interval:  interval,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.loops[key]
	s.loops[key] = l
	n := len(s.loops)
	s.mu.Unlock()

	var prevDone <-chan struct{}
	if prev != nil {
		prev.cancel()
		prevDone = prev.done
	}
	go s.run(ctx, l, prevDone)
	s.changed(n)
	s.logger.Info().Str("key", key.String()).Dur("interval", interval).Bool("replaced", prev != nil).Msg("loop_started")
}

// Stop cancels the loop for key and waits for an in-flight tick to return.
// It reports whether a loop was active.
func (s *Scheduler) Stop(key model.ResourceKey) bool {
	s.mu.Lock()
	l, ok := s.loops[key]
	delete(s.loops, key)
	n := len(s.loops)
	s.mu.Unlock()
	if !ok {
		return false
	}
	l.cancel()
	<-l.done
	s.changed(n)
	s.logger.Info().Str("key", key.String()).Msg("loop_stopped")
	return true
}

// StopAll stops every loop of tenant, or every loop when tenant is empty.
func (s *Scheduler) StopAll(tenant string) int {
	s.mu.Lock()
	var keys []model.ResourceKey
	for k := range s.loops {
		if tenant == "" || k.Tenant == tenant {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		if s.Stop(k) {
			n++
		}
	}
	return n
}

func (s *Scheduler) IsActive(key model.ResourceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[key]
	return ok
}

func (s *Scheduler) Active() []LoopInfo {
	s.mu.Lock()
	out := make([]LoopInfo, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, LoopInfo{Key: l.key, Dir: l.dir, Interval: l.interval, StartedAt: l.startedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Scheduler) run(ctx context.Context, l *loop, prevDone <-chan struct{}) {
	defer close(l.done)
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return
		}
	}

	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.tick(ctx, l.key, l.dir) {
				if ctx.Err() == nil {
					s.removeIfCurrent(l)
				}
				return
			}
		}
	}
}

func (s *Scheduler) removeIfCurrent(l *loop) {
	s.mu.Lock()
	removed := false
	if s.loops[l.key] == l {
		delete(s.loops, l.key)
		removed = true
	}
	n := len(s.loops)
	s.mu.Unlock()
	if removed {
		l.cancel()
		s.changed(n)
		s.logger.Warn().Str("key", l.key.String()).Msg("loop_stopped_after_failure")
	}
}

func (s *Scheduler) changed(n int) {
	if s.onChange != nil {
		s.onChange(n)
	}
}
