// Package engine reconciles tenant resources: it owns the per-key lock table,
// the reconciliation loops, the job and runner registries, and the action
// executor that ties them together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/jobs"
	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/logging"
	"github.com/msageha/tofud/internal/metrics"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
	"github.com/msageha/tofud/internal/workdir"
)

var tracer = otel.Tracer("github.com/msageha/tofud/internal/engine")

type Config struct {
	Interval           time.Duration
	LockTimeout        time.Duration
	LockMaxHold        time.Duration
	GateTimeout        time.Duration
	StartupParallelism int
	Classifier         model.Classifier
}

// ConfigFromModel converts the daemon configuration.
func ConfigFromModel(cfg model.Config) Config {
	rc := cfg.Reconcile
	return Config{
		Interval:           rc.Interval(),
		LockTimeout:        rc.LockTimeout(),
		LockMaxHold:        rc.LockMaxHold(),
		GateTimeout:        2 * rc.DiffTimeout(),
		StartupParallelism: rc.StartupParallelism,
		Classifier:         model.DefaultClassifier,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 15 * time.Minute
	}
	if c.GateTimeout <= 0 {
		c.GateTimeout = 2 * time.Minute
	}
	if c.StartupParallelism <= 0 {
		c.StartupParallelism = 4
	}
	if c.Classifier == nil {
		c.Classifier = model.DefaultClassifier
	}
}

// Deps are the collaborators an Engine is built from. Journal may be nil.
type Deps struct {
	Store   blobstore.Store
	Sync    *workdir.Synchronizer
	Runners *tofu.Registry
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Journal *events.Journal
	Logger  zerolog.Logger
}

// Engine is the single owner of all reconciliation state.
type Engine struct {
	cfg     Config
	store   blobstore.Store
	infos   *blobstore.InfoStore
	sync    *workdir.Synchronizer
	runners *tofu.Registry
	jobs    *jobs.Registry
	bus     *events.Bus
	metrics *metrics.Metrics
	journal *events.Journal
	logger  zerolog.Logger

	locks     *lock.KeyedMutex[model.ResourceKey]
	scheduler *Scheduler
	gate      *Gate
	recorder  *recorder

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	closed   sync.Once
}

func New(cfg Config, d Deps) *Engine {
	cfg.applyDefaults()
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   d.Store,
		infos:   blobstore.NewInfoStore(d.Store),
		sync:    d.Sync,
		runners: d.Runners,
		jobs:    jobs.NewRegistry(),
		bus:     d.Bus,
		metrics: d.Metrics,
		journal: d.Journal,
		logger:  logging.Component(d.Logger, "engine"),
		locks:   lock.NewKeyedMutex[model.ResourceKey](),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.locks.OnForceRelease = func(key model.ResourceKey, held time.Duration) {
		e.metrics.ForcedReleases.Inc()
		e.logger.Error().Str("key", key.String()).Dur("held", held).Msg("lock_force_released")
	}
	e.bus.OnDrop = func(model.ResourceKey) { e.metrics.DroppedEvents.Inc() }
	e.recorder = newRecorder(e.infos, e.bus, e.logger)
	e.gate = newGate(ctx, e.locks, e.store, e.sync, e.runners, e.infos, cfg.Classifier, cfg.GateTimeout, logging.Component(d.Logger, "gate"))
	e.scheduler = newScheduler(ctx, e.reconcileTick, logging.Component(d.Logger, "scheduler"), func(n int) {
		e.metrics.ActiveLoops.Set(float64(n))
	})
	return e
}

func (e *Engine) Bus() *events.Bus          { return e.bus }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
func (e *Engine) Scheduler() *Scheduler     { return e.scheduler }
func (e *Engine) Gate() *Gate               { return e.gate }

// Stats summarizes live engine state.
type Stats struct {
	ActiveLoops int `json:"activeLoops"`
	RunningJobs int `json:"runningJobs"`
	Runners     int `json:"runners"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		ActiveLoops: len(e.scheduler.Active()),
		RunningJobs: e.jobs.Len(),
		Runners:     len(e.runners.Keys()),
	}
}

func (e *Engine) Jobs() []jobs.Info { return e.jobs.List() }

// CancelJob terminates a running action by job id.
func (e *Engine) CancelJob(id string) error {
	info, _ := e.jobs.Get(id)
	if !e.jobs.Cancel(id) {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	e.logger.Info().Str("job_id", id).Str("key", info.Key.String()).Msg("job_cancelled")
	e.journalWrite(events.JournalEntry{Event: "job_cancelled", Tenant: info.Key.Tenant, Resource: info.Key.Resource, Action: string(info.Action), JobID: id})
	return nil
}

// ResetInitialized makes every cached runner re-run init on next use.
func (e *Engine) ResetInitialized() int {
	n := e.runners.ResetInitialized()
	e.logger.Info().Int("runners", n).Msg("runners_reset")
	return n
}

// Close stops every loop, terminates running actions and waits for them to
// finish or for ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closed.Do(func() {
		e.scheduler.StopAll("")
		e.cancel()
		done := make(chan struct{})
		go func() {
			e.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("drain in-flight actions: %w", ctx.Err())
		}
	})
	return err
}

func (e *Engine) journalWrite(entry events.JournalEntry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Write(entry); err != nil {
		e.logger.Warn().Err(err).Str("event", entry.Event).Msg("journal_write_failed")
	}
}

func (e *Engine) loadServiceConfig(ctx context.Context, key model.ResourceKey) (*model.ServiceConfig, error) {
	data, err := e.store.Get(ctx, blobstore.ConfigKey(key))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no stored configuration", model.ErrMissingConfiguration, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration of %s: %w", key, err)
	}
	return model.ParseServiceConfig(data)
}
