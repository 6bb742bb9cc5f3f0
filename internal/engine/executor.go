package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
)

type ExecuteOptions struct {
	// OnStarted receives the job id once the tool process is running.
	OnStarted func(jobID string)
	// NoResume leaves the reconciliation loop stopped afterwards.
	NoResume bool
}

// EndEvent is the payload of the stream's end event.
type EndEvent struct {
	JobID   string `json:"jobId"`
	Code    int    `json:"code"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Execute runs action against key under the key's lock and returns the
// terminal status. Precondition failures (invalid key, lock timeout, missing
// configuration, unready dependency) are returned as errors after being
// recorded; a tool process that fails yields a failed status and no error.
// The reconciliation loop for key is resumed on every path unless
// opts.NoResume is set.
func (e *Engine) Execute(ctx context.Context, action model.Action, key model.ResourceKey, opts ExecuteOptions) (*model.ExecutionStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := model.ParseAction(string(action)); err != nil {
		return nil, err
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	// Close terminates synchronous callers' actions too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	started := time.Now()
	ctx, span := tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("tofud.key", key.String()),
		attribute.String("tofud.action", string(action)),
	))
	defer span.End()
	log := e.logger.With().Str("key", key.String()).Str("action", string(action)).Logger()

	release, err := e.locks.Acquire(ctx, key, e.cfg.LockTimeout, e.cfg.LockMaxHold)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			e.metrics.LockTimeouts.Inc()
			err = fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveAction(action, "rejected", time.Since(started))
		log.Warn().Err(err).Msg("action_lock_failed")
		return nil, err
	}
	defer release()
	acquired := time.Now()

	dir := e.sync.Dir(key)
	if !opts.NoResume {
		defer e.scheduler.Start(key, dir, e.cfg.Interval)
	}

	status, err := e.execute(ctx, action, key, acquired, opts)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Msg("action_rejected")
	case status.Failed():
		outcome = "failure"
		span.SetStatus(codes.Error, status.ErrorMessage)
		log.Warn().Str("error", status.ErrorMessage).Msg("action_failed")
	default:
		log.Info().Dur("elapsed", time.Since(started)).Msg("action_completed")
	}
	e.metrics.ObserveAction(action, outcome, time.Since(started))
	return status, err
}

func (e *Engine) execute(ctx context.Context, action model.Action, key model.ResourceKey, started time.Time, opts ExecuteOptions) (*model.ExecutionStatus, error) {
	dir, err := e.sync.Prepare(ctx, key)
	if err != nil {
		return e.reject(ctx, key, started, fmt.Errorf("stage %s: %w", key, err))
	}
	var cfg *model.ServiceConfig
	if !key.IsNetwork() {
		if cfg, err = e.loadServiceConfig(ctx, key); err != nil {
			return e.reject(ctx, key, started, err)
		}
	}

	e.scheduler.Stop(key)

	if !key.IsNetwork() {
		if err := e.gate.CheckReady(ctx, key.Tenant, cfg); err != nil {
			return e.reject(ctx, key, started, err)
		}
	}

	runner := e.runners.GetOrCreate(key, dir)
	jobID := e.jobs.Create(key, action)
	defer e.jobs.Remove(jobID)

	proc, err := runner.RunAction(ctx, action)
	if err != nil {
		return e.reject(ctx, key, started, err)
	}
	if !e.jobs.Set(jobID, proc) {
		proc.Terminate()
	}
	e.metrics.RunningJobs.Inc()
	defer e.metrics.RunningJobs.Dec()
	e.journalWrite(events.JournalEntry{Event: "action_started", Tenant: key.Tenant, Resource: key.Resource, Action: string(action), JobID: jobID})
	if opts.OnStarted != nil {
		opts.OnStarted(jobID)
	}

	for chunk := range proc.Chunks() {
		kind := events.KindData
		if chunk.Stream == tofu.Stderr {
			kind = events.KindError
		}
		e.bus.Publish(key, kind, chunk.Data)
	}
	res := proc.Wait()

	// Results are persisted even when the action was cancelled.
	pctx := context.WithoutCancel(ctx)
	status := e.actionStatus(pctx, key, action, res)
	if status.Applied && action.Mutating() {
		e.recordMutation(pctx, runner, key, action)
	}
	if err := e.recorder.record(pctx, started, status); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("status_persist_failed")
	}

	end := EndEvent{JobID: jobID, Code: res.ExitCode, Applied: status.Applied, Error: status.ErrorMessage}
	if data, err := json.Marshal(end); err == nil {
		e.bus.Publish(key, events.KindEnd, string(data))
	}
	e.journalWrite(events.JournalEntry{
		Event: "action_finished", Tenant: key.Tenant, Resource: key.Resource, Action: string(action), JobID: jobID,
		Details: map[string]any{"exit_code": res.ExitCode, "duration_ms": res.Duration.Milliseconds(), "error": status.ErrorMessage},
	})
	return status, nil
}

func (e *Engine) actionStatus(ctx context.Context, key model.ResourceKey, action model.Action, res tofu.Result) *model.ExecutionStatus {
	if res.Err != nil {
		return model.NewErrorStatus(key, res.Err, action)
	}
	if action == model.ActionPlan {
		return model.NewDiffStatus(key, res.Output, e.infos.LastAction(ctx, key), e.cfg.Classifier)
	}
	return &model.ExecutionStatus{
		Key:        key,
		LastAction: action,
		Output:     res.Output,
		Timestamp:  time.Now().UTC(),
		Applied:    true,
	}
}

func (e *Engine) recordMutation(ctx context.Context, runner *tofu.Runner, key model.ResourceKey, action model.Action) {
	if err := e.infos.SetLastAction(ctx, key, action); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("last_action_persist_failed")
	}
	outputs, err := runner.CollectOutputs(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("collect_outputs_failed")
		return
	}
	if err := e.infos.SetApplyOutput(ctx, key, outputs); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("apply_output_persist_failed")
	}
}

// reject records a failure that happened before the tool produced a result.
func (e *Engine) reject(ctx context.Context, key model.ResourceKey, started time.Time, err error) (*model.ExecutionStatus, error) {
	ctx = context.WithoutCancel(ctx)
	status := model.NewErrorStatus(key, err, e.infos.LastAction(ctx, key))
	if perr := e.recorder.record(ctx, started, status); perr != nil {
		e.logger.Error().Err(perr).Str("key", key.String()).Msg("status_persist_failed")
	}
	e.bus.Publish(key, events.KindError, err.Error())
	return status, err
}

// Submit starts action in the background and returns its job id as soon as
// the tool process runs. Failures before that point are returned instead.
// Until the process starts the action is bound to ctx: a caller that gives up
// earlier gets ctx.Err() and the action is abandoned, normally while still
// waiting for the key's lock. Once started only Close or CancelJob stop it.
func (e *Engine) Submit(ctx context.Context, action model.Action, key model.ResourceKey) (string, error) {
	const (
		pending int32 = iota
		running
		abandoned
	)
	var state atomic.Int32

	jobCtx, cancel := context.WithCancel(e.ctx)
	stop := context.AfterFunc(ctx, func() {
		if state.CompareAndSwap(pending, abandoned) {
			cancel()
		}
	})
	started := make(chan string, 1)
	finished := make(chan error, 1)
	go func() {
		defer cancel()
		_, err := e.Execute(jobCtx, action, key, ExecuteOptions{
			OnStarted: func(id string) {
				if state.CompareAndSwap(pending, running) {
					stop()
					started <- id
				}
			},
		})
		finished <- err
	}()

	select {
	case id := <-started:
		return id, nil
	case err := <-finished:
		if state.Load() == running {
			return <-started, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil {
			err = errors.New("action finished without starting a process")
		}
		return "", err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			cancel()
		}
		if state.Load() == running {
			return <-started, nil
		}
		e.logger.Info().Str("key", key.String()).Str("action", string(action)).Msg("submit_abandoned")
		return "", ctx.Err()
	}
}
