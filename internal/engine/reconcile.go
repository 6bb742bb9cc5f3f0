package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/tofud/internal/model"
)

// StartLoop stages key's configuration and schedules its reconciliation.
func (e *Engine) StartLoop(ctx context.Context, key model.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	dir, release, err := e.gate.stage(ctx, key)
	if err != nil {
		return err
	}
	release()
	e.scheduler.Start(key, dir, e.cfg.Interval)
	return nil
}

// StopLoop stops key's reconciliation; it reports whether a loop was active.
func (e *Engine) StopLoop(key model.ResourceKey) bool {
	return e.scheduler.Stop(key)
}

func (e *Engine) Loops() []LoopInfo { return e.scheduler.Active() }

func (e *Engine) reconcileTick(ctx context.Context, key model.ResourceKey, dir string) bool {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "engine.reconcile",
		trace.WithAttributes(attribute.String("tofud.key", key.String())))
	defer span.End()

	status, err := e.reconcileOnce(ctx, key, dir)
	e.metrics.TickDuration.Observe(time.Since(started).Seconds())
	if ctx.Err() != nil {
		// Stopped mid-tick; the operation that stopped us owns the status.
		return false
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Ticks.WithLabelValues("failed").Inc()
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("tick_failed")

		failed := model.NewErrorStatus(key, err, e.infos.LastAction(ctx, key))
		if perr := e.recorder.record(ctx, started, failed); perr != nil {
			e.logger.Error().Err(perr).Str("key", key.String()).Msg("status_persist_failed")
		}
		return false
	}

	result := "drifted"
	if status.Applied {
		result = "applied"
	}
	e.metrics.Ticks.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.Bool("tofud.applied", status.Applied))
	if err := e.recorder.record(ctx, started, status); err != nil {
		e.logger.Error().Err(err).Str("key", key.String()).Msg("status_persist_failed")
		return false
	}
	return true
}

func (e *Engine) reconcileOnce(ctx context.Context, key model.ResourceKey, dir string) (*model.ExecutionStatus, error) {
	if !key.IsNetwork() {
		cfg, err := e.loadServiceConfig(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := e.gate.CheckReady(ctx, key.Tenant, cfg); err != nil {
			return nil, err
		}
	}
	out, err := e.runners.GetOrCreate(key, dir).RunDiff(ctx)
	if err != nil {
		return nil, err
	}
	return model.NewDiffStatus(key, out, e.infos.LastAction(ctx, key), e.cfg.Classifier), nil
}
