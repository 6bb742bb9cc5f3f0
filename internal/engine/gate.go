package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
	"github.com/msageha/tofud/internal/workdir"
)

// MissingConfigOutput is the output of a synthetic status for a resource
// without stored configuration.
const MissingConfigOutput = "Configuration missing"

// Gate decides whether a service may proceed by diffing the tenant's
// network. Concurrent checks of the same network share one diff, which runs
// detached from the caller that happened to start it and ends only on its
// own timeout or engine shutdown.
type Gate struct {
	base       context.Context
	locks      *lock.KeyedMutex[model.ResourceKey]
	store      blobstore.Store
	sync       *workdir.Synchronizer
	runners    *tofu.Registry
	infos      *blobstore.InfoStore
	classifier model.Classifier
	timeout    time.Duration
	logger     zerolog.Logger
	group      singleflight.Group
}

func newGate(base context.Context, locks *lock.KeyedMutex[model.ResourceKey], store blobstore.Store, sync *workdir.Synchronizer, runners *tofu.Registry, infos *blobstore.InfoStore, c model.Classifier, timeout time.Duration, logger zerolog.Logger) *Gate {
	return &Gate{base: base, locks: locks, store: store, sync: sync, runners: runners, infos: infos, classifier: c, timeout: timeout, logger: logger}
}

// shared runs fn once per name for all concurrent callers. fn gets a context
// carrying ctx's values but not its cancellation; a caller whose own ctx ends
// first returns ctx.Err() and leaves the others waiting.
func (g *Gate) shared(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, bool, error) {
	ch := g.group.DoChan(name, func() (any, error) {
		dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(g.base, cancel)()
		return fn(dctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// CheckReady returns nil when the network cfg depends on exists and has no
// pending changes.
func (g *Gate) CheckReady(ctx context.Context, tenant string, cfg *model.ServiceConfig) error {
	if cfg == nil || cfg.Provider == "" || cfg.NetworkName == "" {
		return fmt.Errorf("%w: service configuration needs provider and network_name", model.ErrMissingConfiguration)
	}
	netKey := model.NetworkKey(tenant, cfg.Provider)
	if err := netKey.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "engine.Gate.CheckReady",
		trace.WithAttributes(attribute.String("tofud.network", netKey.String())))
	defer span.End()

	_, shared, err := g.shared(ctx, netKey.String(), func(ctx context.Context) (any, error) {
		return nil, g.checkNetwork(ctx, netKey)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	g.logger.Debug().Str("network", netKey.String()).Bool("shared", shared).Err(err).Msg("gate_checked")
	return err
}

func (g *Gate) checkNetwork(ctx context.Context, netKey model.ResourceKey) error {
	if _, err := g.store.Get(ctx, blobstore.ConfigKey(netKey)); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("%w: network %s has no configuration", model.ErrDependencyMissing, netKey)
		}
		return fmt.Errorf("read network configuration: %w", err)
	}
	out, err := g.diff(ctx, netKey)
	if err != nil {
		return fmt.Errorf("diff network %s: %w", netKey, err)
	}
	if !g.classifier.Applied(out) {
		return fmt.Errorf("%w: network %s has pending changes", model.ErrDependencyNotReady, netKey)
	}
	return nil
}

func (g *Gate) diff(ctx context.Context, key model.ResourceKey) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	dir, release, err := g.stage(ctx, key)
	if err != nil {
		return "", err
	}
	defer release()
	return g.runners.GetOrCreate(key, dir).RunDiff(ctx)
}

// stage refreshes key's scratch directory when no action holds the key. The
// lock is kept until release so an action cannot re-stage the directory under
// the diff. A busy key's directory was staged by its holder and is diffed as
// is; the runner serializes the tool invocations.
func (g *Gate) stage(ctx context.Context, key model.ResourceKey) (string, func(), error) {
	release, ok := g.locks.TryAcquire(key)
	if !ok {
		g.logger.Debug().Str("key", key.String()).Msg("stage_skipped_busy")
		return g.sync.Dir(key), func() {}, nil
	}
	dir, err := g.sync.Prepare(ctx, key)
	if err != nil {
		release()
		return "", nil, err
	}
	return dir, release, nil
}

// CheckStatus diffs key and reports the result as a status. Failures are
// folded into the returned status; a resource without configuration yields
// a synthetic not-applied status.
func (g *Gate) CheckStatus(ctx context.Context, key model.ResourceKey) (*model.ExecutionStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := g.store.Get(ctx, blobstore.ConfigKey(key)); errors.Is(err, blobstore.ErrNotFound) {
		return &model.ExecutionStatus{
			Key:        key,
			LastAction: model.ActionUnknown,
			Output:     MissingConfigOutput,
			Timestamp:  time.Now().UTC(),
		}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read configuration of %s: %w", key, err)
	}

	v, _, err := g.shared(ctx, "status:"+key.String(), func(ctx context.Context) (any, error) {
		lastAction := g.infos.LastAction(ctx, key)
		out, err := g.diff(ctx, key)
		if err != nil {
			return model.NewErrorStatus(key, err, lastAction), nil
		}
		return model.NewDiffStatus(key, out, lastAction, g.classifier), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ExecutionStatus), nil
}
