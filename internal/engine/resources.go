package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/model"
)

// ServiceSummary is one row of a tenant's service listing.
type ServiceSummary struct {
	Key        model.ResourceKey `json:"key"`
	Info       *blobstore.Info   `json:"info,omitempty"`
	LoopActive bool              `json:"loopActive"`
	InfoError  string            `json:"infoError,omitempty"`
}

// DefaultNetworkName is the network a new service joins when none is given.
func DefaultNetworkName(tenant string) string {
	return "network-" + tenant
}

// CreateService stores cfg under a freshly generated service id.
func (e *Engine) CreateService(ctx context.Context, tenant, serviceType string, cfg model.ServiceConfig) (model.ResourceKey, error) {
	if cfg.NetworkName == "" {
		cfg.NetworkName = DefaultNetworkName(tenant)
	}
	key, err := model.NewResourceKey(tenant, uuid.NewString())
	if err != nil {
		return model.ResourceKey{}, err
	}
	if err := e.PutServiceConfig(ctx, key, cfg); err != nil {
		return model.ResourceKey{}, err
	}
	info := blobstore.Info{ServiceName: cfg.ContainerName, ServiceType: serviceType}
	if err := e.infos.Create(ctx, key, info); err != nil {
		return model.ResourceKey{}, fmt.Errorf("create info for %s: %w", key, err)
	}
	e.logger.Info().Str("key", key.String()).Str("service_type", serviceType).Msg("service_created")
	return key, nil
}

// PutServiceConfig validates and stores the variables document of a service.
func (e *Engine) PutServiceConfig(ctx context.Context, key model.ResourceKey, cfg model.ServiceConfig) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.IsNetwork() {
		return fmt.Errorf("%w: %s is a network", model.ErrInvalidIdentifier, key)
	}
	if err := model.Validate(cfg); err != nil {
		return err
	}
	return e.putVars(ctx, key, cfg)
}

// PutNetworkConfig stores the tenant's network configuration for cfg.Provider.
func (e *Engine) PutNetworkConfig(ctx context.Context, tenant string, cfg model.NetworkConfig) (model.ResourceKey, error) {
	if err := model.Validate(cfg); err != nil {
		return model.ResourceKey{}, err
	}
	key := model.NetworkKey(tenant, cfg.Provider)
	if err := key.Validate(); err != nil {
		return model.ResourceKey{}, err
	}
	if err := e.putVars(ctx, key, cfg); err != nil {
		return model.ResourceKey{}, err
	}
	return key, nil
}

// NetworkConfig returns the stored network configuration, or
// ErrMissingConfiguration.
func (e *Engine) NetworkConfig(ctx context.Context, tenant, provider string) (*model.NetworkConfig, error) {
	key := model.NetworkKey(tenant, provider)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	data, err := e.store.Get(ctx, blobstore.ConfigKey(key))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrMissingConfiguration, key)
	}
	if err != nil {
		return nil, err
	}
	return model.ParseNetworkConfig(data)
}

func (e *Engine) putVars(ctx context.Context, key model.ResourceKey, v any) error {
	data, err := model.MarshalVars(v)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, blobstore.ConfigKey(key), data); err != nil {
		return fmt.Errorf("store configuration of %s: %w", key, err)
	}
	return nil
}

// ListServices returns every resource of tenant with its info document.
func (e *Engine) ListServices(ctx context.Context, tenant string) ([]ServiceSummary, error) {
	if err := model.ValidateIdent(tenant); err != nil {
		return nil, err
	}
	keys, err := blobstore.ListResources(ctx, e.store, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceSummary, 0, len(keys))
	for _, k := range keys {
		s := ServiceSummary{Key: k, LoopActive: e.scheduler.IsActive(k)}
		info, err := e.infos.Read(ctx, k)
		switch {
		case err == nil:
			s.Info = info
		case !errors.Is(err, blobstore.ErrNotFound):
			s.InfoError = err.Error()
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) ListTenants(ctx context.Context) ([]string, error) {
	return blobstore.ListTenants(ctx, e.store)
}

// Status diffs key on demand without touching its loop.
func (e *Engine) Status(ctx context.Context, key model.ResourceKey) (*model.ExecutionStatus, error) {
	return e.gate.CheckStatus(ctx, key)
}

type DeleteOptions struct {
	// Force removes storage even when the destroy failed.
	Force bool
}

// DeleteResource destroys key's infrastructure and removes every stored and
// local trace of it. A failed destroy leaves storage untouched so the
// resource can be retried, unless opts.Force is set.
func (e *Engine) DeleteResource(ctx context.Context, key model.ResourceKey, opts DeleteOptions) (*model.ExecutionStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e.scheduler.Stop(key)

	status, err := e.Execute(ctx, model.ActionDestroy, key, ExecuteOptions{NoResume: true})
	switch {
	case errors.Is(err, model.ErrMissingConfiguration):
	case errors.Is(err, model.ErrLockTimeout) || ctx.Err() != nil:
		return status, fmt.Errorf("destroy %s: %w", key, err)
	case err != nil || status.Failed():
		if err == nil {
			err = errors.New(status.ErrorMessage)
		}
		if !opts.Force {
			return status, fmt.Errorf("destroy %s: %w", key, err)
		}
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("destroy_failed_force_delete")
	}

	release, err := e.locks.Acquire(ctx, key, e.cfg.LockTimeout, 0)
	if err != nil {
		return status, fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
	}
	defer release()

	e.scheduler.Stop(key)
	n, err := blobstore.DeletePrefix(ctx, e.store, blobstore.ResourcePrefix(key))
	if err != nil {
		return status, err
	}
	if err := e.sync.Cleanup(key); err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("workdir_cleanup_failed")
	}
	e.runners.Remove(key)
	e.recorder.forget(key)

	e.logger.Info().Str("key", key.String()).Int("objects", n).Msg("resource_deleted")
	e.journalWrite(events.JournalEntry{Event: "resource_deleted", Tenant: key.Tenant, Resource: key.Resource, Details: map[string]any{"objects": n}})
	return status, nil
}

// CleanupTenant stops the tenant's loops and drops its local state. Stored
// objects are left alone.
func (e *Engine) CleanupTenant(tenant string) error {
	if err := model.ValidateIdent(tenant); err != nil {
		return err
	}
	loops := e.scheduler.StopAll(tenant)
	runners := e.runners.RemoveAllForTenant(tenant)
	if err := e.sync.CleanupTenant(tenant); err != nil {
		return err
	}
	e.logger.Info().Str("tenant", tenant).Int("loops", loops).Int("runners", runners).Msg("tenant_cleaned")
	return nil
}

// Info returns the stored info document of key.
func (e *Engine) Info(ctx context.Context, key model.ResourceKey) (*blobstore.Info, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return e.infos.Read(ctx, key)
}
