package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StartupSummary reports what ReinitializeAllLoops did.
type StartupSummary struct {
	Tenants int      `json:"tenants"`
	Started int      `json:"started"`
	Skipped []string `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ReinitializeAllLoops re-derives loops from storage after a restart. An
// empty tenants list means every tenant in storage. Resources whose info
// document cannot be read are skipped; staging failures are collected and
// do not stop the other resources.
func (e *Engine) ReinitializeAllLoops(ctx context.Context, tenants []string) (StartupSummary, error) {
	var sum StartupSummary
	if len(tenants) == 0 {
		all, err := e.ListTenants(ctx)
		if err != nil {
			return sum, err
		}
		tenants = all
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.StartupParallelism)
	for _, tenant := range tenants {
		services, err := e.ListServices(ctx, tenant)
		if err != nil {
			sum.Errors = append(sum.Errors, tenant+": "+err.Error())
			continue
		}
		sum.Tenants++
		for _, svc := range services {
			if svc.InfoError != "" {
				sum.Skipped = append(sum.Skipped, svc.Key.String())
				continue
			}
			key := svc.Key
			g.Go(func() error {
				err := e.StartLoop(gctx, key)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					sum.Errors = append(sum.Errors, key.String()+": "+err.Error())
					return nil
				}
				sum.Started++
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	e.logger.Info().Int("tenants", sum.Tenants).Int("started", sum.Started).Int("skipped", len(sum.Skipped)).Int("errors", len(sum.Errors)).Msg("loops_reinitialized")
	return sum, nil
}

