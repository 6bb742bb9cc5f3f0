// Package enginetest builds an Engine backed by in-memory storage and the
// scripted tool, for tests of the layers above the engine.
package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/engine"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
	"github.com/msageha/tofud/internal/tofu/tofutest"
	"github.com/msageha/tofud/internal/workdir"
)

type Env struct {
	Engine *engine.Engine
	Store  *blobstore.Memory
	Fake   *tofutest.Fake
}

// New returns an Engine whose loops tick every interval. Networks must use
// the "docker" provider.
func New(t testing.TB, interval time.Duration) *Env {
	t.Helper()
	fake := tofutest.New(t)
	store := blobstore.NewMemory()
	codeDir, netCodeDir, work := t.TempDir(), t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(netCodeDir, "docker"), 0755); err != nil {
		t.Fatalf("create network code dir: %v", err)
	}

	opts := tofu.Options{
		Binary: fake.Path,
		Init:   tofu.Supervision{Deadline: 10 * time.Second},
		Diff: tofu.Supervision{
			StallAfter:    80 * time.Millisecond,
			Nudge:         true,
			Deadline:      2 * time.Second,
			KillGrace:     100 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
		},
		Action: tofu.Supervision{
			StallAfter:    time.Second,
			KillAfter:     5 * time.Second,
			KillGrace:     100 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
		},
		OutputTimeout: 5 * time.Second,
		Slots:         semaphore.NewWeighted(8),
		Logger:        zerolog.Nop(),
	}
	eng := engine.New(engine.Config{
		Interval:    interval,
		LockTimeout: 5 * time.Second,
		GateTimeout: 5 * time.Second,
	}, engine.Deps{
		Store:   store,
		Sync:    workdir.New(store, work, 2, zerolog.Nop()),
		Runners: tofu.NewRegistry(opts, codeDir, netCodeDir),
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return &Env{Engine: eng, Store: store, Fake: fake}
}

// PutNetwork stores a docker network for tenant.
func (e *Env) PutNetwork(t testing.TB, tenant string) model.ResourceKey {
	t.Helper()
	key, err := e.Engine.PutNetworkConfig(context.Background(), tenant, model.NetworkConfig{Provider: "docker", NetworkName: "network-" + tenant})
	if err != nil {
		t.Fatalf("put network: %v", err)
	}
	return key
}
