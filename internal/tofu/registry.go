package tofu

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/msageha/tofud/internal/model"
)

// Registry caches one Runner per ResourceKey so the initialized flag
// survives between invocations.
type Registry struct {
	mu             sync.Mutex
	runners        map[model.ResourceKey]*Runner
	opts           *Options
	codeDir        string
	networkCodeDir string
}

// NewRegistry creates runners whose services run from codeDir and whose
// networks run from networkCodeDir/<provider>.
func NewRegistry(opts Options, codeDir, networkCodeDir string) *Registry {
	return &Registry{
		runners:        make(map[model.ResourceKey]*Runner),
		opts:           &opts,
		codeDir:        codeDir,
		networkCodeDir: networkCodeDir,
	}
}

// CodeDir returns the tool code directory used for key.
func (g *Registry) CodeDir(key model.ResourceKey) string {
	if key.IsNetwork() {
		return filepath.Join(g.networkCodeDir, key.Provider())
	}
	return g.codeDir
}

// GetOrCreate returns the cached Runner for key. A Runner staged on a
// different data directory is replaced.
func (g *Registry) GetOrCreate(key model.ResourceKey, dataDir string) *Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.runners[key]; ok && r.dataDir == dataDir {
		return r
	}
	r := newRunner(key, g.CodeDir(key), dataDir, g.opts)
	g.runners[key] = r
	return r
}

func (g *Registry) Get(key model.ResourceKey) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[key]
	return r, ok
}

func (g *Registry) Remove(key model.ResourceKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.runners[key]
	delete(g.runners, key)
	return ok
}

// RemoveAllForTenant drops every runner of tenant and reports how many.
func (g *Registry) RemoveAllForTenant(tenant string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.runners {
		if k.Tenant == tenant {
			delete(g.runners, k)
			n++
		}
	}
	return n
}

// ResetInitialized clears the initialized flag of every cached runner.
func (g *Registry) ResetInitialized() int {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.Unlock()
	for _, r := range runners {
		r.ResetInitialized()
	}
	return len(runners)
}

func (g *Registry) Keys() []model.ResourceKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]model.ResourceKey, 0, len(g.runners))
	for k := range g.runners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
