// Package jobs tracks running tool processes by job id so they can be
// cancelled from outside the executor.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/tofud/internal/model"
)

// Handle is the part of a running process the registry needs.
type Handle interface {
	Terminate()
}

type Info struct {
	ID        string            `json:"id"`
	Key       model.ResourceKey `json:"key"`
	Action    model.Action      `json:"action"`
	StartedAt time.Time         `json:"startedAt"`
}

type job struct {
	info   Info
	handle Handle
}

type Registry struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*job)}
}

// Create reserves a new job id for key and action.
func (r *Registry) Create(key model.ResourceKey, action model.Action) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.jobs[id] = &job{info: Info{ID: id, Key: key, Action: action, StartedAt: time.Now().UTC()}}
	r.mu.Unlock()
	return id
}

// Set attaches the running process to a job created earlier.
func (r *Registry) Set(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	j.handle = h
	return true
}

// Cancel terminates the job's process and stops tracking it. It reports
// false when the id is unknown.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if j.handle != nil {
		j.handle.Terminate()
	}
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Info{}, false
	}
	return j.info, true
}

// List returns running jobs, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
