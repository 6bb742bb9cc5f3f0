package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/model"
)

// recorder persists and publishes statuses. A status from an operation that
// started before the last recorded one for the same key is discarded.
type recorder struct {
	infos  *blobstore.InfoStore
	bus    *events.Bus
	logger zerolog.Logger

	locks *lock.KeyedMutex[model.ResourceKey]

	mu     sync.Mutex
	latest map[model.ResourceKey]time.Time
}

func newRecorder(infos *blobstore.InfoStore, bus *events.Bus, logger zerolog.Logger) *recorder {
	return &recorder{
		infos:  infos,
		bus:    bus,
		logger: logger,
		locks:  lock.NewKeyedMutex[model.ResourceKey](),
		latest: make(map[model.ResourceKey]time.Time),
	}
}

func (r *recorder) record(ctx context.Context, startedAt time.Time, s *model.ExecutionStatus) error {
	key := s.Key
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	r.mu.Lock()
	last, ok := r.latest[key]
	stale := ok && startedAt.Before(last)
	if !stale {
		r.latest[key] = startedAt
	}
	r.mu.Unlock()
	if stale {
		r.logger.Debug().Str("key", key.String()).Time("started_at", startedAt).Msg("stale_status_dropped")
		return nil
	}

	err := r.infos.SetStatus(ctx, key, s)
	r.bus.PublishStatus(s)
	return err
}

// forget drops ordering state for a deleted resource.
func (r *recorder) forget(key model.ResourceKey) {
	r.mu.Lock()
	delete(r.latest, key)
	r.mu.Unlock()
}
