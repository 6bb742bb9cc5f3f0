package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/model"
)

// Info is the typed view of a resource's info document. Unknown fields in
// the stored document survive field updates.
type Info struct {
	ServiceName string                 `json:"serviceName,omitempty"`
	ServiceType string                 `json:"serviceType,omitempty"`
	Status      *model.ExecutionStatus `json:"status,omitempty"`
	LastAction  model.Action           `json:"lastAction,omitempty"`
	ApplyOutput map[string]any         `json:"applyOutput,omitempty"`
}

// InfoStore performs read-modify-write updates of info documents, one key
// at a time.
type InfoStore struct {
	store Store
	locks *lock.KeyedMutex[model.ResourceKey]
}

func NewInfoStore(s Store) *InfoStore {
	return &InfoStore{store: s, locks: lock.NewKeyedMutex[model.ResourceKey]()}
}

func (i *InfoStore) Read(ctx context.Context, key model.ResourceKey) (*Info, error) {
	data, err := i.store.Get(ctx, InfoKey(key))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode %s: %w", InfoKey(key), err)
	}
	return &info, nil
}

// LastAction returns the recorded last mutating action, or plan when none
// was recorded yet.
func (i *InfoStore) LastAction(ctx context.Context, key model.ResourceKey) model.Action {
	info, err := i.Read(ctx, key)
	if err != nil || info.LastAction == "" {
		return model.ActionPlan
	}
	return info.LastAction
}

func (i *InfoStore) SetStatus(ctx context.Context, key model.ResourceKey, s *model.ExecutionStatus) error {
	return i.SetField(ctx, key, "status", s)
}

func (i *InfoStore) SetLastAction(ctx context.Context, key model.ResourceKey, a model.Action) error {
	return i.SetField(ctx, key, "lastAction", a)
}

func (i *InfoStore) SetApplyOutput(ctx context.Context, key model.ResourceKey, out map[string]any) error {
	return i.SetField(ctx, key, "applyOutput", out)
}

// SetField replaces one top-level field and leaves every other field as stored.
func (i *InfoStore) SetField(ctx context.Context, key model.ResourceKey, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return i.update(ctx, key, func(doc map[string]json.RawMessage) {
		doc[field] = raw
	})
}

// Create writes fields of info that are set, merging into any existing document.
func (i *InfoStore) Create(ctx context.Context, key model.ResourceKey, info Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	return i.update(ctx, key, func(doc map[string]json.RawMessage) {
		for k, v := range fields {
			doc[k] = v
		}
	})
}

func (i *InfoStore) update(ctx context.Context, key model.ResourceKey, mutate func(map[string]json.RawMessage)) error {
	i.locks.Lock(key)
	defer i.locks.Unlock(key)

	doc := make(map[string]json.RawMessage)
	data, err := i.store.Get(ctx, InfoKey(key))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("read %s: %w", InfoKey(key), err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", InfoKey(key), err)
		}
	}

	mutate(doc)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := i.store.Put(ctx, InfoKey(key), out); err != nil {
		return fmt.Errorf("write %s: %w", InfoKey(key), err)
	}
	return nil
}
