package jobs

import (
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tofud/internal/model"
)

type fakeHandle struct{ terminated atomic.Int32 }

func (f *fakeHandle) Terminate() { f.terminated.Add(1) }

var key = model.ResourceKey{Tenant: "acme", Resource: "svc"}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	id := r.Create(key, model.ActionApply)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.ActionApply, info.Action)
	assert.Equal(t, key, info.Key)

	h := &fakeHandle{}
	assert.True(t, r.Set(id, h))
	assert.Equal(t, 1, r.Len())

	r.Remove(id)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Set(id, h))
	assert.Equal(t, int32(0), h.terminated.Load())
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	id := r.Create(key, model.ActionDestroy)
	h := &fakeHandle{}
	r.Set(id, h)

	assert.True(t, r.Cancel(id))
	assert.Equal(t, int32(1), h.terminated.Load())
	assert.False(t, r.Cancel(id), "second cancel of the same id")
	assert.False(t, r.Cancel("missing"))
	assert.Equal(t, int32(1), h.terminated.Load())
}

func TestRegistry_CancelBeforeSpawn(t *testing.T) {
	r := NewRegistry()
	id := r.Create(key, model.ActionApply)
	assert.True(t, r.Cancel(id))
	assert.False(t, r.Set(id, &fakeHandle{}))
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	a := r.Create(key, model.ActionApply)
	b := r.Create(model.ResourceKey{Tenant: "acme", Resource: "other"}, model.ActionPlan)

	list := r.List()
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{a, b}, ids)
	assert.NotEqual(t, a, b)
}
