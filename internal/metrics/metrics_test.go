package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
)

func TestObserveAction(t *testing.T) {
	m := New()
	m.ObserveAction(model.ActionApply, "success", 2*time.Second)
	m.ObserveAction(model.ActionApply, "failure", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("apply", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("apply", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ActionDuration))
}

func TestProcessHooks(t *testing.T) {
	m := New()
	h := m.ProcessHooks()
	key := model.ResourceKey{Tenant: "acme", Resource: "svc"}

	h.OnState(key, "plan", tofu.StateRunning, tofu.StateStalled)
	h.OnExit(key, "plan", tofu.Result{ExitCode: 1, Err: &model.ProcessError{Command: "plan", ExitCode: 1}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProcessStates.WithLabelValues("plan", "stalled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProcessExits.WithLabelValues("plan", "failure")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ActiveLoops.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tofud_active_loops 3")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.LockTimeouts.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LockTimeouts))
}
