package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tofud/internal/engine/enginetest"
	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/model"
)

func setupServer(t *testing.T) (*Server, *enginetest.Env) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := enginetest.New(t, time.Hour)
	return New(env.Engine, zerolog.Nop()), env
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := setupServer(t)

	w := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tofud_active_loops")
}

func TestNetworkConfigFromPath(t *testing.T) {
	s, _ := setupServer(t)

	w := do(t, s, http.MethodPut, "/tenants/acme/networks/docker/config", `{"instance":{"network_name":"network-acme"}}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/tenants/acme/networks/docker/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cfg model.NetworkConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, "docker", cfg.Provider)
	assert.Equal(t, "network-acme", cfg.NetworkName)

	w = do(t, s, http.MethodPut, "/tenants/acme/networks/docker/config", `{"provider":"podman","network_name":"n"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, "/tenants/acme/networks/docker/config", `{"provider":"docker"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/tenants/acme/networks/podman/config", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateServiceAndApply(t *testing.T) {
	s, env := setupServer(t)
	env.PutNetwork(t, "acme")

	w := do(t, s, http.MethodPost, "/tenants/acme/services", `{"serviceType":"nginx","config":{"provider":"docker","container_name":"web","image":"nginx"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Key model.ResourceKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := "/tenants/acme/services/" + created.Key.Resource

	w = do(t, s, http.MethodPost, base+"/actions/apply?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status model.ExecutionStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Applied)
	assert.Equal(t, model.ActionApply, status.LastAction)

	w = do(t, s, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"serviceName":"web"`)
	assert.Contains(t, w.Body.String(), `"applyOutput"`)

	w = do(t, s, http.MethodGet, "/tenants/acme/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Key.Resource)

	w = do(t, s, http.MethodGet, "/loops", "")
	assert.Contains(t, w.Body.String(), created.Key.Resource)

	w = do(t, s, http.MethodDelete, base+"/loop", "")
	assert.JSONEq(t, `{"wasActive":true}`, w.Body.String())
}

func TestCreateService_Invalid(t *testing.T) {
	s, _ := setupServer(t)

	w := do(t, s, http.MethodPost, "/tenants/acme/services", `{"serviceType":"nginx","config":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/tenants/acme/services", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActionErrors(t *testing.T) {
	s, env := setupServer(t)

	w := do(t, s, http.MethodPost, "/tenants/acme/services/web/actions/rollback", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/tenants/a..b/services/web/actions/apply", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/tenants/acme/services/web/actions/apply?wait=true", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"status"`)

	w = do(t, s, http.MethodPut, "/tenants/acme/services/web/config", `{"provider":"docker","network_name":"network-acme"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodPost, "/tenants/acme/services/web/actions/apply", "")
	assert.Equal(t, http.StatusFailedDependency, w.Code)

	env.PutNetwork(t, "acme")
	env.Fake.SetMode(t, "plan", "drift")
	w = do(t, s, http.MethodPost, "/tenants/acme/services/web/actions/apply", "")
	assert.Equal(t, http.StatusFailedDependency, w.Code)
	assert.Zero(t, env.Fake.Count(t, "apply"))
}

func TestSubmitAndJobs(t *testing.T) {
	s, env := setupServer(t)
	env.PutNetwork(t, "acme")
	env.Fake.SetMode(t, "apply", "hang")

	w := do(t, s, http.MethodPost, "/tenants/acme/networks/docker/actions/apply", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	w = do(t, s, http.MethodGet, "/jobs", "")
	assert.Contains(t, w.Body.String(), accepted.JobID)

	w = do(t, s, http.MethodDelete, "/jobs/"+accepted.JobID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		return !strings.Contains(do(t, s, http.MethodGet, "/jobs", "").Body.String(), accepted.JobID)
	}, 3*time.Second, 20*time.Millisecond)

	w = do(t, s, http.MethodDelete, "/jobs/"+accepted.JobID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusAndDelete(t *testing.T) {
	s, env := setupServer(t)
	env.PutNetwork(t, "acme")

	w := do(t, s, http.MethodGet, "/tenants/acme/services/ghost/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Configuration missing")

	w = do(t, s, http.MethodGet, "/tenants/acme/networks/docker/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"applied":true`)

	env.Fake.SetMode(t, "destroy", "fail")
	w = do(t, s, http.MethodDelete, "/tenants/acme/networks/docker", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodDelete, "/tenants/acme/networks/docker?force=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"errorMessage"`)

	env.PutNetwork(t, "acme")
	env.Fake.SetMode(t, "destroy", "ok")
	w = do(t, s, http.MethodDelete, "/tenants/acme/networks/docker", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/tenants/acme/networks/docker", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodDelete, "/tenants/acme", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r *bufio.Reader, out chan<- sseEvent) {
	t.Helper()
	var cur sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && cur.name != "":
			out <- cur
			cur = sseEvent{}
		}
	}
}

func TestEventStream(t *testing.T) {
	s, env := setupServer(t)
	key := env.PutNetwork(t, "acme")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/tenants/acme/networks/docker/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := make(chan sseEvent, 16)
	go readEvents(t, bufio.NewReader(resp.Body), got)

	bus := env.Engine.Bus()
	require.Eventually(t, func() bool { return bus.Subscribers(key) == 1 }, 2*time.Second, 10*time.Millisecond)
	bus.Publish(key, events.KindData, "Still creating...")
	bus.Publish(key, events.KindEnd, `{"code":0}`)

	var seen []sseEvent
	timeout := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case ev, ok := <-got:
			require.True(t, ok, "stream closed early")
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("timed out, got %v", seen)
		}
	}
	assert.Equal(t, sseEvent{name: "data", data: "Still creating..."}, seen[0])
	assert.Equal(t, "end", seen[1].name)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case _, ok := <-got:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end on shutdown")
	}
	require.Eventually(t, func() bool { return bus.Subscribers(key) == 0 }, 2*time.Second, 10*time.Millisecond)
}
