package tofu

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu/tofutest"
)

func testOptions(bin string) Options {
	return Options{
		Binary:  bin,
		Backend: model.BackendConfig{Bucket: "states", Region: "us-east-1", Endpoint: "http://minio:9000", AccessKey: "AK", SecretKey: "SK"},
		Init:    Supervision{Deadline: 10 * time.Second},
		Diff: Supervision{
			StallAfter:    80 * time.Millisecond,
			Nudge:         true,
			Deadline:      300 * time.Millisecond,
			KillGrace:     100 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
		},
		Action: Supervision{
			StallAfter:    50 * time.Millisecond,
			KillAfter:     200 * time.Millisecond,
			KillGrace:     100 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
		},
		OutputTimeout: 5 * time.Second,
		Slots:         semaphore.NewWeighted(4),
		Logger:        zerolog.Nop(),
	}
}

func newTestRunner(t *testing.T) (*Runner, *tofutest.Fake) {
	t.Helper()
	fake := tofutest.New(t)
	reg := NewRegistry(testOptions(fake.Path), t.TempDir(), t.TempDir())
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, VarFile), []byte(`{"instance":{}}`), 0644))
	return reg.GetOrCreate(model.ResourceKey{Tenant: "acme", Resource: "svc"}, dataDir), fake
}

func TestRunner_DiffInitializesOnce(t *testing.T) {
	r, fake := newTestRunner(t)
	ctx := context.Background()

	out, err := r.RunDiff(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "No changes.")
	assert.True(t, model.RegexClassifier{}.Applied(out))

	_, err = r.RunDiff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Count(t, "init"))
	assert.Equal(t, 2, fake.Count(t, "plan"))

	r.ResetInitialized()
	assert.False(t, r.Initialized())
	_, err = r.RunDiff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Count(t, "init"))
}

func TestRunner_InitArgsAndEnvironment(t *testing.T) {
	r, fake := newTestRunner(t)
	require.NoError(t, r.EnsureInitialized(context.Background()))

	calls := fake.Calls(t)
	require.Len(t, calls, 1)
	init := calls[0]
	assert.Contains(t, init, "-backend-config=bucket=states")
	assert.Contains(t, init, "-backend-config=key=clients/acme/svc/terraform.tfstate")
	assert.Contains(t, init, "-backend-config=endpoint=http://minio:9000")
	assert.Contains(t, init, "-backend-config=force_path_style=true")
	assert.Contains(t, init, "client=acme service=svc")
	assert.Contains(t, init, "data="+filepath.Join(r.DataDir(), ".terraform"))
}

func TestRunner_InitFailure(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "init", "fail")

	_, err := r.RunDiff(context.Background())
	assert.ErrorIs(t, err, model.ErrProcessExit)
	assert.False(t, r.Initialized())
	assert.Equal(t, 0, fake.Count(t, "plan"))
}

func TestRunner_DiffPassesVarFile(t *testing.T) {
	r, fake := newTestRunner(t)
	_, err := r.RunDiff(context.Background())
	require.NoError(t, err)

	var plan string
	for _, c := range fake.Calls(t) {
		if strings.HasPrefix(c, "plan ") {
			plan = c
		}
	}
	assert.Contains(t, plan, "-var-file="+filepath.Join(r.DataDir(), VarFile))
	assert.NotContains(t, plan, "-auto-approve")
}

func TestRunner_DiffDrift(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "plan", "drift")
	out, err := r.RunDiff(context.Background())
	require.NoError(t, err)
	assert.False(t, model.RegexClassifier{}.Applied(out))
}

func TestRunner_DiffFailureCarriesOutput(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "plan", "fail")

	out, err := r.RunDiff(context.Background())
	var pe *model.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.ExitCode)
	assert.Contains(t, pe.Output, "Invalid reference")
	assert.Equal(t, pe.Output, out)
}

func TestRunner_DiffPromptIsNudged(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "plan", "prompt")

	out, err := r.RunDiff(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "matches the configuration")
}

func TestRunner_DiffHardTimeout(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "plan", "hang")

	out, err := r.RunDiff(context.Background())
	assert.ErrorIs(t, err, model.ErrProcessTimeout)
	assert.Contains(t, out, "Refreshing state")
}

func TestRunner_ActionStreamsAndAutoApproves(t *testing.T) {
	r, fake := newTestRunner(t)

	p, err := r.RunAction(context.Background(), model.ActionApply)
	require.NoError(t, err)
	var streamed strings.Builder
	for c := range p.Chunks() {
		streamed.WriteString(c.Data)
	}
	res := p.Wait()
	require.NoError(t, res.Err)
	assert.Contains(t, streamed.String(), "Apply complete!")

	calls := fake.Calls(t)
	assert.Contains(t, calls[len(calls)-1], "-auto-approve")
}

func TestRunner_ActionStallTerminates(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "destroy", "hang")

	p, err := r.RunAction(context.Background(), model.ActionDestroy)
	require.NoError(t, err)
	for range p.Chunks() {
	}
	res := p.Wait()
	assert.ErrorIs(t, res.Err, model.ErrProcessStalled)
	assert.Contains(t, res.Output, "Still creating")
}

func TestRunner_RejectsUnknownAction(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.RunAction(context.Background(), model.ActionUnknown)
	assert.ErrorIs(t, err, model.ErrInvalidAction)
}

func TestRunner_OneInvocationAtATime(t *testing.T) {
	r, fake := newTestRunner(t)
	fake.SetMode(t, "apply", "slow")

	p, err := r.RunAction(context.Background(), model.ActionApply)
	require.NoError(t, err)
	go func() {
		for range p.Chunks() {
		}
	}()

	_, err = r.RunDiff(context.Background())
	require.NoError(t, err)
	select {
	case <-p.Done():
	default:
		t.Fatal("diff ran while apply was still in progress")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	fake.SetMode(t, "apply", "slow")
	p2, err := r.RunAction(context.Background(), model.ActionApply)
	require.NoError(t, err)
	_, err = r.RunDiff(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	for range p2.Chunks() {
	}
	p2.Wait()
}

func TestRunner_CollectOutputs(t *testing.T) {
	r, fake := newTestRunner(t)
	ctx := context.Background()

	out, err := r.CollectOutputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", out["ip"])
	assert.Equal(t, []any{float64(80), float64(443)}, out["ports"])

	fake.SetMode(t, "output", "nostate")
	out, err = r.CollectOutputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	fake.SetMode(t, "output", "fail")
	_, err = r.CollectOutputs(ctx)
	assert.ErrorIs(t, err, model.ErrProcessExit)
}

func TestParseOutputs(t *testing.T) {
	out, err := ParseOutputs("")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = ParseOutputs("The state file is empty. No outputs.")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = ParseOutputs("{not json")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(testOptions("tofu"), "/code/services", "/code/networks")
	svc := model.ResourceKey{Tenant: "acme", Resource: "svc"}
	net := model.NetworkKey("acme", "docker")

	a := reg.GetOrCreate(svc, "/work/acme/svc")
	assert.Same(t, a, reg.GetOrCreate(svc, "/work/acme/svc"))
	assert.NotSame(t, a, reg.GetOrCreate(svc, "/elsewhere"))

	assert.Equal(t, "/code/services", reg.CodeDir(svc))
	assert.Equal(t, "/code/networks/docker", reg.CodeDir(net))
	reg.GetOrCreate(net, "/work/acme/network/docker")
	reg.GetOrCreate(model.ResourceKey{Tenant: "beta", Resource: "svc"}, "/work/beta/svc")

	assert.Equal(t, 3, reg.ResetInitialized())
	assert.Equal(t, 2, reg.RemoveAllForTenant("acme"))
	_, ok := reg.Get(svc)
	assert.False(t, ok)
	assert.True(t, reg.Remove(model.ResourceKey{Tenant: "beta", Resource: "svc"}))
	assert.Empty(t, reg.Keys())
}

func TestRedact(t *testing.T) {
	got := redact([]string{"init", "-backend-config=access_key=AK", "-backend-config=secret_key=SK", "-backend-config=bucket=b"})
	assert.Equal(t, []string{"init", "-backend-config=access_key=***", "-backend-config=secret_key=***", "-backend-config=bucket=b"}, got)
}
