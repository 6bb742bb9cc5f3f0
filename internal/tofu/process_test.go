package tofu

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tofud/internal/model"
)

func shell(script string) Command {
	return Command{Name: "test", Path: "/bin/sh", Args: []string{"-c", script}}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(_, to State) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) seen() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func drain(p *Process) []Chunk {
	var out []Chunk
	for c := range p.Chunks() {
		out = append(out, c)
	}
	return out
}

func TestProcess_OutputAndExitCode(t *testing.T) {
	p, err := Start(context.Background(), shell("echo out; echo err >&2; exit 3"), Supervision{}, nil)
	require.NoError(t, err)

	chunks := drain(p)
	res := p.Wait()

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
	assert.ErrorIs(t, res.Err, model.ErrProcessExit)
	assert.Equal(t, StateExited, p.State())

	streams := map[Stream]bool{}
	for _, c := range chunks {
		streams[c.Stream] = true
	}
	assert.True(t, streams[Stdout])
	assert.True(t, streams[Stderr])
}

func TestProcess_CleanExit(t *testing.T) {
	p, err := Start(context.Background(), shell("printf 'partial line'"), Supervision{}, nil)
	require.NoError(t, err)
	drain(p)
	res := p.Wait()
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "partial line", res.Output)
}

func TestProcess_StallNudgesStdin(t *testing.T) {
	var log stateLog
	sup := Supervision{StallAfter: 60 * time.Millisecond, Nudge: true, CheckInterval: 10 * time.Millisecond}
	p, err := Start(context.Background(), shell("printf 'Enter a value: '; read answer; echo resumed"), sup, log.record)
	require.NoError(t, err)

	drain(p)
	res := p.Wait()
	require.NoError(t, res.Err)
	assert.Contains(t, res.Output, "resumed")

	seen := log.seen()
	assert.Equal(t, []State{StateRunning, StateStalled, StateRunning, StateExited}, seen)
}

func TestProcess_SilenceKills(t *testing.T) {
	var log stateLog
	sup := Supervision{StallAfter: 30 * time.Millisecond, KillAfter: 100 * time.Millisecond, KillGrace: 100 * time.Millisecond, CheckInterval: 10 * time.Millisecond}
	start := time.Now()
	p, err := Start(context.Background(), shell("echo creating; sleep 10"), sup, log.record)
	require.NoError(t, err)

	drain(p)
	res := p.Wait()
	assert.ErrorIs(t, res.Err, model.ErrProcessStalled)
	assert.Contains(t, res.Output, "creating")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, log.seen(), StateKilling)
}

func TestProcess_DeadlineDespiteOutput(t *testing.T) {
	sup := Supervision{StallAfter: time.Second, Deadline: 150 * time.Millisecond, KillGrace: 100 * time.Millisecond}
	p, err := Start(context.Background(), shell("while true; do echo tick; sleep 0.02; done"), sup, nil)
	require.NoError(t, err)

	drain(p)
	res := p.Wait()
	assert.ErrorIs(t, res.Err, model.ErrProcessTimeout)
	assert.Contains(t, res.Output, "tick")
}

func TestProcess_TerminateIgnoredTermEscalatesToKill(t *testing.T) {
	sup := Supervision{KillGrace: 100 * time.Millisecond}
	p, err := Start(context.Background(), shell("trap '' TERM; echo ready; sleep 10"), sup, nil)
	require.NoError(t, err)

	first := <-p.Chunks()
	assert.Contains(t, first.Data, "ready")

	start := time.Now()
	p.Terminate()
	drain(p)
	res := p.Wait()
	assert.ErrorIs(t, res.Err, model.ErrProcessCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcess_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, shell("sleep 10"), Supervision{KillGrace: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	cancel()
	drain(p)
	assert.ErrorIs(t, p.Wait().Err, model.ErrProcessCancelled)
}

func TestProcess_StartFailure(t *testing.T) {
	_, err := Start(context.Background(), Command{Name: "plan", Path: "/nonexistent/tofu"}, Supervision{}, nil)
	var pe *model.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "plan", pe.Command)
	assert.True(t, strings.Contains(err.Error(), "plan failed"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stalled", StateStalled.String())
	assert.Equal(t, "exited", StateExited.String())
}
