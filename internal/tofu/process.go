package tofu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/tofud/internal/model"
)

// State is the supervision state of one tool process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStalled
	StateKilling
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateKilling:
		return "killing"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Supervision is the policy applied while a process runs. Silence is
// measured from the last byte written on stdout or stderr.
type Supervision struct {
	// StallAfter moves the process to stalled after this much silence.
	StallAfter time.Duration
	// Nudge writes a newline to stdin on every stall period.
	Nudge bool
	// KillAfter terminates the process after this much silence; zero never.
	KillAfter time.Duration
	// Deadline terminates the process after this total runtime; zero never.
	Deadline time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// CheckInterval is how often the watchdog looks at the process.
	CheckInterval time.Duration
}

func (s Supervision) checkInterval() time.Duration {
	if s.CheckInterval > 0 {
		return s.CheckInterval
	}
	iv := time.Second
	if s.StallAfter > 0 && s.StallAfter/4 < iv {
		iv = s.StallAfter / 4
	}
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is a piece of process output as it was read, not split on lines.
type Chunk struct {
	Stream Stream
	Data   string
}

// Command describes one tool invocation.
type Command struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Result is available once the process exited.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	// Err is nil on a clean zero exit, otherwise a *model.ProcessError.
	Err error
}

// Process is a supervised tool invocation. Chunks must be drained by the
// caller until the channel closes.
type Process struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	sup     Supervision
	started time.Time

	state      atomic.Int32
	lastOutput atomic.Int64

	chunks chan Chunk
	done   chan struct{}

	mu     sync.Mutex
	output strings.Builder
	cause  error
	result Result

	termOnce sync.Once
	onState  func(from, to State)
}

// Start launches cmd in its own process group and supervises it until exit.
// Cancelling ctx terminates the process.
func Start(ctx context.Context, c Command, sup Supervision, onState func(from, to State)) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.ProcessError{Command: c.Name, ExitCode: -1, Cause: err}
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		name:    c.Name,
		cmd:     cmd,
		stdin:   stdin,
		sup:     sup,
		chunks:  make(chan Chunk, 64),
		done:    make(chan struct{}),
		onState: onState,
	}
	p.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		return nil, &model.ProcessError{Command: c.Name, ExitCode: -1, Cause: fmt.Errorf("start %s: %w", c.Path, err)}
	}
	p.started = time.Now()
	p.lastOutput.Store(p.started.UnixNano())
	p.transition(StateStarting, StateRunning)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.read(stdout, Stdout, &readers)
	go p.read(stderr, Stderr, &readers)

	stopWatch := make(chan struct{})
	go p.watch(ctx, stopWatch)
	go p.wait(&readers, stopWatch)
	return p, nil
}

func (p *Process) Name() string { return p.name }

func (p *Process) State() State { return State(p.state.Load()) }

// Chunks streams output until the process exits.
func (p *Process) Chunks() <-chan Chunk { return p.chunks }

// Done is closed after the process exited and its output was collected.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until exit.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Terminate asks the process group to exit and kills it after the grace
// period. The process reports ErrProcessCancelled.
func (p *Process) Terminate() {
	p.terminate(model.ErrProcessCancelled)
}

func (p *Process) transition(from, to State) bool {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if p.onState != nil {
		p.onState(from, to)
	}
	return true
}

func (p *Process) read(r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			p.lastOutput.Store(time.Now().UnixNano())
			p.transition(StateStalled, StateRunning)
			p.mu.Lock()
			p.output.WriteString(data)
			p.mu.Unlock()
			p.chunks <- Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) watch(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(p.sup.checkInterval())
	defer t.Stop()

	var deadline <-chan time.Time
	if p.sup.Deadline > 0 {
		dt := time.NewTimer(p.sup.Deadline)
		defer dt.Stop()
		deadline = dt.C
	}

	var lastNudge time.Time
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.terminate(model.ErrProcessCancelled)
			return
		case <-deadline:
			p.terminate(model.ErrProcessTimeout)
			return
		case now := <-t.C:
			silence := now.Sub(time.Unix(0, p.lastOutput.Load()))
			if p.sup.KillAfter > 0 && silence >= p.sup.KillAfter {
				p.terminate(model.ErrProcessStalled)
				return
			}
			if p.sup.StallAfter <= 0 || silence < p.sup.StallAfter {
				continue
			}
			p.transition(StateRunning, StateStalled)
			if p.sup.Nudge && p.State() == StateStalled && now.Sub(lastNudge) >= p.sup.StallAfter {
				lastNudge = now
				_, _ = io.WriteString(p.stdin, "\n")
			}
		}
	}
}

func (p *Process) terminate(cause error) {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.cause = cause
		p.mu.Unlock()

		from := p.State()
		if from == StateExited {
			return
		}
		p.transition(from, StateKilling)

		pgid := p.cmd.Process.Pid
		_ = unix.Kill(-pgid, unix.SIGTERM)
		grace := p.sup.KillGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		go func() {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				_ = unix.Kill(-pgid, unix.SIGKILL)
			}
		}()
	})
}

func (p *Process) wait(readers *sync.WaitGroup, stopWatch chan struct{}) {
	readers.Wait()
	waitErr := p.cmd.Wait()
	close(stopWatch)
	_ = p.stdin.Close()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		code = exitErr.ExitCode()
	case waitErr != nil:
		code = -1
	}

	p.mu.Lock()
	res := Result{ExitCode: code, Output: p.output.String(), Duration: time.Since(p.started)}
	cause := p.cause
	p.mu.Unlock()

	switch {
	case cause != nil:
		res.Err = &model.ProcessError{Command: p.name, ExitCode: code, Output: res.Output, Cause: cause}
	case code != 0:
		res.Err = &model.ProcessError{Command: p.name, ExitCode: code, Output: res.Output}
	}
	p.result = res

	for s := p.State(); s != StateExited; s = p.State() {
		p.transition(s, StateExited)
	}
	close(p.chunks)
	close(p.done)
}
