// Package tofu drives the infrastructure tool for one resource at a time:
// backend initialization, diffs, mutating actions and output collection,
// each under a supervision policy.
package tofu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/model"
)

// VarFile is the variables document staged in every data directory.
const VarFile = blobstore.ConfigFile

var emptyStateMarkers = []string{"No state file was found", "The state file is empty"}

// Hooks receive process lifecycle notifications; nil fields are skipped.
type Hooks struct {
	OnState func(key model.ResourceKey, command string, from, to State)
	OnExit  func(key model.ResourceKey, command string, res Result)
}

// Options are shared by every Runner of a registry.
type Options struct {
	Binary        string
	Backend       model.BackendConfig
	Init          Supervision
	Diff          Supervision
	Action        Supervision
	OutputTimeout time.Duration
	// Slots caps concurrently running tool processes across all keys.
	Slots  *semaphore.Weighted
	Hooks  Hooks
	Logger zerolog.Logger
}

// OptionsFromConfig derives supervision policies from the daemon config.
func OptionsFromConfig(cfg model.Config) Options {
	rc := cfg.Reconcile
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	grace := sec(rc.KillGraceSec)
	return Options{
		Binary:  cfg.Tofu.Binary,
		Backend: cfg.Tofu.Backend,
		Init:    Supervision{StallAfter: sec(rc.ActionStallSec), Deadline: 10 * time.Minute, KillGrace: grace},
		Diff: Supervision{
			StallAfter: sec(rc.DiffStallSec),
			Nudge:      true,
			Deadline:   sec(rc.DiffTimeoutSec),
			KillGrace:  grace,
		},
		Action: Supervision{
			StallAfter: sec(rc.ActionStallSec),
			KillAfter:  sec(rc.ActionKillSec),
			KillGrace:  grace,
		},
		OutputTimeout: sec(rc.OutputTimeoutSec),
		Slots:         semaphore.NewWeighted(int64(cfg.Tofu.MaxParallel)),
	}
}

// Runner owns the tool invocations of one ResourceKey. At most one process
// runs per Runner at any time.
type Runner struct {
	key     model.ResourceKey
	codeDir string
	dataDir string
	opts    *Options

	busy chan struct{}

	initMu      sync.Mutex
	initialized bool
}

func newRunner(key model.ResourceKey, codeDir, dataDir string, opts *Options) *Runner {
	return &Runner{
		key:     key,
		codeDir: codeDir,
		dataDir: dataDir,
		opts:    opts,
		busy:    make(chan struct{}, 1),
	}
}

func (r *Runner) Key() model.ResourceKey { return r.key }
func (r *Runner) DataDir() string        { return r.dataDir }

func (r *Runner) Initialized() bool {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialized
}

// ResetInitialized forces the next invocation to run init again.
func (r *Runner) ResetInitialized() {
	r.initMu.Lock()
	r.initialized = false
	r.initMu.Unlock()
}

func (r *Runner) acquire(ctx context.Context) error {
	select {
	case r.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.opts.Slots != nil {
		if err := r.opts.Slots.Acquire(ctx, 1); err != nil {
			<-r.busy
			return err
		}
	}
	return nil
}

func (r *Runner) release() {
	if r.opts.Slots != nil {
		r.opts.Slots.Release(1)
	}
	<-r.busy
}

// EnsureInitialized runs init once per Runner, or again after a reset.
func (r *Runner) EnsureInitialized(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()
	return r.ensureInitialized(ctx)
}

func (r *Runner) ensureInitialized(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}
	out, err := r.run(ctx, "init", r.initArgs(), r.opts.Init)
	if err != nil {
		return fmt.Errorf("init %s: %w", r.key, err)
	}
	r.opts.Logger.Debug().Str("key", r.key.String()).Int("output_bytes", len(out)).Msg("init_completed")
	r.initialized = true
	return nil
}

func (r *Runner) initArgs() []string {
	b := r.opts.Backend
	args := []string{"init", "-no-color", "-input=false", "-reconfigure"}
	add := func(k, v string) {
		if v != "" {
			args = append(args, fmt.Sprintf("-backend-config=%s=%s", k, v))
		}
	}
	add("bucket", b.Bucket)
	add("key", blobstore.StateKey(r.key))
	add("region", b.Region)
	add("endpoint", b.Endpoint)
	add("access_key", b.AccessKey)
	add("secret_key", b.SecretKey)
	add("skip_credentials_validation", "true")
	add("skip_metadata_api_check", "true")
	add("force_path_style", "true")
	return args
}

// RunDiff runs a plan and returns its full output. A non-zero exit, a stall
// that never recovers or the hard deadline yield a *model.ProcessError
// carrying whatever was printed.
func (r *Runner) RunDiff(ctx context.Context) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()
	if err := r.ensureInitialized(ctx); err != nil {
		return "", err
	}
	return r.run(ctx, "plan", r.actionArgs(model.ActionPlan), r.opts.Diff)
}

// RunAction starts action and returns the live process. The Runner stays
// busy until the process exits.
func (r *Runner) RunAction(ctx context.Context, action model.Action) (*Process, error) {
	if _, err := model.ParseAction(string(action)); err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	if err := r.ensureInitialized(ctx); err != nil {
		r.release()
		return nil, err
	}
	p, err := r.start(ctx, string(action), r.actionArgs(action), r.opts.Action)
	if err != nil {
		r.release()
		return nil, err
	}
	go func() {
		<-p.Done()
		r.release()
	}()
	return p, nil
}

// CollectOutputs reads `output -json` and flattens each output to its value.
// A resource without state yields an empty map.
func (r *Runner) CollectOutputs(ctx context.Context) (map[string]any, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	sup := Supervision{Deadline: r.opts.OutputTimeout, KillGrace: r.opts.Action.KillGrace}
	out, err := r.run(ctx, "output", []string{"output", "-json", "-no-color"}, sup)
	if err != nil {
		var pe *model.ProcessError
		if errors.As(err, &pe) && errors.Is(err, model.ErrProcessExit) && hasEmptyStateMarker(pe.Output) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return ParseOutputs(out)
}

// ParseOutputs flattens `{"name": {"value": v, ...}}` into `{"name": v}`.
func ParseOutputs(out string) (map[string]any, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" || hasEmptyStateMarker(trimmed) {
		return map[string]any{}, nil
	}
	var raw map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	flat := make(map[string]any, len(raw))
	for k, v := range raw {
		flat[k] = v.Value
	}
	return flat, nil
}

func hasEmptyStateMarker(s string) bool {
	for _, m := range emptyStateMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func (r *Runner) actionArgs(action model.Action) []string {
	args := []string{string(action), "-no-color"}
	if action.Mutating() {
		args = append(args, "-auto-approve")
	}
	if vf := r.varFile(); vf != "" {
		args = append(args, "-var-file="+vf)
	}
	return args
}

func (r *Runner) varFile() string {
	path, err := filepath.Abs(filepath.Join(r.dataDir, VarFile))
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// run executes a command to completion, draining its output.
func (r *Runner) run(ctx context.Context, name string, args []string, sup Supervision) (string, error) {
	p, err := r.start(ctx, name, args, sup)
	if err != nil {
		return "", err
	}
	for range p.Chunks() {
	}
	res := p.Wait()
	return res.Output, res.Err
}

func (r *Runner) start(ctx context.Context, name string, args []string, sup Supervision) (*Process, error) {
	cmd := Command{
		Name: name,
		Path: r.opts.Binary,
		Args: args,
		Dir:  r.codeDir,
		Env:  r.environ(),
	}
	var onState func(from, to State)
	if h := r.opts.Hooks.OnState; h != nil {
		onState = func(from, to State) { h(r.key, name, from, to) }
	}
	logger := r.opts.Logger.With().Str("key", r.key.String()).Str("command", name).Logger()
	p, err := Start(ctx, cmd, sup, func(from, to State) {
		if to == StateStalled || to == StateKilling {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("process_state")
		}
		if onState != nil {
			onState(from, to)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Debug().Strs("args", redact(args)).Msg("process_started")
	if h := r.opts.Hooks.OnExit; h != nil {
		go func() { h(r.key, name, p.Wait()) }()
	}
	return p, nil
}

func (r *Runner) environ() []string {
	env := os.Environ()
	for _, name := range []string{"TF_DATA_DIR", "TF_CLI_ARGS", "TF_INPUT"} {
		env = filterEnv(env, name)
	}
	env = filterPrefix(env, "TF_VAR_")

	dataDir, err := filepath.Abs(r.dataDir)
	if err != nil {
		dataDir = r.dataDir
	}
	b := r.opts.Backend
	resource := r.key.Resource
	if r.key.IsNetwork() {
		resource = r.key.Provider()
	}
	return append(env,
		"TF_IN_AUTOMATION=1",
		"TF_DATA_DIR="+filepath.Join(dataDir, ".terraform"),
		"TF_VAR_client_id="+r.key.Tenant,
		"TF_VAR_service_id="+resource,
		"TF_VAR_data_dir="+dataDir,
		"TF_VAR_s3_endpoint="+b.Endpoint,
		"TF_VAR_s3_access_key="+b.AccessKey,
		"TF_VAR_s3_secret_key="+b.SecretKey,
	)
}

func filterEnv(environ []string, name string) []string {
	return filterPrefix(environ, name+"=")
}

func filterPrefix(environ []string, prefix string) []string {
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "access_key=") || strings.Contains(a, "secret_key=") {
			k, _, _ := strings.Cut(a, "=")
			rest := strings.TrimPrefix(a, k+"=")
			name, _, _ := strings.Cut(rest, "=")
			a = k + "=" + name + "=***"
		}
		out[i] = a
	}
	return out
}
