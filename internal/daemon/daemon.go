// Package daemon wires the engine to its storage, the local control socket,
// the HTTP API and the code watcher, and owns the process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/msageha/tofud/internal/api"
	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/engine"
	"github.com/msageha/tofud/internal/events"
	"github.com/msageha/tofud/internal/lock"
	"github.com/msageha/tofud/internal/logging"
	"github.com/msageha/tofud/internal/metrics"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/internal/tofu"
	"github.com/msageha/tofud/internal/uds"
	"github.com/msageha/tofud/internal/workdir"
)

// codeChangeDebounce coalesces editor bursts into one runner reset.
const codeChangeDebounce = 500 * time.Millisecond

// Daemon is the tofud server process.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   zerolog.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	store    blobstore.Store
	journal  *events.Journal
	engine   *engine.Engine
	server   *uds.Server
	http     *api.Server
	listener net.Listener
	watcher  *fsnotify.Watcher
	tracing  func(context.Context) error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}

	forceExit atomic.Bool
}

// New opens the daemon log under stateDir/logs and builds an idle Daemon.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(stateDir, cfg, io.MultiWriter(os.Stderr, logFile), logFile), nil
}

func newDaemon(stateDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, cfg.Logging.Level, cfg.Logging.Format)
	return &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(cfg.Daemon.LockFile),
		server:   uds.NewServer(cfg.Daemon.SocketPath, logging.Component(logger, "uds")),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up and returns once the daemon is serving.
// Loop re-derivation continues in the background.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info().Int("pid", os.Getpid()).Str("state_dir", d.stateDir).Msg("daemon_starting")

	if err := d.start(); err != nil {
		d.logger.Error().Err(err).Msg("daemon_start_failed")
		d.Shutdown()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.engine.ReinitializeAllLoops(d.ctx, d.config.Daemon.Tenants); err != nil {
			d.logger.Error().Err(err).Msg("loop_reinit_failed")
		}
	}()

	d.logger.Info().Msg("daemon_ready")
	return nil
}

func (d *Daemon) start() error {
	cfg := d.config

	if cfg.Tracing.Enabled {
		shutdown, err := d.initTracing()
		if err != nil {
			return err
		}
		d.tracing = shutdown
	}

	store, err := blobstore.Open(d.ctx, cfg.Storage, logging.Component(d.logger, "blobstore"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	d.store = store

	journal, err := events.OpenJournal(cfg.Daemon.JournalPath, 0)
	if err != nil {
		return err
	}
	d.journal = journal

	m := metrics.New()
	opts := tofu.OptionsFromConfig(cfg)
	opts.Hooks = m.ProcessHooks()
	opts.Logger = logging.Component(d.logger, "tofu")
	d.engine = engine.New(engine.ConfigFromModel(cfg), engine.Deps{
		Store:   store,
		Sync:    workdir.New(store, cfg.Tofu.WorkingDir, cfg.Tofu.MaxParallel, logging.Component(d.logger, "workdir")),
		Runners: tofu.NewRegistry(opts, cfg.Tofu.CodeDir, cfg.Tofu.NetworkCodeDir),
		Metrics: m,
		Journal: journal,
		Logger:  d.logger,
	})

	if cfg.Daemon.WatchCode {
		if err := d.watchCode(); err != nil {
			return err
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}

	if cfg.HTTP.Enabled {
		l, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
		}
		d.listener = l
		d.http = api.New(d.engine, logging.Component(d.logger, "http"))
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.http.Serve(l); err != nil {
				d.logger.Error().Err(err).Msg("http_serve_failed")
			}
		}()
	}
	return nil
}

// HTTPAddr is the bound API address, or "" when the API is disabled.
func (d *Daemon) HTTPAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Engine exposes the running engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Done is closed once Shutdown has completed.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// watchCode resets runner initialization whenever tool code changes. The
// watcher is not recursive, so every existing subdirectory is added and new
// ones are picked up as they appear.
func (d *Daemon) watchCode() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, root := range []string{d.config.Tofu.CodeDir, d.config.Tofu.NetworkCodeDir} {
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", root, err)
		}
		if err := d.addTree(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}
	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

func (d *Daemon) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		// Provider plugins and lock files live here; they are not code.
		if entry.Name() == ".terraform" {
			return filepath.SkipDir
		}
		return d.watcher.Add(path)
	})
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(codeChangeDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ignoreCodeEvent(event) {
				continue
			}
			d.logger.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("code_changed")
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.addTree(event.Name); err != nil {
						d.logger.Warn().Err(err).Str("dir", event.Name).Msg("watch_add_failed")
					}
				}
			}
			timer.Reset(codeChangeDebounce)
		case <-timer.C:
			d.engine.ResetInitialized()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

// ignoreCodeEvent filters out what init itself writes next to the code.
func ignoreCodeEvent(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return true
	}
	base := filepath.Base(event.Name)
	if base == ".terraform.lock.hcl" || base == ".terraform" {
		return true
	}
	return strings.Contains(event.Name, string(filepath.Separator)+".terraform"+string(filepath.Separator))
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("graceful_shutdown")
		go func() {
			select {
			case <-sigCh:
				d.logger.Warn().Msg("second signal, forcing exit")
				d.forceExit.Store(true)
				os.Exit(1)
			case <-d.stopped:
			}
		}()
	case <-d.ctx.Done():
	}
	d.Shutdown()
}

// Shutdown stops the socket and the loops, drains running actions within the
// configured timeout, then releases storage and the daemon lock. It is safe
// to call more than once; later calls wait for the first to finish.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.logger.Info().Msg("shutdown_started")

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		d.cancel()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()
		// The engine goes first so HTTP requests waiting on an action return
		// before the server waits for them.
		if d.engine != nil {
			if err := d.engine.Close(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("shutdown timeout, some actions may be incomplete")
			}
			d.engine.Bus().Close()
		}
		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("http_shutdown")
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn().Msg("goroutines still running at shutdown")
		}

		d.cleanup()
		d.logger.Info().Msg("daemon_stopped")
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
	})
	<-d.stopped
}

func (d *Daemon) cleanup() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("journal_close")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("storage_close")
		}
	}
	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracing(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn().Err(err).Msg("tracing_shutdown")
		}
		cancel()
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn().Err(err).Msg("unlock")
	}
}
