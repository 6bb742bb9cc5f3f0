// Package model defines tofud's resource keys, statuses, tool variable documents
// and daemon configuration.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// StateDirName holds the daemon's config, socket, lock and logs.
	StateDirName   = ".tofud"
	ConfigFileName = "config.yaml"
)

type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Storage   StorageConfig   `yaml:"storage"`
	Tofu      TofuConfig      `yaml:"tofu"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	SocketPath         string `yaml:"socket_path"`
	WatchCode          bool   `yaml:"watch_code"`
	JournalPath        string `yaml:"journal_path"`
	LockFile           string `yaml:"lock_file"`
	// Tenants restricts startup loop re-derivation; empty means all tenants.
	Tenants []string `yaml:"tenants,omitempty"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=gcs badger memory"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	BadgerPath      string `yaml:"badger_path,omitempty"`
}

// TofuConfig describes how the tool is invoked and where its state lives.
type TofuConfig struct {
	Binary         string        `yaml:"binary"`
	CodeDir        string        `yaml:"code_dir" validate:"required"`
	NetworkCodeDir string        `yaml:"network_code_dir" validate:"required"`
	WorkingDir     string        `yaml:"working_dir" validate:"required"`
	MaxParallel    int           `yaml:"max_parallel" validate:"gte=0"`
	Backend        BackendConfig `yaml:"backend"`
}

// BackendConfig is forwarded to `init -backend-config` and as TF_VAR_ values.
type BackendConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type ReconcileConfig struct {
	IntervalSec        int `yaml:"interval_sec" validate:"gte=0"`
	DiffTimeoutSec     int `yaml:"diff_timeout_sec" validate:"gte=0"`
	DiffStallSec       int `yaml:"diff_stall_sec" validate:"gte=0"`
	ActionStallSec     int `yaml:"action_stall_sec" validate:"gte=0"`
	ActionKillSec      int `yaml:"action_kill_sec" validate:"gte=0"`
	KillGraceSec       int `yaml:"kill_grace_sec" validate:"gte=0"`
	OutputTimeoutSec   int `yaml:"output_timeout_sec" validate:"gte=0"`
	LockTimeoutMin     int `yaml:"lock_timeout_min" validate:"gte=0"`
	LockMaxHoldMin     int `yaml:"lock_max_hold_min" validate:"gte=0"`
	StartupParallelism int `yaml:"startup_parallelism" validate:"gte=0"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration usable for local development.
func DefaultConfig() Config {
	cfg := Config{
		Daemon:  DaemonConfig{WatchCode: true},
		Storage: StorageConfig{Backend: "badger", BadgerPath: ".tofud/data/blobs"},
		Tofu: TofuConfig{
			CodeDir:        "./opentofu/services",
			NetworkCodeDir: "./opentofu/networks",
			WorkingDir:     "./workdirs",
		},
		HTTP: HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setDefault := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDefault(&c.Daemon.ShutdownTimeoutSec, 30)
	setDefault(&c.Reconcile.IntervalSec, 10)
	setDefault(&c.Reconcile.DiffTimeoutSec, 60)
	setDefault(&c.Reconcile.DiffStallSec, 20)
	setDefault(&c.Reconcile.ActionStallSec, 20)
	setDefault(&c.Reconcile.ActionKillSec, 45)
	setDefault(&c.Reconcile.KillGraceSec, 5)
	setDefault(&c.Reconcile.OutputTimeoutSec, 30)
	setDefault(&c.Reconcile.LockTimeoutMin, 15)
	setDefault(&c.Reconcile.LockMaxHoldMin, 60)
	setDefault(&c.Reconcile.StartupParallelism, 4)
	setDefault(&c.Tofu.MaxParallel, 8)
	if c.Tofu.Binary == "" {
		c.Tofu.Binary = "tofu"
	}
	if c.Tofu.Backend.Region == "" {
		c.Tofu.Backend.Region = "us-east-1"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "badger"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = "tofud.sock"
	}
	if c.Daemon.JournalPath == "" {
		c.Daemon.JournalPath = "logs/actions.jsonl"
	}
	if c.Daemon.LockFile == "" {
		c.Daemon.LockFile = "tofud.lock"
	}
}

// ApplyEnv overrides credentials and bucket settings from the environment.
func (c *Config) ApplyEnv() {
	override := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	override(&c.Tofu.Binary, "TOFU_BIN")
	override(&c.Storage.Bucket, "TOFUD_BUCKET")
	override(&c.Tofu.Backend.Bucket, "TOFUD_BUCKET")
	override(&c.Tofu.Backend.Endpoint, "TOFUD_S3_ENDPOINT")
	override(&c.Tofu.Backend.AccessKey, "TOFUD_S3_ACCESS_KEY")
	override(&c.Tofu.Backend.SecretKey, "TOFUD_S3_SECRET_KEY")
	override(&c.Tofu.Backend.Region, "TOFUD_S3_REGION")
	override(&c.Logging.Level, "TOFUD_LOG_LEVEL")
}

func (r ReconcileConfig) Interval() time.Duration { return seconds(r.IntervalSec) }
func (r ReconcileConfig) LockTimeout() time.Duration {
	return time.Duration(r.LockTimeoutMin) * time.Minute
}

func (r ReconcileConfig) LockMaxHold() time.Duration {
	return time.Duration(r.LockMaxHoldMin) * time.Minute
}

func (r ReconcileConfig) DiffTimeout() time.Duration { return seconds(r.DiffTimeoutSec) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// LoadConfig reads stateDir/config.yaml, fills defaults, applies environment
// overrides, validates, and resolves relative paths.
func LoadConfig(stateDir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, ConfigFileName))
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}
	if cfg.Storage.Backend == "gcs" && cfg.Storage.Bucket == "" {
		return Config{}, fmt.Errorf("invalid %s: storage.bucket is required for the gcs backend", ConfigFileName)
	}
	cfg.Resolve(stateDir)
	return cfg, nil
}

// Resolve makes relative paths absolute. Daemon files are relative to
// stateDir; tool code, working and storage directories to its parent.
func (c *Config) Resolve(stateDir string) {
	root := filepath.Dir(stateDir)
	abs := func(base string, p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(stateDir, &c.Daemon.SocketPath)
	abs(stateDir, &c.Daemon.JournalPath)
	abs(stateDir, &c.Daemon.LockFile)
	abs(root, &c.Storage.BadgerPath)
	abs(root, &c.Storage.CredentialsFile)
	abs(root, &c.Tofu.CodeDir)
	abs(root, &c.Tofu.NetworkCodeDir)
	abs(root, &c.Tofu.WorkingDir)
}

// FindStateDir walks up from start looking for a StateDirName directory.
func FindStateDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found from %s; run `tofud init` first", StateDirName, start)
		}
		dir = parent
	}
}
