package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestResourceKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     ResourceKey
		wantErr bool
	}{
		{"service", ResourceKey{"acme", "svc-1"}, false},
		{"network", NetworkKey("acme", "docker"), false},
		{"empty tenant", ResourceKey{"", "svc"}, true},
		{"traversal resource", ResourceKey{"acme", "../other"}, true},
		{"dotdot tenant", ResourceKey{"..", "svc"}, true},
		{"slash in service", ResourceKey{"acme", "a/b"}, true},
		{"network traversal", ResourceKey{"acme", "network/../x"}, true},
		{"empty provider", ResourceKey{"acme", "network/"}, true},
		{"reserved name", ResourceKey{"acme", "network"}, true},
		{"uuid", ResourceKey{"acme", "3f1c2a4e-8d7b-4c1a-9e2f-0b6d5a4c3e21"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNetworkKey(t *testing.T) {
	k := NetworkKey("acme", "docker")
	assert.True(t, k.IsNetwork())
	assert.Equal(t, "docker", k.Provider())
	assert.Equal(t, "acme/network/docker", k.String())
	assert.False(t, ResourceKey{"acme", "svc"}.IsNetwork())
	assert.Equal(t, "", ResourceKey{"acme", "svc"}.Provider())
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"plan", "apply", "destroy"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, Action(s), a)
	}
	_, err := ParseAction("unknown")
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.True(t, ActionApply.Mutating())
	assert.False(t, ActionPlan.Mutating())
}

func TestRegexClassifier(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"up to date", "No changes. Infrastructure is up-to-date.", true},
		{"matches configuration", "No changes. Your infrastructure matches the configuration.", true},
		{"pending changes", "Plan: 1 to add, 0 to change, 0 to destroy.", false},
		{"bare no changes", "No changes.", true},
		{"case insensitive", "no changes. your infrastructure matches the configuration.", true},
		{"summary wins over later text", "Plan: 0 to add, 2 to change, 0 to destroy.\nNo changes.", false},
		{"unrecognized", "Error: something broke", false},
		{"empty", "", false},
	}
	c := RegexClassifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Applied(tt.output))
		})
	}
}

func TestNewErrorStatusKeepsProcessOutput(t *testing.T) {
	key := ResourceKey{"acme", "svc"}
	perr := &ProcessError{Command: "plan", ExitCode: 1, Output: "Error: boom"}
	s := NewErrorStatus(key, fmt.Errorf("diff: %w", perr), ActionApply)

	assert.True(t, s.Failed())
	assert.False(t, s.Applied)
	assert.Equal(t, ActionApply, s.LastAction)
	assert.Equal(t, "Error: boom", s.Output)
	assert.Contains(t, s.ErrorMessage, "plan exited with code 1")
	assert.Contains(t, s.ErrorStack, "diff: ")
	assert.True(t, errors.Is(perr, ErrProcessExit))
}

func TestProcessErrorMessages(t *testing.T) {
	stalled := &ProcessError{Command: "apply", ExitCode: -1, Cause: ErrProcessStalled}
	assert.ErrorIs(t, stalled, ErrProcessStalled)
	assert.Equal(t, "apply stalled and was terminated", stalled.Error())

	timedOut := &ProcessError{Command: "plan", ExitCode: -1, Cause: ErrProcessTimeout}
	assert.ErrorIs(t, timedOut, ErrProcessTimeout)
	assert.NotErrorIs(t, timedOut, ErrProcessExit)
}

func TestParseServiceConfig(t *testing.T) {
	wrapped := []byte(`{"instance":{"provider":"docker","container_name":"web","image":"nginx","network_name":"network-acme","volume_mounts":[{"host_path":"/a","container_path":"/b"}]}}`)
	cfg, err := ParseServiceConfig(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "docker", cfg.Provider)
	assert.Equal(t, "network-acme", cfg.NetworkName)
	require.Len(t, cfg.VolumeMounts, 1)

	bare := []byte(`{"provider":"docker","network_name":"n"}`)
	cfg, err = ParseServiceConfig(bare)
	require.NoError(t, err)
	assert.Equal(t, "n", cfg.NetworkName)

	_, err = ParseServiceConfig([]byte(`{"instance":{"image":"nginx"}}`))
	assert.ErrorIs(t, err, ErrMissingConfiguration)

	_, err = ParseServiceConfig([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestParseNetworkConfigFor(t *testing.T) {
	cfg, err := ParseNetworkConfigFor([]byte(`{"instance":{"network_name":"network-acme"}}`), "docker")
	require.NoError(t, err)
	assert.Equal(t, "docker", cfg.Provider)

	_, err = ParseNetworkConfigFor([]byte(`{"provider":"aws","network_name":"n"}`), "docker")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = ParseNetworkConfigFor([]byte(`{"provider":"docker"}`), "docker")
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestMarshalVarsRoundTripsThroughParse(t *testing.T) {
	data, err := MarshalVars(NetworkConfig{Provider: "docker", NetworkName: "network-acme"})
	require.NoError(t, err)
	cfg, err := ParseNetworkConfig(data)
	require.NoError(t, err)
	assert.Equal(t, "network-acme", cfg.NetworkName)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("reconcile:\n  interval_sec: 3\n"), &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.Reconcile.IntervalSec)
	assert.Equal(t, 60, cfg.Reconcile.DiffTimeoutSec)
	assert.Equal(t, 20, cfg.Reconcile.DiffStallSec)
	assert.Equal(t, 5, cfg.Reconcile.KillGraceSec)
	assert.Equal(t, "tofu", cfg.Tofu.Binary)
	assert.Equal(t, "us-east-1", cfg.Tofu.Backend.Region)
	assert.Equal(t, "15m0s", cfg.Reconcile.LockTimeout().String())
}

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv("TOFUD_BUCKET", "states")
	t.Setenv("TOFUD_S3_ACCESS_KEY", "ak")
	t.Setenv("TOFU_BIN", "/usr/local/bin/tofu")
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "states", cfg.Tofu.Backend.Bucket)
	assert.Equal(t, "states", cfg.Storage.Bucket)
	assert.Equal(t, "ak", cfg.Tofu.Backend.AccessKey)
	assert.Equal(t, "/usr/local/bin/tofu", cfg.Tofu.Binary)
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, StateDirName)
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, ConfigFileName), []byte(`
storage:
  backend: memory
tofu:
  code_dir: opentofu/services
  network_code_dir: /abs/networks
  working_dir: work
reconcile:
  interval_sec: 7
`), 0644))

	cfg, err := LoadConfig(stateDir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Reconcile.IntervalSec)
	assert.Equal(t, filepath.Join(root, "opentofu/services"), cfg.Tofu.CodeDir)
	assert.Equal(t, "/abs/networks", cfg.Tofu.NetworkCodeDir)
	assert.Equal(t, filepath.Join(stateDir, "tofud.sock"), cfg.Daemon.SocketPath)
	assert.Equal(t, filepath.Join(stateDir, "logs/actions.jsonl"), cfg.Daemon.JournalPath)

	found, err := FindStateDir(filepath.Join(root, "opentofu"))
	require.NoError(t, err)
	assert.Equal(t, stateDir, found)
}

func TestLoadConfig_Invalid(t *testing.T) {
	stateDir := t.TempDir()
	write := func(body string) {
		require.NoError(t, os.WriteFile(filepath.Join(stateDir, ConfigFileName), []byte(body), 0644))
	}

	write("storage:\n  backend: s3\ntofu:\n  code_dir: a\n  network_code_dir: b\n  working_dir: c\n")
	_, err := LoadConfig(stateDir)
	assert.Error(t, err)

	write("storage:\n  backend: gcs\ntofu:\n  code_dir: a\n  network_code_dir: b\n  working_dir: c\n")
	_, err = LoadConfig(stateDir)
	assert.ErrorContains(t, err, "storage.bucket")

	write("storage:\n  backend: memory\n")
	_, err = LoadConfig(stateDir)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(stateDir, "missing"))
	assert.Error(t, err)
}
