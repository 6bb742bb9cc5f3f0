package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tofud/internal/model"
)

func TestRun_CreatesStateDir(t *testing.T) {
	projectDir := t.TempDir()

	base, err := Run(projectDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, model.StateDirName), base)

	for _, d := range []string{"logs", "data", "workdirs"} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}

	cfg, err := model.LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(projectDir, "opentofu/services"), cfg.Tofu.CodeDir)
	assert.Equal(t, 10, cfg.Reconcile.IntervalSec)
}

func TestRun_ScaffoldsCodeWithoutOverwriting(t *testing.T) {
	projectDir := t.TempDir()
	custom := filepath.Join(projectDir, "opentofu", "services", "main.tf")
	require.NoError(t, os.MkdirAll(filepath.Dir(custom), 0755))
	require.NoError(t, os.WriteFile(custom, []byte("# mine\n"), 0644))

	_, err := Run(projectDir, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data))

	_, err = os.Stat(filepath.Join(projectDir, "opentofu", "networks", "docker", "main.tf"))
	assert.NoError(t, err)
}

func TestRun_Options(t *testing.T) {
	projectDir := t.TempDir()
	base, err := Run(projectDir, Options{Storage: "gcs", Bucket: "tofud-blobs", SkipCode: true})
	require.NoError(t, err)

	cfg, err := model.LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "gcs", cfg.Storage.Backend)
	assert.Equal(t, "tofud-blobs", cfg.Storage.Bucket)
	_, err = os.Stat(filepath.Join(projectDir, "opentofu"))
	assert.True(t, os.IsNotExist(err))

	_, err = Run(t.TempDir(), Options{Storage: "gcs"})
	assert.Error(t, err)
}

func TestRun_RefusesExisting(t *testing.T) {
	projectDir := t.TempDir()
	_, err := Run(projectDir, Options{SkipCode: true})
	require.NoError(t, err)
	_, err = Run(projectDir, Options{SkipCode: true})
	assert.ErrorContains(t, err, "already exists")
}
