// Package setup handles tofud project initialization.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/tofud/internal/fsutil"
	"github.com/msageha/tofud/internal/model"
	"github.com/msageha/tofud/templates"
)

type Options struct {
	// Storage overrides the template's storage backend when set.
	Storage string
	Bucket  string
	// SkipCode leaves the starter tool code out.
	SkipCode bool
}

// Run creates the state directory in projectDir with a default config and,
// unless opts.SkipCode, starter tool code for services and docker networks.
// Existing code files are never overwritten.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, model.StateDirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	for _, d := range []string{"logs", "data", "workdirs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := fsutil.AtomicWriteYAML(filepath.Join(base, model.ConfigFileName), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}

	if !opts.SkipCode {
		if err := copyTree("opentofu", filepath.Join(absDir, "opentofu")); err != nil {
			return "", err
		}
	}
	return base, nil
}

func generateConfig(opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.Storage != "" {
		cfg.Storage.Backend = opts.Storage
	}
	if opts.Bucket != "" {
		cfg.Storage.Bucket = opts.Bucket
	}
	if cfg.Storage.Backend == "gcs" && cfg.Storage.Bucket == "" {
		return nil, errors.New("the gcs storage backend needs a bucket")
	}
	return &cfg, nil
}

func copyTree(root, dst string) error {
	return fs.WalkDir(templates.FS, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := fs.ReadFile(templates.FS, path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		return nil
	})
}
