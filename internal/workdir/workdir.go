// Package workdir materializes stored resource configuration into local
// scratch directories the tool runs against.
package workdir

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/fsutil"
	"github.com/msageha/tofud/internal/model"
)

// Files under these names belong to the tool and survive re-staging.
var preserved = map[string]bool{
	".terraform":          true,
	".terraform.lock.hcl": true,
}

// Objects never copied locally.
var skipped = map[string]bool{
	blobstore.InfoFile:  true,
	blobstore.StateFile: true,
}

type Synchronizer struct {
	store       blobstore.Store
	baseDir     string
	parallelism int
	logger      zerolog.Logger
}

func New(store blobstore.Store, baseDir string, parallelism int, logger zerolog.Logger) *Synchronizer {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Synchronizer{store: store, baseDir: baseDir, parallelism: parallelism, logger: logger}
}

// Dir returns the local directory for key without touching the filesystem.
func (s *Synchronizer) Dir(key model.ResourceKey) string {
	return filepath.Join(s.baseDir, key.Tenant, filepath.FromSlash(key.Resource))
}

// Prepare downloads the resource's stored objects into Dir(key) and removes
// local files that no longer exist in storage.
func (s *Synchronizer) Prepare(ctx context.Context, key model.ResourceKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	dir := s.Dir(key)
	if !fsutil.Within(s.baseDir, dir) {
		return "", fmt.Errorf("%w: %s escapes working directory", model.ErrInvalidIdentifier, key)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}

	objects, err := s.store.List(ctx, blobstore.ResourcePrefix(key))
	if err != nil {
		return "", fmt.Errorf("list %s: %w", key, err)
	}

	wanted := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, obj := range objects {
		objKey, rel, ok := blobstore.ParseObjectKey(obj)
		if !ok || objKey != key || skipped[rel] {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if !fsutil.Within(dir, target) || target == dir {
			s.logger.Warn().Str("key", key.String()).Str("object", obj).Msg("object_skipped_unsafe_path")
			continue
		}
		wanted[target] = true
		g.Go(func() error {
			data, err := s.store.Get(gctx, obj)
			if err != nil {
				return fmt.Errorf("download %s: %w", obj, err)
			}
			return fsutil.AtomicWrite(target, data, 0644)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := prune(dir, wanted); err != nil {
		return "", fmt.Errorf("prune %s: %w", dir, err)
	}
	s.logger.Debug().Str("key", key.String()).Int("files", len(wanted)).Msg("workdir_prepared")
	return dir, nil
}

func prune(dir string, wanted map[string]bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if preserved[d.Name()] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || wanted[path] || strings.HasPrefix(d.Name(), ".tofud-tmp-") {
			return nil
		}
		return os.Remove(path)
	})
}

// Cleanup removes the local directory for key.
func (s *Synchronizer) Cleanup(key model.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return os.RemoveAll(s.Dir(key))
}

// CleanupTenant removes every local directory of tenant.
func (s *Synchronizer) CleanupTenant(tenant string) error {
	if err := model.ValidateIdent(tenant); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.baseDir, tenant))
}
