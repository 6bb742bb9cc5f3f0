package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/tofud/internal/model"
)

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg model.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "gcs":
		return OpenGCS(ctx, cfg.Bucket, cfg.CredentialsFile)
	case "badger", "":
		return OpenBadger(BadgerConfig{
			Path:       cfg.BadgerPath,
			GCInterval: 5 * time.Minute,
			Logger:     logger,
		})
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
