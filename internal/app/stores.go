package app

import (
	"context"
	"fmt"
	"log/slog"

	"taskmesh/internal/blob"
	"taskmesh/internal/config"
	"taskmesh/internal/state"
	"taskmesh/internal/state/memory"
	"taskmesh/internal/state/postgres"
)

type storeSet struct {
	state   state.Store
	blobs   blob.Store
	closers []func()
}

// initStores picks the backing stores from configuration: Postgres and S3
// when configured, in-memory otherwise.
func initStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storeSet, error) {
	set := &storeSet{}

	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres state store: %w", err)
		}
		set.state = pg
		set.closers = append(set.closers, pg.Close)
		log.Info("state store ready", "backend", "postgres")
	} else {
		set.state = memory.New()
		log.Warn("state store ready", "backend", "memory", "note", "state is lost on restart")
	}

	switch {
	case cfg.Blob.Dir != "":
		fsStore, err := blob.NewFileStore(cfg.Blob.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		set.blobs = fsStore
		log.Info("blob store ready", "backend", "fs", "dir", cfg.Blob.Dir)
	case cfg.Blob.Enabled:
		s3, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		set.blobs = s3
		log.Info("blob store ready", "backend", "s3", "bucket", cfg.Blob.Bucket)
	default:
		set.blobs = blob.NewMemoryStore()
		log.Warn("blob store ready", "backend", "memory")
	}

	return set, nil
}
