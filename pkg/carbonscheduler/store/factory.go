package store

import (
	"context"
	"fmt"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
)

// New builds the configured bucket backend.
func New(ctx context.Context, cfg config.StoreConfig) (Interface, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, cfg)
	case "fs":
		return NewFS(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
