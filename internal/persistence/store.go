package persistence

import (
	"context"
	"fmt"

	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/internal/config"
	pkgaws "github.com/d-sense/event-playback/pkg/aws"
)

// NewStore opens the checkpoint store selected by CHECKPOINT_BACKEND
func NewStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointBackendFile:
		store, err := checkpoint.NewFileStore(cfg.CheckpointFile)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CheckpointBackendDynamoDB:
		awsCfg, err := pkgaws.NewSession(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return NewDynamoDBStore(awsCfg, cfg), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}
