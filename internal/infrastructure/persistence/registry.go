// Package persistence 按配置选择向量存储后端
package persistence

import (
	"context"
	"fmt"

	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/persistence/badger"
	"theodore-ai-api/internal/infrastructure/persistence/memory"
	"theodore-ai-api/internal/infrastructure/persistence/milvus"
	"theodore-ai-api/internal/infrastructure/persistence/postgres"
	"theodore-ai-api/internal/infrastructure/persistence/qdrant"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// OpenVectorRepository 创建配置指定的后端；返回的仓储拥有底层连接
func OpenVectorRepository(ctx context.Context, cfg *config.VectorConfig) (repository.VectorRepository, error) {
	var (
		repo repository.VectorRepository
		err  error
	)

	switch cfg.Backend {
	case config.BackendMemory, "":
		repo = memory.NewRepository(cfg.BatchConcurrency)
	case config.BackendBadger:
		repo, err = badger.Open(badger.OptionsFromConfig(cfg))
	case config.BackendMilvus:
		repo, err = openMilvus(ctx, cfg)
	case config.BackendQdrant:
		repo, err = openQdrant(ctx, cfg)
	case config.BackendPostgres:
		repo, err = openPostgres(ctx, cfg)
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidParam, "unknown vector backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	logger.Info(ctx, "vector backend opened", "backend", cfg.Backend)
	return repo, nil
}

func openMilvus(ctx context.Context, cfg *config.VectorConfig) (repository.VectorRepository, error) {
	client, err := milvus.NewClient(ctx, &cfg.Milvus)
	if err != nil {
		return nil, err
	}
	return milvus.NewRepository(client), nil
}

func openQdrant(ctx context.Context, cfg *config.VectorConfig) (repository.VectorRepository, error) {
	client, err := qdrant.NewClient(&cfg.Qdrant)
	if err != nil {
		return nil, err
	}
	repo, err := qdrant.NewRepository(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return repo, nil
}

func openPostgres(ctx context.Context, cfg *config.VectorConfig) (repository.VectorRepository, error) {
	client, err := postgres.NewClient(&cfg.Postgres)
	if err != nil {
		return nil, err
	}
	repo, err := postgres.NewVectorRepository(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return repo, nil
}
