//go:build wireinject
// +build wireinject

// Package wire 提供依赖注入配置
package wire

import (
	"context"

	"github.com/google/wire"

	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/interfaces/http/handler"
	"theodore-ai-api/internal/interfaces/http/router"
)

// InitializeApp 初始化 HTTP 应用（带路由器）
func InitializeApp(ctx context.Context, cfg *config.Config) (*router.Router, func(), error) {
	wire.Build(
		ProvideRedisClientOptional,
		VectorSet,
		SimilaritySet,
		RouterSet,
	)
	return nil, nil, nil
}

// InitializeIngestWorker 初始化摄取进程
func InitializeIngestWorker(ctx context.Context, cfg *config.Config) (*IngestWorker, func(), error) {
	wire.Build(
		ProvideRedisClient,
		VectorSet,
		IngestSet,
		wire.Struct(new(IngestWorker), "*"),
	)
	return nil, nil, nil
}

// VectorSet 向量存储栈提供者集合
var VectorSet = wire.NewSet(
	ProvideEventHub,
	ProvideVectorStack,
	ProvideVectorRepository,
)

// SimilaritySet 打分与查找提供者集合
var SimilaritySet = wire.NewSet(
	ProvideScorer,
	ProvideFinder,
)

// IngestSet 摄取提供者集合
var IngestSet = wire.NewSet(
	ProvideProducer,
	ProvideConsumer,
	ProvideIngestHandler,
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	ProvideQueryCache,
	ProvideRateLimiter,
	ProvideCacheHealth,
	ProvideIngestPublisher,
	ProvideHealthHandler,
	ProvideSearchHandler,
	ProvideEventsHandler,
	handler.NewIndexHandler,
	handler.NewRecordHandler,
	handler.NewCacheHandler,
	wire.Struct(new(router.RouterHandlers), "*"),
	router.NewWithDeps,
)
