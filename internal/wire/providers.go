package wire

import (
	"context"
	"fmt"
	"os"

	"theodore-ai-api/internal/application/ingest"
	"theodore-ai-api/internal/application/scoring"
	"theodore-ai-api/internal/application/similarity"
	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/events"
	"theodore-ai-api/internal/infrastructure/messaging"
	"theodore-ai-api/internal/infrastructure/persistence"
	"theodore-ai-api/internal/infrastructure/persistence/redis"
	"theodore-ai-api/internal/infrastructure/querycache"
	"theodore-ai-api/internal/infrastructure/resilience"
	"theodore-ai-api/internal/interfaces/http/handler"
	"theodore-ai-api/internal/interfaces/http/middleware"
	"theodore-ai-api/pkg/logger"
)

// VectorStack 装配完成的向量存储栈
type VectorStack struct {
	// Repository 最外层实现，所有调用方共用
	Repository repository.VectorRepository
	// Cache 查询缓存装饰器，未启用时为 nil
	Cache *querycache.Repository
	// Resilience 重试与熔断装饰器
	Resilience *resilience.Repository
}

// IngestWorker 摄取进程依赖容器
type IngestWorker struct {
	Consumer *messaging.Consumer
	Handler  *ingest.Handler
	Stack    *VectorStack
}

// ProvideRedisClient 提供 Redis 客户端
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideRedisClientOptional 仅在共享缓存或限流需要时连接 Redis
func ProvideRedisClientOptional(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	needed := (cfg.Cache.Enabled && cfg.Cache.Store == config.CacheStoreRedis) || cfg.Security.RateLimit.Enabled
	if !needed {
		logger.Info(ctx, "redis not required, running without shared cache and rate limiting")
		return nil, func() {}, nil
	}
	return ProvideRedisClient(cfg)
}

// ProvideEventHub 提供索引事件中心，关闭时结束所有订阅
func ProvideEventHub() (*events.Hub, func()) {
	hub := events.NewHub(nil)
	return hub, hub.Close
}

// ProvideQueryStore 提供查询缓存存储
func ProvideQueryStore(cfg *config.Config, client *redis.Client) (querycache.Store, error) {
	switch cfg.Cache.Store {
	case config.CacheStoreRedis:
		if client == nil {
			return nil, fmt.Errorf("cache store %q requires a redis client", cfg.Cache.Store)
		}
		return redis.NewQueryStore(client), nil
	default:
		return querycache.NewLocalStore(cfg.Cache.JanitorInterval), nil
	}
}

// ProvideVectorStack 按配置装配 后端 -> 重试熔断 -> 查询缓存
func ProvideVectorStack(ctx context.Context, cfg *config.Config, client *redis.Client, hub *events.Hub) (*VectorStack, func(), error) {
	base, err := persistence.OpenVectorRepository(ctx, &cfg.Vector)
	if err != nil {
		return nil, nil, err
	}

	backend := cfg.Vector.Backend
	if n, ok := base.(repository.Named); ok {
		backend = n.Backend()
	}
	res := resilience.NewRepository(base, backend, resilience.ConfigFrom(&cfg.Resilience))
	stack := &VectorStack{
		Repository: res,
		Resilience: res,
	}

	if cfg.Cache.Enabled {
		store, err := ProvideQueryStore(cfg, client)
		if err != nil {
			_ = res.Close()
			return nil, nil, err
		}
		stack.Cache = querycache.NewRepository(res, store, cfg.Cache.TTL, hub)
		stack.Cache.SetLoadTimeout(cfg.Cache.LoadTimeout)
		stack.Repository = stack.Cache
	}

	top := stack.Repository
	hub.SetChecker(func(ctx context.Context, index string) error {
		_, err := top.DescribeIndex(ctx, index)
		return err
	})

	cleanup := func() {
		if err := top.Close(); err != nil {
			logger.Error(context.Background(), "failed to close vector repository", err)
		}
	}
	return stack, cleanup, nil
}

// ProvideVectorRepository 提供最外层向量仓储
func ProvideVectorRepository(stack *VectorStack) repository.VectorRepository {
	return stack.Repository
}

// ProvideQueryCache 提供查询缓存装饰器，未启用时为 nil
func ProvideQueryCache(stack *VectorStack) *querycache.Repository {
	return stack.Cache
}

// ProvideScorer 提供属性打分器
func ProvideScorer(cfg *config.Config) (*scoring.Scorer, error) {
	s := cfg.Scoring
	return scoring.NewScorer(scoring.Config{
		Weights: scoring.Weights{
			scoring.DimStage:         s.Weights.CompanyStage,
			scoring.DimTech:          s.Weights.TechSophistication,
			scoring.DimIndustry:      s.Weights.Industry,
			scoring.DimBusinessModel: s.Weights.BusinessModel,
			scoring.DimGeography:     s.Weights.GeographicScope,
		},
		ConfidenceFloor: s.ConfidenceFloor,
		HighThreshold:   s.HighThreshold,
		LowThreshold:    s.LowThreshold,
		MissingStrategy: scoring.MissingStrategy(s.MissingStrategy),
	})
}

// ProvideFinder 提供相似公司查找器
func ProvideFinder(repo repository.VectorRepository, scorer *scoring.Scorer, cfg *config.Config) *similarity.Finder {
	s := cfg.Similarity
	return similarity.NewFinder(repo, scorer, similarity.Config{
		OverFetchFactor:  s.OverFetchFactor,
		VectorWeight:     s.VectorWeight,
		WorkerCap:        s.WorkerCap,
		RequestTimeout:   s.RequestTimeout,
		DefaultTopK:      s.DefaultTopK,
		MaxTopK:          s.MaxTopK,
		BatchConcurrency: cfg.Vector.BatchConcurrency,
	})
}

// ProvideRateLimiter 提供限流器；未连接 Redis 时为 nil
func ProvideRateLimiter(client *redis.Client) middleware.RateLimiter {
	if client == nil {
		return nil
	}
	return redis.NewRateLimiter(client)
}

// ProvideCacheHealth 提供共享缓存健康检查；未连接 Redis 时为 nil
func ProvideCacheHealth(client *redis.Client) handler.HealthChecker {
	if client == nil {
		return nil
	}
	return client
}

// ProvideIngestPublisher 提供异步摄取发布者；未连接 Redis 时为 nil
func ProvideIngestPublisher(client *redis.Client, cfg *config.Config) handler.IngestPublisher {
	if client == nil {
		return nil
	}
	return ProvideProducer(client, cfg)
}

// ProvideProducer 提供消息生产者
func ProvideProducer(client *redis.Client, cfg *config.Config) *messaging.Producer {
	maxLen := cfg.Messaging.RedisStream.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return messaging.NewProducer(client.Redis(), int64(maxLen))
}

// ProvideConsumer 提供摄取消费者
func ProvideConsumer(client *redis.Client, cfg *config.Config) *messaging.Consumer {
	return messaging.NewConsumer(client.Redis(),
		messaging.ConsumerConfigFrom(&cfg.Messaging.RedisStream, hostnameConsumerName()))
}

// ProvideIngestHandler 提供摄取处理器
func ProvideIngestHandler(repo repository.VectorRepository, producer *messaging.Producer) *ingest.Handler {
	return ingest.NewHandler(repo, producer)
}

// ProvideHealthHandler 提供健康检查处理器
func ProvideHealthHandler(repo repository.VectorRepository, cache handler.HealthChecker, cfg *config.Config) *handler.HealthHandler {
	return handler.NewHealthHandler(repo, cache, cfg.App.Version)
}

// ProvideSearchHandler 提供检索处理器
func ProvideSearchHandler(repo repository.VectorRepository, finder *similarity.Finder, cfg *config.Config) *handler.SearchHandler {
	return handler.NewSearchHandler(repo, finder, cfg.Similarity.DefaultTopK)
}

// ProvideEventsHandler 提供事件流处理器
func ProvideEventsHandler(hub *events.Hub) *handler.EventsHandler {
	return handler.NewEventsHandler(hub)
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
