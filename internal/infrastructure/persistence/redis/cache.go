package redis

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/querycache"
	apperrors "theodore-ai-api/pkg/errors"
)

var cacheTracer = otel.Tracer("redis.cache")

// QueryStore 基于 Redis 的查询缓存存储，多个实例共享
//
// 键布局:
//
//	<prefix>:qc:gen:<index>         索引代数（INCR 失效）
//	<prefix>:qc:<index>:<gen>:<key> 检索结果 JSON
//
// 失效只递增代数，旧代数的条目依赖 TTL 回收
type QueryStore struct {
	client *Client
}

// NewQueryStore 创建查询缓存存储
func NewQueryStore(client *Client) *QueryStore {
	return &QueryStore{client: client}
}

func (s *QueryStore) genKey(index string) string {
	return s.client.Key("qc", "gen", index)
}

func (s *QueryStore) entryKey(index, key string) string {
	return s.client.Key("qc", index, key)
}

// Generation 读取索引代数，不存在时为 0
func (s *QueryStore) Generation(ctx context.Context, index string) (uint64, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.Generation",
		trace.WithAttributes(attribute.String("cache.index", index)))
	defer span.End()

	gen, err := s.client.rdb.Get(ctx, s.genKey(index)).Uint64()
	if err != nil {
		if IsNil(err) {
			return 0, nil
		}
		span.RecordError(err)
		return 0, apperrors.Wrap(err, apperrors.CodeCacheError, "failed to read cache generation")
	}
	return gen, nil
}

// Get 获取缓存值
func (s *QueryStore) Get(ctx context.Context, index, key string) (*repository.SearchResult, bool, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.Get",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	val, err := s.client.rdb.Get(ctx, s.entryKey(index, key)).Bytes()
	if err != nil {
		if IsNil(err) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, apperrors.Wrap(err, apperrors.CodeCacheError, "failed to read cache entry")
	}

	var result repository.SearchResult
	if err := json.Unmarshal(val, &result); err != nil {
		// 损坏的条目按未命中处理并清理
		span.RecordError(err)
		_ = s.client.rdb.Del(ctx, s.entryKey(index, key)).Err()
		return nil, false, nil
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &result, true, nil
}

// Set 设置缓存值
func (s *QueryStore) Set(ctx context.Context, index, key string, value *repository.SearchResult, ttl time.Duration) error {
	ctx, span := cacheTracer.Start(ctx, "cache.Set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.ttl_ms", ttl.Milliseconds()),
		))
	defer span.End()

	bytes, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		return apperrors.Wrap(err, apperrors.CodeCacheError, "failed to marshal cache entry")
	}

	if err := s.client.rdb.Set(ctx, s.entryKey(index, key), bytes, ttl).Err(); err != nil {
		span.RecordError(err)
		return apperrors.Wrap(err, apperrors.CodeCacheError, "failed to write cache entry")
	}
	return nil
}

// InvalidateIndex 递增索引代数
func (s *QueryStore) InvalidateIndex(ctx context.Context, index string) error {
	ctx, span := cacheTracer.Start(ctx, "cache.InvalidateIndex",
		trace.WithAttributes(attribute.String("cache.index", index)))
	defer span.End()

	if err := s.client.rdb.Incr(ctx, s.genKey(index)).Err(); err != nil {
		span.RecordError(err)
		return apperrors.Wrap(err, apperrors.CodeCacheError, "failed to invalidate cache")
	}
	return nil
}

// Close 连接由 Client 管理
func (s *QueryStore) Close() error {
	return nil
}

var _ querycache.Store = (*QueryStore)(nil)
