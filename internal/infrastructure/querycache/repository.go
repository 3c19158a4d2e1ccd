package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/events"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

var tracer = otel.Tracer("querycache")

const (
	// DefaultTTL 默认缓存时长
	DefaultTTL = 30 * time.Second
	// DefaultLoadTimeout 合并加载的默认时限
	DefaultLoadTimeout = 30 * time.Second
)

// EventSink 写入成功后的事件通知
type EventSink interface {
	Publish(evt events.IndexEvent)
	CloseIndex(index string)
}

// Stats 命中统计
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Repository 读穿缓存装饰器
//
// 每个索引维护进程内代数，写操作在返回前递增代数，
// 未命中时记录加载前的代数并写入该代数对应的键，
// 与写操作交错的加载结果只会落在已失效的键上。
type Repository struct {
	next  repository.VectorRepository
	store Store
	ttl   time.Duration
	sink  EventSink

	// loadTimeout 合并加载脱离单个调用方上下文后的时限
	loadTimeout time.Duration

	gens  sync.Map // index -> *atomic.Uint64
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRepository 创建缓存装饰器；sink 可为 nil
func NewRepository(next repository.VectorRepository, store Store, ttl time.Duration, sink EventSink) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{
		next:        next,
		store:       store,
		ttl:         ttl,
		sink:        sink,
		loadTimeout: DefaultLoadTimeout,
	}
}

// SetLoadTimeout 设置合并加载的时限，非正值保持默认
func (r *Repository) SetLoadTimeout(d time.Duration) {
	if d > 0 {
		r.loadTimeout = d
	}
}

// Backend 透传后端名称
func (r *Repository) Backend() string {
	if n, ok := r.next.(repository.Named); ok {
		return n.Backend()
	}
	return "unknown"
}

// CacheStats 命中统计快照
func (r *Repository) CacheStats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

func (r *Repository) counter(index string) *atomic.Uint64 {
	if g, ok := r.gens.Load(index); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := r.gens.LoadOrStore(index, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// generation 当前进程内代数
func (r *Repository) generation(index string) uint64 {
	return r.counter(index).Load()
}

// Invalidate 使索引的全部缓存失效
func (r *Repository) Invalidate(ctx context.Context, index string) {
	r.counter(index).Add(1)
	metrics.QueryCacheInvalidations.WithLabelValues(index).Inc()
	if err := r.store.InvalidateIndex(ctx, index); err != nil {
		logger.Debug(ctx, "query cache store invalidation failed", "index", index, "error", err.Error())
	}
}

// afterWrite 写操作结束后失效缓存；校验类错误说明数据未变化
func (r *Repository) afterWrite(ctx context.Context, index string, err error) {
	if err != nil && apperrors.IsPermanent(err) {
		return
	}
	r.Invalidate(ctx, index)
}

func (r *Repository) publish(evt events.IndexEvent) {
	if r.sink == nil {
		return
	}
	evt.At = time.Now()
	r.sink.Publish(evt)
}

// Search 读穿检索
func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "querycache.Search",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	localGen := r.generation(index)
	cacheable := true
	storeGen, err := r.store.Generation(ctx, index)
	if err != nil {
		cacheable = false
		logger.Debug(ctx, "query cache generation lookup failed", "index", index, "error", err.Error())
	}
	key := cacheKey(index, localGen, storeGen, Fingerprint(index, req))

	if cacheable {
		res, ok, err := r.store.Get(ctx, index, key)
		if err != nil {
			logger.Debug(ctx, "query cache get failed", "index", index, "error", err.Error())
		} else if ok {
			r.hits.Add(1)
			metrics.QueryCacheRequests.WithLabelValues(index, "hit").Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return res, nil
		}
	}

	r.misses.Add(1)
	metrics.QueryCacheRequests.WithLabelValues(index, "miss").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// 合并加载不继承发起者的取消与截止时间，各调用方只受自身上下文约束
	ch := r.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		res, err := r.next.Search(loadCtx, index, req)
		if err != nil {
			return nil, err
		}
		if cacheable && r.generation(index) == localGen {
			if err := r.store.Set(loadCtx, index, key, res, r.ttl); err != nil {
				logger.Debug(loadCtx, "query cache set failed", "index", index, "error", err.Error())
			}
		}
		return res, nil
	})

	var v any
	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return nil, apperrors.Wrap(ctx.Err(), apperrors.CodeDeadlineExceeded, "search on "+index+" deadline exceeded")
	case out := <-ch:
		span.SetAttributes(attribute.Bool("cache.shared", out.Shared))
		if out.Err != nil {
			span.RecordError(out.Err)
			return nil, out.Err
		}
		v = out.Val
	}
	return v.(*repository.SearchResult).Clone(), nil
}

func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	desc, err := r.next.CreateIndex(ctx, spec)
	r.afterWrite(ctx, spec.Name, err)
	return desc, err
}

// DeleteIndex 删除索引后失效缓存并关闭订阅
func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	err := r.next.DeleteIndex(ctx, name)
	r.afterWrite(ctx, name, err)
	if err == nil && r.sink != nil {
		r.publish(events.IndexEvent{Type: events.EventIndexDeleted, Index: name})
		r.sink.CloseIndex(name)
	}
	return err
}

func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	return r.next.DescribeIndex(ctx, name)
}

func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	return r.next.ListIndexes(ctx)
}

func (r *Repository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	err := r.next.Upsert(ctx, index, record)
	r.afterWrite(ctx, index, err)
	if err == nil {
		r.publish(events.IndexEvent{Type: events.EventUpserted, Index: index, IDs: []string{record.ID}})
	}
	return err
}

func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	res, err := r.next.UpsertBatch(ctx, index, records)
	if err != nil || res.Succeeded() > 0 {
		r.afterWrite(ctx, index, err)
	}
	if err == nil && res.Succeeded() > 0 {
		r.publish(events.IndexEvent{Type: events.EventUpserted, Index: index, IDs: res.SucceededIDs()})
	}
	return res, err
}

func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	return r.next.Get(ctx, index, id)
}

func (r *Repository) Delete(ctx context.Context, index, id string) error {
	err := r.next.Delete(ctx, index, id)
	r.afterWrite(ctx, index, err)
	if err == nil {
		r.publish(events.IndexEvent{Type: events.EventDeleted, Index: index, IDs: []string{id}})
	}
	return err
}

func (r *Repository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	res, err := r.next.DeleteBatch(ctx, index, ids)
	if err != nil || res.Succeeded() > 0 {
		r.afterWrite(ctx, index, err)
	}
	if err == nil && res.Succeeded() > 0 {
		r.publish(events.IndexEvent{Type: events.EventDeleted, Index: index, IDs: res.SucceededIDs()})
	}
	return res, err
}

func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	return r.next.Stats(ctx, index)
}

func (r *Repository) HealthCheck(ctx context.Context) entity.HealthStatus {
	return r.next.HealthCheck(ctx)
}

// Close 关闭缓存存储与下游后端
func (r *Repository) Close() error {
	storeErr := r.store.Close()
	if err := r.next.Close(); err != nil {
		return err
	}
	return storeErr
}

var _ repository.VectorRepository = (*Repository)(nil)
