package resilience

import (
	"context"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
)

// globalIndex 不针对具体索引的调用所用的熔断键
const globalIndex = "*"

// Repository 为任意后端加上重试与熔断
type Repository struct {
	next     repository.VectorRepository
	backend  string
	retrier  *Retrier
	breakers *BreakerSet
}

// NewRepository 包装后端
func NewRepository(next repository.VectorRepository, backend string, cfg Config) *Repository {
	breakers := NewBreakerSet(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
	})
	return &Repository{
		next:     next,
		backend:  backend,
		retrier:  NewRetrier(backend, cfg, breakers),
		breakers: breakers,
	}
}

// Backend 后端名称
func (r *Repository) Backend() string { return r.backend }

// BreakerState 查询熔断器状态
func (r *Repository) BreakerState(index string) State {
	return r.breakers.Get(r.backend, index).State()
}

func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	return Do(ctx, r.retrier, spec.Name, "create_index", func(ctx context.Context) (*entity.IndexDescriptor, error) {
		return r.next.CreateIndex(ctx, spec)
	})
}

func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	_, err := Do(ctx, r.retrier, name, "delete_index", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.DeleteIndex(ctx, name)
	})
	if err == nil {
		r.breakers.Forget(r.backend, name)
	}
	return err
}

func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	return Do(ctx, r.retrier, name, "describe_index", func(ctx context.Context) (*entity.IndexDescriptor, error) {
		return r.next.DescribeIndex(ctx, name)
	})
}

func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	return Do(ctx, r.retrier, globalIndex, "list_indexes", func(ctx context.Context) ([]*entity.IndexDescriptor, error) {
		return r.next.ListIndexes(ctx)
	})
}

func (r *Repository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	_, err := Do(ctx, r.retrier, index, "upsert", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Upsert(ctx, index, record)
	})
	return err
}

// UpsertBatch 只对调用级错误重试；逐条错误原样返回
func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	return Do(ctx, r.retrier, index, "upsert_batch", func(ctx context.Context) (*repository.BatchResult, error) {
		return r.next.UpsertBatch(ctx, index, records)
	})
}

func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	return Do(ctx, r.retrier, index, "get", func(ctx context.Context) (*entity.VectorRecord, error) {
		return r.next.Get(ctx, index, id)
	})
}

func (r *Repository) Delete(ctx context.Context, index, id string) error {
	_, err := Do(ctx, r.retrier, index, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Delete(ctx, index, id)
	})
	return err
}

func (r *Repository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	return Do(ctx, r.retrier, index, "delete_batch", func(ctx context.Context) (*repository.BatchResult, error) {
		return r.next.DeleteBatch(ctx, index, ids)
	})
}

func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return Do(ctx, r.retrier, index, "search", func(ctx context.Context) (*repository.SearchResult, error) {
		return r.next.Search(ctx, index, req)
	})
}

func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	return Do(ctx, r.retrier, index, "stats", func(ctx context.Context) (*entity.IndexStats, error) {
		return r.next.Stats(ctx, index)
	})
}

// HealthCheck 后端健康但存在打开的熔断器时报告 degraded
func (r *Repository) HealthCheck(ctx context.Context) entity.HealthStatus {
	attemptCtx, cancel := r.retrier.attemptContext(ctx)
	defer cancel()
	status := r.next.HealthCheck(attemptCtx)
	if status == entity.HealthHealthy && r.breakers.AnyOpen(r.backend) {
		return entity.HealthDegraded
	}
	return status
}

func (r *Repository) Close() error {
	return r.next.Close()
}

var _ repository.VectorRepository = (*Repository)(nil)
