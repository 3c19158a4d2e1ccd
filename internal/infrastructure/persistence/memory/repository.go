// Package memory 提供进程内向量存储实现，作为各后端的参考语义
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
)

// BackendName 后端名称
const BackendName = "memory"

// indexState 单个索引的数据，读写由自身的锁保护
type indexState struct {
	mu          sync.RWMutex
	desc        *entity.IndexDescriptor
	records     map[string]*entity.VectorRecord
	bytes       int64
	lastUpdated time.Time
	deleted     bool
}

// Repository 内存向量存储
// 顶层锁只保护索引表，记录读写只持有对应索引的锁
type Repository struct {
	mu               sync.RWMutex
	indexes          map[string]*indexState
	batchConcurrency int
	now              func() time.Time
}

// NewRepository 创建内存向量存储
func NewRepository(batchConcurrency int) *Repository {
	if batchConcurrency <= 0 {
		batchConcurrency = service.DefaultBatchConcurrency
	}
	return &Repository{
		indexes:          make(map[string]*indexState),
		batchConcurrency: batchConcurrency,
		now:              time.Now,
	}
}

// Backend 后端名称
func (r *Repository) Backend() string { return BackendName }

func (r *Repository) state(name string) (*indexState, error) {
	r.mu.RLock()
	st, ok := r.indexes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
	}
	return st, nil
}

// CreateIndex 创建索引
func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[spec.Name]; ok {
		return nil, apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
	}
	desc := entity.NewIndexDescriptor(spec, r.now())
	r.indexes[spec.Name] = &indexState{
		desc:        desc,
		records:     make(map[string]*entity.VectorRecord),
		lastUpdated: desc.CreatedAt,
	}
	return desc.Clone(), nil
}

// DeleteIndex 删除索引及其记录
func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	r.mu.Lock()
	st, ok := r.indexes[name]
	if ok {
		delete(r.indexes, name)
	}
	r.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
	}

	// 已持有旧引用的写入在拿到锁后会看到 deleted 标记
	st.mu.Lock()
	st.deleted = true
	st.records = nil
	st.mu.Unlock()
	return nil
}

// DescribeIndex 获取索引描述
func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}
	return st.desc.Clone(), nil
}

// ListIndexes 按名称排序列出索引
func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	r.mu.RLock()
	out := make([]*entity.IndexDescriptor, 0, len(r.indexes))
	for _, st := range r.indexes {
		out = append(out, st.desc.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Upsert 写入或替换记录
func (r *Repository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := r.state(index)
	if err != nil {
		return err
	}
	if err := record.Validate(st.desc); err != nil {
		return err
	}

	stored := record.Clone()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}
	now := r.now()
	existing := st.records[stored.ID]
	stored.Touch(existing, now)
	if existing != nil {
		st.bytes -= entity.ApproxRecordBytes(existing)
	}
	st.records[stored.ID] = stored
	st.bytes += entity.ApproxRecordBytes(stored)
	st.lastUpdated = now
	return nil
}

// UpsertBatch 有限并发批量写入
func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	if _, err := r.state(index); err != nil {
		return nil, err
	}
	result := repository.NewBatchResult(len(records))
	errs := service.RunBatch(ctx, len(records), r.batchConcurrency, func(ctx context.Context, i int) error {
		return r.Upsert(ctx, index, records[i])
	})
	for i, rec := range records {
		if rec != nil {
			result.Items[i].ID = rec.ID
		}
		result.Items[i].Err = errs[i]
	}
	return result, nil
}

// Get 获取记录副本
func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	st, err := r.state(index)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.deleted {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}
	rec, ok := st.records[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
	}
	return rec.Clone(), nil
}

// Delete 删除记录
func (r *Repository) Delete(ctx context.Context, index, id string) error {
	st, err := r.state(index)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}
	rec, ok := st.records[id]
	if !ok {
		return apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
	}
	delete(st.records, id)
	st.bytes -= entity.ApproxRecordBytes(rec)
	st.lastUpdated = r.now()
	return nil
}

// DeleteBatch 批量删除
func (r *Repository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	if _, err := r.state(index); err != nil {
		return nil, err
	}
	result := repository.NewBatchResult(len(ids))
	errs := service.RunBatch(ctx, len(ids), r.batchConcurrency, func(ctx context.Context, i int) error {
		return r.Delete(ctx, index, ids[i])
	})
	for i, id := range ids {
		result.Items[i] = repository.ItemResult{ID: id, Err: errs[i]}
	}
	return result, nil
}

// Search 暴力检索
func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	st, err := r.state(index)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.deleted {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}

	query := req.QueryVector
	if req.QueryID != "" {
		rec, ok := st.records[req.QueryID]
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", req.QueryID, index)
		}
		query = rec.Vector
	}
	if len(query) != st.desc.Dimension {
		return nil, apperrors.Newf(apperrors.CodeDimensionMismatch,
			"query has dimension %d, index %q expects %d", len(query), index, st.desc.Dimension)
	}

	ranker := service.NewRanker(st.desc.Metric, query, req)
	for _, rec := range st.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ranker.Offer(rec); err != nil {
			return nil, err
		}
	}
	return ranker.Result(), nil
}

// Stats 索引统计
func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	st, err := r.state(index)
	if err != nil {
		return nil, err
	}
	return st.stats(index)
}

// stats 在索引锁内生成统计，索引已被删除时返回 IndexNotFound
func (st *indexState) stats(index string) (*entity.IndexStats, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.deleted {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}
	return &entity.IndexStats{
		Name:        st.desc.Name,
		Count:       int64(len(st.records)),
		Dimension:   st.desc.Dimension,
		Metric:      st.desc.Metric,
		ApproxBytes: st.bytes,
		LastUpdated: st.lastUpdated,
	}, nil
}

// HealthCheck 内存实现始终健康
func (r *Repository) HealthCheck(ctx context.Context) entity.HealthStatus {
	return entity.HealthHealthy
}

// Close 释放数据
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = make(map[string]*indexState)
	return nil
}

var _ repository.VectorRepository = (*Repository)(nil)
