package milvus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	mentity "github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// BackendName 后端名称
const BackendName = "milvus"

// Repository 每个索引对应一个集合
// 检索结果返回原始向量，分数在本地按统一规则重新计算
type Repository struct {
	client *Client

	descMu sync.RWMutex
	descs  map[string]*entity.IndexDescriptor

	lastUpdated sync.Map
	now         func() time.Time
}

// NewRepository 创建向量仓储
func NewRepository(client *Client) *Repository {
	return &Repository{
		client: client,
		descs:  make(map[string]*entity.IndexDescriptor),
		now:    time.Now,
	}
}

// Backend 后端名称
func (r *Repository) Backend() string { return BackendName }

// CreateIndex 创建集合与 HNSW 索引并加载
func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex",
		trace.WithAttributes(attribute.String("index", spec.Name)))
	defer span.End()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	exists, err := r.client.HasCollection(ctx, spec.Name)
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, spec.Name)
	}
	if exists {
		return nil, apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
	}

	desc := entity.NewIndexDescriptor(spec, r.now().UTC())
	collName := r.client.CollectionName(spec.Name)
	schema, err := IndexSchema(collName, desc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to build collection schema")
	}

	err = r.client.milvus.CreateCollection(ctx, schema, mentity.DefaultShardNumber,
		client.WithConsistencyLevel(mentity.ClStrong))
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, spec.Name)
	}

	idx, err := mentity.NewIndexHNSW(MetricType(desc.Metric),
		r.client.config.HNSWM, r.client.config.HNSWEfConstruction)
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidParam, "invalid hnsw parameters")
	}
	if err := r.client.milvus.CreateIndex(ctx, collName, FieldVector, idx, false); err != nil {
		span.RecordError(err)
		return nil, mapError(err, spec.Name)
	}
	if err := r.client.EnsureLoaded(ctx, spec.Name); err != nil {
		span.RecordError(err)
		return nil, mapError(err, spec.Name)
	}

	r.cacheDescriptor(desc)
	return desc.Clone(), nil
}

// DeleteIndex 删除集合
func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "milvus.DeleteIndex",
		trace.WithAttributes(attribute.String("index", name)))
	defer span.End()

	exists, err := r.client.HasCollection(ctx, name)
	if err != nil {
		span.RecordError(err)
		return mapError(err, name)
	}
	if !exists {
		r.forgetDescriptor(name)
		r.client.Forget(name)
		return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
	}
	if err := r.client.milvus.DropCollection(ctx, r.client.CollectionName(name)); err != nil {
		span.RecordError(err)
		return mapError(err, name)
	}
	r.forgetDescriptor(name)
	r.client.Forget(name)
	r.lastUpdated.Delete(name)
	return nil
}

// DescribeIndex 读取集合描述中的索引描述
func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	desc, err := r.descriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	return desc.Clone(), nil
}

// ListIndexes 列出本前缀下的集合
func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "milvus.ListIndexes")
	defer span.End()

	colls, err := r.client.milvus.ListCollections(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, "*")
	}
	out := []*entity.IndexDescriptor{}
	for _, coll := range colls {
		name, ok := r.client.IndexName(coll.Name)
		if !ok {
			continue
		}
		desc, err := r.descriptor(ctx, name)
		if err != nil {
			// 非本服务创建的集合没有可解析的描述
			logger.Debug(ctx, "skip milvus collection", "collection", coll.Name, "error", err.Error())
			continue
		}
		out = append(out, desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Upsert 写入单条记录
func (r *Repository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	res, err := r.UpsertBatch(ctx, index, []*entity.VectorRecord{record})
	if err != nil {
		return err
	}
	return res.Items[0].Err
}

// UpsertBatch 本地校验后一次性 upsert，保留已有记录的 CreatedAt
func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "milvus.UpsertBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(records))))
	defer span.End()

	desc, err := r.descriptor(ctx, index)
	if err != nil {
		return nil, err
	}

	result := repository.NewBatchResult(len(records))
	// 同一批次内重复的 ID 以最后一条为准
	latest := make(map[string]int, len(records))
	for i, rec := range records {
		if rec != nil {
			result.Items[i].ID = rec.ID
		}
		if err := rec.Validate(desc); err != nil {
			result.Items[i].Err = err
			continue
		}
		latest[rec.ID] = i
	}
	if len(latest) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	existing, err := r.fetch(ctx, index, ids, []string{FieldID, FieldCreatedAt})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := r.now().UTC()
	idCol := make([]string, 0, len(ids))
	vectors := make([][]float32, 0, len(ids))
	metadata := make([][]byte, 0, len(ids))
	created := make([]int64, 0, len(ids))
	updated := make([]int64, 0, len(ids))
	for _, id := range ids {
		rec := records[latest[id]].Clone()
		rec.Touch(existing[id], now)
		md := rec.Metadata
		if md == nil {
			md = entity.Metadata{}
		}
		raw, err := json.Marshal(md)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to encode metadata")
		}
		idCol = append(idCol, rec.ID)
		vectors = append(vectors, rec.Vector)
		metadata = append(metadata, raw)
		created = append(created, rec.CreatedAt.UnixMilli())
		updated = append(updated, rec.UpdatedAt.UnixMilli())
	}

	_, err = r.client.milvus.Upsert(ctx, r.client.CollectionName(index), "",
		mentity.NewColumnVarChar(FieldID, idCol),
		mentity.NewColumnFloatVector(FieldVector, desc.Dimension, vectors),
		mentity.NewColumnJSONBytes(FieldMetadata, metadata),
		mentity.NewColumnInt64(FieldCreatedAt, created),
		mentity.NewColumnInt64(FieldUpdatedAt, updated),
	)
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	r.lastUpdated.Store(index, now)
	return result, nil
}

// Get 按主键读取
func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	ctx, span := tracer.Start(ctx, "milvus.Get",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	if _, err := r.descriptor(ctx, index); err != nil {
		return nil, err
	}
	recs, err := r.fetch(ctx, index, []string{id}, outputFields)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
	}
	return rec, nil
}

// Delete 删除单条记录
func (r *Repository) Delete(ctx context.Context, index, id string) error {
	res, err := r.DeleteBatch(ctx, index, []string{id})
	if err != nil {
		return err
	}
	return res.Items[0].Err
}

// DeleteBatch 先确认存在性，不存在的条目返回 RecordNotFound
func (r *Repository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "milvus.DeleteBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(ids))))
	defer span.End()

	if _, err := r.descriptor(ctx, index); err != nil {
		return nil, err
	}
	result := repository.NewBatchResult(len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	existing, err := r.fetch(ctx, index, ids, []string{FieldID})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var present []string
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		result.Items[i].ID = id
		if _, ok := existing[id]; !ok {
			result.Items[i].Err = apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
			continue
		}
		if !seen[id] {
			seen[id] = true
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return result, nil
	}
	if err := r.client.milvus.Delete(ctx, r.client.CollectionName(index), "", idsExpr(present)); err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	r.lastUpdated.Store(index, r.now())
	return result, nil
}

// Search ANN 检索后在本地复核过滤条件并统一计分
func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "milvus.Search",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("top_k", req.TopK)))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	desc, err := r.descriptor(ctx, index)
	if err != nil {
		return nil, err
	}

	query := req.QueryVector
	if req.QueryID != "" {
		target, err := r.Get(ctx, index, req.QueryID)
		if err != nil {
			return nil, err
		}
		query = target.Vector
	}
	if len(query) != desc.Dimension {
		return nil, apperrors.Newf(apperrors.CodeDimensionMismatch,
			"query has dimension %d, index %q expects %d", len(query), index, desc.Dimension)
	}

	expr, exact := Expr(req.Filter)
	limit := service.FetchLimit(req.TopK, exact)
	ef := r.client.config.SearchEf
	if ef < limit {
		ef = limit
	}
	sp, err := mentity.NewIndexHNSWSearchParam(ef)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidParam, "invalid search parameters")
	}

	if err := r.client.EnsureLoaded(ctx, index); err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	results, err := r.client.milvus.Search(ctx,
		r.client.CollectionName(index),
		nil,
		expr,
		outputFields,
		[]mentity.Vector{mentity.FloatVector(query)},
		FieldVector,
		MetricType(desc.Metric),
		limit,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}

	ranker := service.NewRanker(desc.Metric, query, req)
	for _, res := range results {
		recs, err := decodeRecords(res.Fields)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to decode milvus result")
		}
		for _, rec := range recs {
			if err := ranker.Offer(rec); err != nil {
				return nil, err
			}
		}
	}
	out := ranker.Result()
	span.SetAttributes(attribute.Int("result_count", len(out.Matches)))
	return out, nil
}

// Stats 统计记录数
func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	ctx, span := tracer.Start(ctx, "milvus.Stats",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	desc, err := r.descriptor(ctx, index)
	if err != nil {
		return nil, err
	}
	if err := r.client.EnsureLoaded(ctx, index); err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	rs, err := r.client.milvus.Query(ctx, r.client.CollectionName(index), nil, "", []string{"count(*)"})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	var count int64
	if col, ok := rs.GetColumn("count(*)").(*mentity.ColumnInt64); ok && len(col.Data()) > 0 {
		count = col.Data()[0]
	}
	stats := &entity.IndexStats{
		Name:        desc.Name,
		Count:       count,
		Dimension:   desc.Dimension,
		Metric:      desc.Metric,
		ApproxBytes: count * int64(4*desc.Dimension+64),
		LastUpdated: desc.CreatedAt,
	}
	if t, ok := r.lastUpdated.Load(index); ok && t.(time.Time).After(stats.LastUpdated) {
		stats.LastUpdated = t.(time.Time)
	}
	return stats, nil
}

// HealthCheck 健康检查
func (r *Repository) HealthCheck(ctx context.Context) entity.HealthStatus {
	if err := r.client.HealthCheck(ctx); err != nil {
		logger.Warn(ctx, "milvus health check failed", "error", err.Error())
		return entity.HealthUnavailable
	}
	return entity.HealthHealthy
}

// Close 关闭连接
func (r *Repository) Close() error {
	return r.client.Close()
}

// descriptor 优先读取本地缓存的描述；维度与度量不可变，缓存不会过期
func (r *Repository) descriptor(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	r.descMu.RLock()
	desc, ok := r.descs[name]
	r.descMu.RUnlock()
	if ok {
		return desc, nil
	}

	exists, err := r.client.HasCollection(ctx, name)
	if err != nil {
		return nil, mapError(err, name)
	}
	if !exists {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
	}
	coll, err := r.client.milvus.DescribeCollection(ctx, r.client.CollectionName(name))
	if err != nil {
		return nil, mapError(err, name)
	}
	desc, err = DescriptorFromSchema(coll.Schema)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "collection has no index descriptor")
	}
	r.cacheDescriptor(desc)
	return desc, nil
}

func (r *Repository) cacheDescriptor(desc *entity.IndexDescriptor) {
	r.descMu.Lock()
	r.descs[desc.Name] = desc.Clone()
	r.descMu.Unlock()
}

func (r *Repository) forgetDescriptor(name string) {
	r.descMu.Lock()
	delete(r.descs, name)
	r.descMu.Unlock()
}

// fetch 按主键批量读取，返回 id 到记录的映射
func (r *Repository) fetch(ctx context.Context, index string, ids []string, fields []string) (map[string]*entity.VectorRecord, error) {
	if err := r.client.EnsureLoaded(ctx, index); err != nil {
		return nil, mapError(err, index)
	}
	rs, err := r.client.milvus.Query(ctx, r.client.CollectionName(index), nil, idsExpr(ids), fields)
	if err != nil {
		if r.isDropped(ctx, index) {
			return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
		}
		return nil, mapError(err, index)
	}
	recs, err := decodeRecords(rs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to decode milvus result")
	}
	out := make(map[string]*entity.VectorRecord, len(recs))
	for _, rec := range recs {
		out[rec.ID] = rec
	}
	return out, nil
}

// isDropped 集合已被其他实例删除时清理本地描述
func (r *Repository) isDropped(ctx context.Context, index string) bool {
	exists, err := r.client.HasCollection(ctx, index)
	if err != nil || exists {
		return false
	}
	r.forgetDescriptor(index)
	return true
}

// decodeRecords 将列式结果转换为记录
func decodeRecords(rs client.ResultSet) ([]*entity.VectorRecord, error) {
	idCol, ok := rs.GetColumn(FieldID).(*mentity.ColumnVarChar)
	if !ok {
		return nil, nil
	}
	ids := idCol.Data()
	vecCol, _ := rs.GetColumn(FieldVector).(*mentity.ColumnFloatVector)
	mdCol, _ := rs.GetColumn(FieldMetadata).(*mentity.ColumnJSONBytes)
	createdCol, _ := rs.GetColumn(FieldCreatedAt).(*mentity.ColumnInt64)
	updatedCol, _ := rs.GetColumn(FieldUpdatedAt).(*mentity.ColumnInt64)

	out := make([]*entity.VectorRecord, 0, len(ids))
	for i, id := range ids {
		rec := &entity.VectorRecord{ID: id}
		if vecCol != nil && i < len(vecCol.Data()) {
			rec.Vector = vecCol.Data()[i]
		}
		if mdCol != nil && i < len(mdCol.Data()) && len(mdCol.Data()[i]) > 0 {
			var md entity.Metadata
			if err := json.Unmarshal(mdCol.Data()[i], &md); err != nil {
				return nil, err
			}
			rec.Metadata = md
		}
		if createdCol != nil && i < len(createdCol.Data()) {
			rec.CreatedAt = time.UnixMilli(createdCol.Data()[i]).UTC()
		}
		if updatedCol != nil && i < len(updatedCol.Data()) {
			rec.UpdatedAt = time.UnixMilli(updatedCol.Data()[i]).UTC()
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ repository.VectorRepository = (*Repository)(nil)
