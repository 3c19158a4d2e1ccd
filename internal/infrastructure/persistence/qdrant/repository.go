package qdrant

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	qd "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// BackendName 后端名称
const BackendName = "qdrant"

const (
	// registryPayload 注册表点中保存索引描述 JSON 的字段
	registryPayload = "descriptor"
	// registryPageSize 列出索引时的分页大小
	registryPageSize = 256
)

// Repository 每个索引对应一个集合，索引描述保存在注册表集合中
type Repository struct {
	client *Client

	descMu sync.RWMutex
	descs  map[string]*entity.IndexDescriptor

	lastUpdated sync.Map
	now         func() time.Time
}

// NewRepository 创建向量仓储，注册表集合不存在时创建
func NewRepository(ctx context.Context, client *Client) (*Repository, error) {
	r := &Repository{
		client: client,
		descs:  make(map[string]*entity.IndexDescriptor),
		now:    time.Now,
	}
	if err := r.ensureRegistry(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Backend 后端名称
func (r *Repository) Backend() string { return BackendName }

func (r *Repository) ensureRegistry(ctx context.Context) error {
	name := r.client.RegistryName()
	exists, err := r.client.qdrant.CollectionExists(ctx, name)
	if err != nil {
		return mapError(err, name)
	}
	if exists {
		return nil
	}
	err = r.client.qdrant.CreateCollection(ctx, &qd.CreateCollection{
		CollectionName: name,
		VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
			Size:     1,
			Distance: qd.Distance_Dot,
		}),
	})
	if err != nil && !apperrors.Is(mapError(err, name), apperrors.ErrIndexAlreadyExists) {
		return mapError(err, name)
	}
	return nil
}

// CreateIndex 创建集合并登记索引描述
func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "qdrant.CreateIndex",
		trace.WithAttributes(attribute.String("index", spec.Name)))
	defer span.End()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.loadDescriptor(ctx, spec.Name); err == nil {
		return nil, apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
	} else if !apperrors.Is(err, apperrors.ErrIndexNotFound) {
		return nil, err
	}

	desc := entity.NewIndexDescriptor(spec, r.now().UTC())
	err := r.client.qdrant.CreateCollection(ctx, &qd.CreateCollection{
		CollectionName: r.client.CollectionName(spec.Name),
		VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
			Size:     uint64(spec.Dimension),
			Distance: distanceOf(spec.Metric),
		}),
	})
	if err != nil {
		span.RecordError(err)
		mapped := mapError(err, spec.Name)
		if apperrors.Is(mapped, apperrors.ErrInvalidParam) {
			// 集合已存在时部分版本返回 InvalidArgument
			if ok, _ := r.client.qdrant.CollectionExists(ctx, r.client.CollectionName(spec.Name)); ok {
				return nil, apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
			}
		}
		return nil, mapped
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to encode index descriptor")
	}
	_, err = r.client.qdrant.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: r.client.RegistryName(),
		Wait:           qd.PtrOf(true),
		Points: []*qd.PointStruct{{
			Id:      PointID(spec.Name),
			Vectors: qd.NewVectors(0),
			Payload: qd.NewValueMap(map[string]any{registryPayload: string(raw)}),
		}},
	})
	if err != nil {
		span.RecordError(err)
		// 登记失败时回滚集合，避免留下无法描述的索引
		if dropErr := r.client.qdrant.DeleteCollection(ctx, r.client.CollectionName(spec.Name)); dropErr != nil {
			logger.Warn(ctx, "failed to roll back qdrant collection", "index", spec.Name, "error", dropErr.Error())
		}
		return nil, mapError(err, spec.Name)
	}

	r.cacheDescriptor(desc)
	return desc.Clone(), nil
}

// DeleteIndex 注销索引并删除集合
func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "qdrant.DeleteIndex",
		trace.WithAttributes(attribute.String("index", name)))
	defer span.End()

	if _, err := r.loadDescriptor(ctx, name); err != nil {
		return err
	}
	r.forgetDescriptor(name)

	_, err := r.client.qdrant.Delete(ctx, &qd.DeletePoints{
		CollectionName: r.client.RegistryName(),
		Wait:           qd.PtrOf(true),
		Points:         qd.NewPointsSelector(PointID(name)),
	})
	if err != nil {
		span.RecordError(err)
		return mapError(err, name)
	}
	if err := r.client.qdrant.DeleteCollection(ctx, r.client.CollectionName(name)); err != nil {
		if mapped := mapError(err, name); !apperrors.Is(mapped, apperrors.ErrIndexNotFound) {
			span.RecordError(err)
			return mapped
		}
	}
	r.lastUpdated.Delete(name)
	return nil
}

// DescribeIndex 读取索引描述
func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	desc, err := r.descriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	return desc.Clone(), nil
}

// ListIndexes 分页扫描注册表
func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "qdrant.ListIndexes")
	defer span.End()

	out := []*entity.IndexDescriptor{}
	var offset *qd.PointId
	for {
		points, next, err := r.client.qdrant.ScrollAndOffset(ctx, &qd.ScrollPoints{
			CollectionName: r.client.RegistryName(),
			Offset:         offset,
			Limit:          qd.PtrOf(uint32(registryPageSize)),
			WithPayload:    qd.NewWithPayload(true),
		})
		if err != nil {
			span.RecordError(err)
			return nil, mapError(err, "*")
		}
		for _, p := range points {
			desc, err := decodeDescriptor(p.GetPayload())
			if err != nil {
				logger.Warn(ctx, "skip malformed qdrant index descriptor", "error", err.Error())
				continue
			}
			out = append(out, desc)
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
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

// UpsertBatch 本地校验后一次性写入，保留已有记录的 CreatedAt
func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "qdrant.UpsertBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(records))))
	defer span.End()

	desc, err := r.descriptor(ctx, index)
	if err != nil {
		return nil, err
	}

	result := repository.NewBatchResult(len(records))
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

	existing, err := r.fetch(ctx, index, ids, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := r.now().UTC()
	keepVector := desc.Metric == entity.MetricCosine
	points := make([]*qd.PointStruct, 0, len(ids))
	for _, id := range ids {
		rec := records[latest[id]].Clone()
		rec.Touch(existing[id], now)
		payload, err := encodePayload(rec, keepVector)
		if err != nil {
			// 非 UTF-8 字符串等无法编码的元数据只影响该条记录
			result.Items[latest[id]].Err = apperrors.Wrap(err, apperrors.CodeInvalidParam, "metadata cannot be stored")
			continue
		}
		points = append(points, &qd.PointStruct{
			Id:      PointID(id),
			Vectors: qd.NewVectors(rec.Vector...),
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return result, nil
	}

	_, err = r.client.qdrant.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: r.client.CollectionName(index),
		Wait:           qd.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapIndexError(err, index)
	}
	r.lastUpdated.Store(index, now)
	return result, nil
}

// Get 按记录 ID 读取
func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Get",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	if _, err := r.descriptor(ctx, index); err != nil {
		return nil, err
	}
	recs, err := r.fetch(ctx, index, []string{id}, true)
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
	ctx, span := tracer.Start(ctx, "qdrant.DeleteBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(ids))))
	defer span.End()

	if _, err := r.descriptor(ctx, index); err != nil {
		return nil, err
	}
	result := repository.NewBatchResult(len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	existing, err := r.fetch(ctx, index, ids, false)
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
	_, err = r.client.qdrant.Delete(ctx, &qd.DeletePoints{
		CollectionName: r.client.CollectionName(index),
		Wait:           qd.PtrOf(true),
		Points:         qd.NewPointsSelector(pointIDs(present)...),
	})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapIndexError(err, index)
	}
	r.lastUpdated.Store(index, r.now())
	return result, nil
}

// Search ANN 检索后在本地复核过滤条件并统一计分
func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Search",
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

	filter, exact := Filter(req.Filter)
	limit := service.FetchLimit(req.TopK, exact)
	points, err := r.client.qdrant.Query(ctx, &qd.QueryPoints{
		CollectionName: r.client.CollectionName(index),
		Query:          qd.NewQuery(query...),
		Filter:         filter,
		Limit:          qd.PtrOf(uint64(limit)),
		WithPayload:    qd.NewWithPayload(true),
		WithVectors:    qd.NewWithVectors(true),
	})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapIndexError(err, index)
	}

	ranker := service.NewRanker(desc.Metric, query, req)
	for _, p := range points {
		rec, err := decodePoint(p.GetPayload(), p.GetVectors())
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to decode qdrant point")
		}
		if err := ranker.Offer(rec); err != nil {
			return nil, err
		}
	}
	out := ranker.Result()
	span.SetAttributes(attribute.Int("result_count", len(out.Matches)))
	return out, nil
}

// Stats 精确计数
func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Stats",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	desc, err := r.descriptor(ctx, index)
	if err != nil {
		return nil, err
	}
	count, err := r.client.qdrant.Count(ctx, &qd.CountPoints{
		CollectionName: r.client.CollectionName(index),
		Exact:          qd.PtrOf(true),
	})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapIndexError(err, index)
	}
	perRecord := int64(4*desc.Dimension + 64)
	if desc.Metric == entity.MetricCosine {
		perRecord += int64(8 * desc.Dimension)
	}
	stats := &entity.IndexStats{
		Name:        desc.Name,
		Count:       int64(count),
		Dimension:   desc.Dimension,
		Metric:      desc.Metric,
		ApproxBytes: int64(count) * perRecord,
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
		logger.Warn(ctx, "qdrant health check failed", "error", err.Error())
		return entity.HealthUnavailable
	}
	return entity.HealthHealthy
}

// Close 关闭连接
func (r *Repository) Close() error {
	return r.client.Close()
}

// descriptor 优先读取本地缓存
func (r *Repository) descriptor(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	r.descMu.RLock()
	desc, ok := r.descs[name]
	r.descMu.RUnlock()
	if ok {
		return desc, nil
	}
	desc, err := r.loadDescriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cacheDescriptor(desc)
	return desc, nil
}

// loadDescriptor 从注册表读取，不经过缓存
func (r *Repository) loadDescriptor(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	if err := entity.ValidateIndexName(name); err != nil {
		return nil, err
	}
	points, err := r.client.qdrant.Get(ctx, &qd.GetPoints{
		CollectionName: r.client.RegistryName(),
		Ids:            []*qd.PointId{PointID(name)},
		WithPayload:    qd.NewWithPayload(true),
	})
	if err != nil {
		return nil, mapError(err, name)
	}
	if len(points) == 0 {
		return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
	}
	desc, err := decodeDescriptor(points[0].GetPayload())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "malformed index descriptor")
	}
	return desc, nil
}

func decodeDescriptor(payload map[string]*qd.Value) (*entity.IndexDescriptor, error) {
	var desc entity.IndexDescriptor
	if err := json.Unmarshal([]byte(payload[registryPayload].GetStringValue()), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
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

// mapIndexError 集合已被其他实例删除时清理本地描述
func (r *Repository) mapIndexError(err error, index string) error {
	mapped := mapError(err, index)
	if apperrors.Is(mapped, apperrors.ErrIndexNotFound) {
		r.forgetDescriptor(index)
	}
	return mapped
}

// fetch 按记录 ID 批量读取
func (r *Repository) fetch(ctx context.Context, index string, ids []string, withVectors bool) (map[string]*entity.VectorRecord, error) {
	points, err := r.client.qdrant.Get(ctx, &qd.GetPoints{
		CollectionName: r.client.CollectionName(index),
		Ids:            pointIDs(ids),
		WithPayload:    qd.NewWithPayload(true),
		WithVectors:    qd.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, r.mapIndexError(err, index)
	}
	out := make(map[string]*entity.VectorRecord, len(points))
	for _, p := range points {
		rec, err := decodePoint(p.GetPayload(), p.GetVectors())
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeVectorDBError, "failed to decode qdrant point")
		}
		out[rec.ID] = rec
	}
	return out, nil
}

var _ repository.VectorRepository = (*Repository)(nil)
