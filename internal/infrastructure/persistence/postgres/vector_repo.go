package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// BackendName 后端名称
const BackendName = "postgres"

const (
	// insertChunkSize 单条 INSERT 的行数，受 65535 个绑定参数限制
	insertChunkSize = 1000
	// maxEfSearch pgvector 允许的 hnsw.ef_search 上限
	maxEfSearch = 1000
)

// indexRow 索引注册表
type indexRow struct {
	Name      string    `gorm:"primaryKey;type:text"`
	Dimension int       `gorm:"not null"`
	Metric    string    `gorm:"type:text;not null"`
	Schema    string    `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName 表名
func (indexRow) TableName() string {
	return "vector_indexes"
}

func (r *indexRow) descriptor() (*entity.IndexDescriptor, error) {
	desc := &entity.IndexDescriptor{
		Name:      r.Name,
		Dimension: r.Dimension,
		Metric:    entity.Metric(r.Metric),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Schema != "" && r.Schema != "{}" {
		if err := json.Unmarshal([]byte(r.Schema), &desc.Schema); err != nil {
			return nil, err
		}
	}
	return desc, nil
}

// vectorRow 查询结果行，向量与元数据以文本形式读取
type vectorRow struct {
	ID        string
	Embedding string
	Metadata  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *vectorRow) record() (*entity.VectorRecord, error) {
	vec, err := ParseVector(r.Embedding)
	if err != nil {
		return nil, err
	}
	rec := &entity.VectorRecord{
		ID:        r.ID,
		Vector:    vec,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		var md entity.Metadata
		if err := json.Unmarshal([]byte(r.Metadata), &md); err != nil {
			return nil, err
		}
		rec.Metadata = md
	}
	return rec, nil
}

const selectColumns = "id, embedding::text AS embedding, metadata::text AS metadata, created_at, updated_at"

// VectorRepository pgvector 向量存储
// 每个索引一张表，写操作在事务中对注册表行加共享锁，与删除索引互斥
type VectorRepository struct {
	client *Client
	tx     *TxManager

	lastUpdated sync.Map
	now         func() time.Time
}

// NewVectorRepository 创建仓储并确保扩展与注册表存在
func NewVectorRepository(ctx context.Context, client *Client) (*VectorRepository, error) {
	db := client.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(&indexRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate index registry: %w", err)
	}
	return &VectorRepository{client: client, tx: NewTxManager(client), now: time.Now}, nil
}

// Backend 后端名称
func (r *VectorRepository) Backend() string { return BackendName }

// CreateIndex 登记索引并建表
func (r *VectorRepository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "postgres.CreateIndex",
		trace.WithAttributes(attribute.String("index", spec.Name)))
	defer span.End()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	desc := entity.NewIndexDescriptor(spec, r.now().UTC())
	schema := "{}"
	if len(spec.Schema) > 0 {
		raw, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInvalidParam, "invalid metadata schema")
		}
		schema = string(raw)
	}
	row := &indexRow{
		Name:      desc.Name,
		Dimension: desc.Dimension,
		Metric:    string(desc.Metric),
		Schema:    schema,
		CreatedAt: desc.CreatedAt,
	}

	table := TableName(spec.Name)
	ops, _ := opClass(spec.Metric)
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := getDB(txCtx, r.client.db)
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		ddl := fmt.Sprintf(`CREATE TABLE %s (
			id text PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		)`, table, spec.Dimension)
		if err := tx.Exec(ddl).Error; err != nil {
			return err
		}
		if spec.Dimension <= hnswMaxDimension {
			if err := tx.Exec(fmt.Sprintf("CREATE INDEX ON %s USING hnsw (embedding %s)", table, ops)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, spec.Name)
	}
	if spec.Dimension > hnswMaxDimension {
		logger.Info(ctx, "pgvector index created without hnsw", "index", spec.Name, "dimension", spec.Dimension)
	}
	return desc, nil
}

// DeleteIndex 注销索引并删除数据表
func (r *VectorRepository) DeleteIndex(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "postgres.DeleteIndex",
		trace.WithAttributes(attribute.String("index", name)))
	defer span.End()

	if err := entity.ValidateIndexName(name); err != nil {
		return err
	}
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := getDB(txCtx, r.client.db)
		res := tx.Delete(&indexRow{}, "name = ?", name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
		}
		return tx.Exec("DROP TABLE IF EXISTS " + TableName(name)).Error
	})
	if err != nil {
		span.RecordError(err)
		return mapError(err, name)
	}
	r.lastUpdated.Delete(name)
	return nil
}

// DescribeIndex 读取索引描述
func (r *VectorRepository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "postgres.DescribeIndex",
		trace.WithAttributes(attribute.String("index", name)))
	defer span.End()

	return r.descriptor(getDB(ctx, r.client.db), name, false)
}

// ListIndexes 按名称排序列出索引
func (r *VectorRepository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	ctx, span := tracer.Start(ctx, "postgres.ListIndexes")
	defer span.End()

	var rows []indexRow
	if err := getDB(ctx, r.client.db).Order("name").Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, mapError(err, "*")
	}
	out := make([]*entity.IndexDescriptor, 0, len(rows))
	for i := range rows {
		desc, err := rows[i].descriptor()
		if err != nil {
			logger.Warn(ctx, "skip malformed index registry row", "index", rows[i].Name, "error", err.Error())
			continue
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Upsert 写入单条记录
func (r *VectorRepository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	res, err := r.UpsertBatch(ctx, index, []*entity.VectorRecord{record})
	if err != nil {
		return err
	}
	return res.Items[0].Err
}

// UpsertBatch 本地校验后以 INSERT ... ON CONFLICT 写入，冲突时保留 created_at
func (r *VectorRepository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "postgres.UpsertBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(records))))
	defer span.End()

	result := repository.NewBatchResult(len(records))
	now := r.now().UTC()
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := getDB(txCtx, r.client.db)
		desc, err := r.descriptor(tx, index, true)
		if err != nil {
			return err
		}

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
		ids := make([]string, 0, len(latest))
		for id := range latest {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for start := 0; start < len(ids); start += insertChunkSize {
			end := min(start+insertChunkSize, len(ids))
			var sb strings.Builder
			args := make([]any, 0, (end-start)*5)
			sb.WriteString("INSERT INTO " + TableName(index) + " (id, embedding, metadata, created_at, updated_at) VALUES ")
			for i, id := range ids[start:end] {
				rec := records[latest[id]]
				md := rec.Metadata
				if md == nil {
					md = entity.Metadata{}
				}
				raw, err := json.Marshal(md)
				if err != nil {
					return apperrors.Wrap(err, apperrors.CodeInternalError, "failed to encode metadata")
				}
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("(?, ?::vector, ?::jsonb, ?, ?)")
				args = append(args, rec.ID, VectorLiteral(rec.Vector), string(raw), now, now)
			}
			sb.WriteString(" ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at")
			if err := tx.Exec(sb.String(), args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	if result.Succeeded() > 0 {
		r.lastUpdated.Store(index, now)
	}
	return result, nil
}

// Get 按 ID 读取
func (r *VectorRepository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	ctx, span := tracer.Start(ctx, "postgres.Get",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	db := getDB(ctx, r.client.db)
	if _, err := r.descriptor(db, index, false); err != nil {
		return nil, err
	}
	rec, err := r.get(db, index, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

func (r *VectorRepository) get(db *gorm.DB, index, id string) (*entity.VectorRecord, error) {
	var rows []vectorRow
	err := db.Raw("SELECT "+selectColumns+" FROM "+TableName(index)+" WHERE id = ?", id).Scan(&rows).Error
	if err != nil {
		return nil, mapError(err, index)
	}
	if len(rows) == 0 {
		return nil, apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
	}
	rec, err := rows[0].record()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to decode record")
	}
	return rec, nil
}

// Delete 删除单条记录
func (r *VectorRepository) Delete(ctx context.Context, index, id string) error {
	res, err := r.DeleteBatch(ctx, index, []string{id})
	if err != nil {
		return err
	}
	return res.Items[0].Err
}

// DeleteBatch 不存在的 ID 返回 RecordNotFound
func (r *VectorRepository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "postgres.DeleteBatch",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("count", len(ids))))
	defer span.End()

	result := repository.NewBatchResult(len(ids))
	var deleted []string
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := getDB(txCtx, r.client.db)
		if _, err := r.descriptor(tx, index, true); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Raw("DELETE FROM "+TableName(index)+" WHERE id IN ? RETURNING id", ids).Scan(&deleted).Error
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}

	removed := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		removed[id] = true
	}
	for i, id := range ids {
		result.Items[i].ID = id
		if !removed[id] {
			result.Items[i].Err = apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
		}
	}
	if len(deleted) > 0 {
		r.lastUpdated.Store(index, r.now())
	}
	return result, nil
}

// Search 过滤条件完整下推到 SQL；带过滤时关闭索引扫描以保证结果完整
func (r *VectorRepository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "postgres.Search",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("top_k", req.TopK)))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	where, whereArgs, err := Where(req.Filter)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidFilter, "filter cannot be translated")
	}

	var out *repository.SearchResult
	err = r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := getDB(txCtx, r.client.db)
		desc, err := r.descriptor(tx, index, false)
		if err != nil {
			return err
		}
		query := req.QueryVector
		if req.QueryID != "" {
			target, err := r.get(tx, index, req.QueryID)
			if err != nil {
				return err
			}
			query = target.Vector
		}
		if len(query) != desc.Dimension {
			return apperrors.Newf(apperrors.CodeDimensionMismatch,
				"query has dimension %d, index %q expects %d", len(query), index, desc.Dimension)
		}

		limit := service.FetchLimit(req.TopK, true)
		if req.Filter != nil {
			if err := tx.Exec("SET LOCAL enable_indexscan = off").Error; err != nil {
				return err
			}
		} else if desc.Dimension <= hnswMaxDimension {
			ef := min(max(limit, 40), maxEfSearch)
			if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)).Error; err != nil {
				return err
			}
		}

		_, operator := opClass(desc.Metric)
		sql := "SELECT " + selectColumns + " FROM " + TableName(index) +
			" WHERE " + where + " AND id <> ? ORDER BY embedding " + operator + " ?::vector LIMIT ?"
		args := append(whereArgs, req.QueryID, VectorLiteral(query), limit)

		var rows []vectorRow
		if err := tx.Raw(sql, args...).Scan(&rows).Error; err != nil {
			return err
		}
		ranker := service.NewRanker(desc.Metric, query, req)
		for i := range rows {
			rec, err := rows[i].record()
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to decode record")
			}
			if err := ranker.Offer(rec); err != nil {
				return err
			}
		}
		out = ranker.Result()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	span.SetAttributes(attribute.Int("result_count", len(out.Matches)))
	return out, nil
}

// Stats 精确计数与表占用
func (r *VectorRepository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	ctx, span := tracer.Start(ctx, "postgres.Stats",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	db := getDB(ctx, r.client.db)
	desc, err := r.descriptor(db, index, false)
	if err != nil {
		return nil, err
	}
	var agg struct {
		Count       int64
		Bytes       int64
		LastUpdated *time.Time
	}
	err = db.Raw("SELECT count(*) AS count, pg_total_relation_size(?::regclass) AS bytes, max(updated_at) AS last_updated FROM "+TableName(index),
		TableName(index)).Scan(&agg).Error
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, index)
	}
	stats := &entity.IndexStats{
		Name:        desc.Name,
		Count:       agg.Count,
		Dimension:   desc.Dimension,
		Metric:      desc.Metric,
		ApproxBytes: agg.Bytes,
		LastUpdated: desc.CreatedAt,
	}
	if agg.LastUpdated != nil && agg.LastUpdated.After(stats.LastUpdated) {
		stats.LastUpdated = agg.LastUpdated.UTC()
	}
	if t, ok := r.lastUpdated.Load(index); ok && t.(time.Time).After(stats.LastUpdated) {
		stats.LastUpdated = t.(time.Time)
	}
	return stats, nil
}

// HealthCheck 健康检查
func (r *VectorRepository) HealthCheck(ctx context.Context) entity.HealthStatus {
	if err := r.client.HealthCheck(ctx); err != nil {
		logger.Warn(ctx, "postgres health check failed", "error", err.Error())
		return entity.HealthUnavailable
	}
	return entity.HealthHealthy
}

// Close 关闭连接
func (r *VectorRepository) Close() error {
	return r.client.Close()
}

// descriptor 读取注册表行；lock 为真时加共享锁直到事务结束
func (r *VectorRepository) descriptor(db *gorm.DB, name string, lock bool) (*entity.IndexDescriptor, error) {
	if err := entity.ValidateIndexName(name); err != nil {
		return nil, err
	}
	if lock {
		db = db.Clauses(clause.Locking{Strength: "SHARE"})
	}
	var row indexRow
	if err := db.Take(&row, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
		}
		return nil, mapError(err, name)
	}
	desc, err := row.descriptor()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "malformed index registry row")
	}
	return desc, nil
}

var _ repository.VectorRepository = (*VectorRepository)(nil)
