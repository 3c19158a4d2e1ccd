// Package badger 提供基于 BadgerDB 的嵌入式持久化向量存储
package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// BackendName 后端名称
const BackendName = "badger"

// maxTxnRetries 事务冲突时的重试次数
const maxTxnRetries = 8

var tracer = otel.Tracer("badger")

// storedIndex 索引描述的持久化形式
type storedIndex struct {
	Name      string            `msgpack:"name"`
	Dimension int               `msgpack:"dimension"`
	Metric    string            `msgpack:"metric"`
	Schema    map[string]string `msgpack:"schema,omitempty"`
	CreatedAt int64             `msgpack:"created_at"`
}

// storedRecord 记录的持久化形式
type storedRecord struct {
	ID        string         `msgpack:"id"`
	Vector    []float32      `msgpack:"vector"`
	Metadata  map[string]any `msgpack:"metadata,omitempty"`
	CreatedAt int64          `msgpack:"created_at"`
	UpdatedAt int64          `msgpack:"updated_at"`
}

func indexKey(name string) []byte { return []byte("idx/" + name) }

func recordPrefix(index string) []byte { return []byte("rec/" + index + "/") }

func recordKey(index, id string) []byte { return append(recordPrefix(index), id...) }

// Repository BadgerDB 向量存储
// 记录以 msgpack 编码，检索为前缀扫描后的暴力计算
type Repository struct {
	db               *badgerdb.DB
	batchConcurrency int
	now              func() time.Time

	// lastUpdated 进程内记录的最近写入时间，删除操作无法从数据中推导
	lastUpdated sync.Map
	// lifecycle 串行化索引的创建与删除
	lifecycle sync.Mutex
}

// Options 打开参数
type Options struct {
	Dir              string
	InMemory         bool
	BatchConcurrency int
}

// OptionsFromConfig 由配置生成参数
func OptionsFromConfig(cfg *config.VectorConfig) Options {
	return Options{
		Dir:              cfg.Badger.Dir,
		InMemory:         cfg.Badger.InMemory,
		BatchConcurrency: cfg.BatchConcurrency,
	}
}

// Open 打开 BadgerDB
func Open(opts Options) (*Repository, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "badger dir is required for on-disk mode")
	}
	dbOpts := badgerdb.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeStorageError, "failed to open badger")
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = service.DefaultBatchConcurrency
	}
	return &Repository{db: db, batchConcurrency: opts.BatchConcurrency, now: time.Now}, nil
}

// Backend 后端名称
func (r *Repository) Backend() string { return BackendName }

// update 执行读写事务，冲突时重试
func (r *Repository) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = r.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateIndex 创建索引
func (r *Repository) CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error) {
	_, span := tracer.Start(ctx, "badger.CreateIndex", trace.WithAttributes(attribute.String("index", spec.Name)))
	defer span.End()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	desc := entity.NewIndexDescriptor(spec, r.now())
	data, err := msgpack.Marshal(fromDescriptor(desc))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to encode index descriptor")
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	// 上次删除未清理干净的记录不能出现在新索引中
	var exists, orphans bool
	err = r.db.View(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(indexKey(spec.Name)); err == nil {
			exists = true
			return nil
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: recordPrefix(spec.Name)})
		defer it.Close()
		it.Rewind()
		orphans = it.Valid()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err)
	}
	if exists {
		return nil, apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
	}
	if orphans {
		logger.Warn(ctx, "dropping orphan records before create", "index", spec.Name)
		if err := r.db.DropPrefix(recordPrefix(spec.Name)); err != nil {
			span.RecordError(err)
			return nil, apperrors.Wrap(err, apperrors.CodeStorageError, "failed to drop orphan records")
		}
	}

	err = r.update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(indexKey(spec.Name)); err == nil {
			return apperrors.Newf(apperrors.CodeIndexAlreadyExists, "index %q already exists", spec.Name)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(indexKey(spec.Name), data)
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err)
	}
	r.lastUpdated.Store(spec.Name, desc.CreatedAt)
	return desc.Clone(), nil
}

// DeleteIndex 先清除记录前缀再删除索引描述；清除失败时索引保持可见，可重试
func (r *Repository) DeleteIndex(ctx context.Context, name string) error {
	_, span := tracer.Start(ctx, "badger.DeleteIndex", trace.WithAttributes(attribute.String("index", name)))
	defer span.End()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	err := r.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(indexKey(name))
		return err
	})
	if err != nil {
		span.RecordError(err)
		return mapIndexError(err, name)
	}
	if err := r.db.DropPrefix(recordPrefix(name)); err != nil {
		span.RecordError(err)
		return apperrors.Wrap(err, apperrors.CodeStorageError, "failed to drop index records")
	}
	err = r.update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(indexKey(name)); err != nil {
			return err
		}
		return txn.Delete(indexKey(name))
	})
	if err != nil {
		span.RecordError(err)
		return mapIndexError(err, name)
	}
	r.lastUpdated.Delete(name)
	return nil
}

// DescribeIndex 获取索引描述
func (r *Repository) DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error) {
	var desc *entity.IndexDescriptor
	err := r.db.View(func(txn *badgerdb.Txn) error {
		var err error
		desc, err = readIndex(txn, name)
		return err
	})
	if err != nil {
		return nil, mapIndexError(err, name)
	}
	return desc, nil
}

// ListIndexes 按名称排序列出索引
func (r *Repository) ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error) {
	out := []*entity.IndexDescriptor{}
	err := r.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte("idx/")
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: 16, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var si storedIndex
			if err := msgpack.Unmarshal(val, &si); err != nil {
				return err
			}
			out = append(out, si.toDescriptor())
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Upsert 在同一事务中校验索引并保留 CreatedAt
func (r *Repository) Upsert(ctx context.Context, index string, record *entity.VectorRecord) error {
	_, span := tracer.Start(ctx, "badger.Upsert", trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	err := r.update(ctx, func(txn *badgerdb.Txn) error {
		desc, err := readIndex(txn, index)
		if err != nil {
			return err
		}
		if err := record.Validate(desc); err != nil {
			return err
		}
		stored := record.Clone()
		existing, err := readRecord(txn, index, record.ID)
		if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		stored.Touch(existing, r.now())
		data, err := msgpack.Marshal(fromRecord(stored))
		if err != nil {
			return err
		}
		return txn.Set(recordKey(index, stored.ID), data)
	})
	if err != nil {
		span.RecordError(err)
		return mapIndexError(err, index)
	}
	r.lastUpdated.Store(index, r.now())
	return nil
}

// UpsertBatch 有限并发批量写入
func (r *Repository) UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*repository.BatchResult, error) {
	if _, err := r.DescribeIndex(ctx, index); err != nil {
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

// Get 获取记录
func (r *Repository) Get(ctx context.Context, index, id string) (*entity.VectorRecord, error) {
	var rec *entity.VectorRecord
	err := r.db.View(func(txn *badgerdb.Txn) error {
		if _, err := readIndex(txn, index); err != nil {
			return err
		}
		var err error
		rec, err = readRecord(txn, index, id)
		return err
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
		}
		return nil, mapError(err)
	}
	return rec, nil
}

// Delete 删除记录
func (r *Repository) Delete(ctx context.Context, index, id string) error {
	err := r.update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := readIndex(txn, index); err != nil {
			return err
		}
		if _, err := txn.Get(recordKey(index, id)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", id, index)
			}
			return err
		}
		return txn.Delete(recordKey(index, id))
	})
	if err != nil {
		return mapIndexError(err, index)
	}
	r.lastUpdated.Store(index, r.now())
	return nil
}

// DeleteBatch 批量删除
func (r *Repository) DeleteBatch(ctx context.Context, index string, ids []string) (*repository.BatchResult, error) {
	if _, err := r.DescribeIndex(ctx, index); err != nil {
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

// Search 在一个只读事务内扫描索引前缀
func (r *Repository) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "badger.Search",
		trace.WithAttributes(attribute.String("index", index), attribute.Int("top_k", req.TopK)))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result *repository.SearchResult
	err := r.db.View(func(txn *badgerdb.Txn) error {
		desc, err := readIndex(txn, index)
		if err != nil {
			return err
		}
		query := req.QueryVector
		if req.QueryID != "" {
			target, err := readRecord(txn, index, req.QueryID)
			if err != nil {
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					return apperrors.Newf(apperrors.CodeRecordNotFound, "record %q not found in index %q", req.QueryID, index)
				}
				return err
			}
			query = target.Vector
		}
		if len(query) != desc.Dimension {
			return apperrors.Newf(apperrors.CodeDimensionMismatch,
				"query has dimension %d, index %q expects %d", len(query), index, desc.Dimension)
		}

		ranker := service.NewRanker(desc.Metric, query, req)
		err = scanRecords(txn, index, func(rec *entity.VectorRecord) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ranker.Offer(rec)
		})
		if err != nil {
			return err
		}
		result = ranker.Result()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapIndexError(err, index)
	}
	span.SetAttributes(attribute.Int("result_count", len(result.Matches)))
	return result, nil
}

// Stats 扫描索引统计条数与占用
func (r *Repository) Stats(ctx context.Context, index string) (*entity.IndexStats, error) {
	var stats *entity.IndexStats
	err := r.db.View(func(txn *badgerdb.Txn) error {
		desc, err := readIndex(txn, index)
		if err != nil {
			return err
		}
		stats = &entity.IndexStats{
			Name:        desc.Name,
			Dimension:   desc.Dimension,
			Metric:      desc.Metric,
			LastUpdated: desc.CreatedAt,
		}
		prefix := recordPrefix(index)
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			stats.Count++
			stats.ApproxBytes += item.EstimatedSize()
		}
		return nil
	})
	if err != nil {
		return nil, mapIndexError(err, index)
	}
	if t, ok := r.lastUpdated.Load(index); ok && t.(time.Time).After(stats.LastUpdated) {
		stats.LastUpdated = t.(time.Time)
	}
	return stats, nil
}

// HealthCheck 数据库关闭后不可用
func (r *Repository) HealthCheck(ctx context.Context) entity.HealthStatus {
	if r.db.IsClosed() {
		return entity.HealthUnavailable
	}
	return entity.HealthHealthy
}

// Close 关闭数据库
func (r *Repository) Close() error {
	return r.db.Close()
}

func readIndex(txn *badgerdb.Txn, name string) (*entity.IndexDescriptor, error) {
	item, err := txn.Get(indexKey(name))
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", name)
		}
		return nil, err
	}
	var si storedIndex
	if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &si) }); err != nil {
		return nil, err
	}
	return si.toDescriptor(), nil
}

func readRecord(txn *badgerdb.Txn, index, id string) (*entity.VectorRecord, error) {
	item, err := txn.Get(recordKey(index, id))
	if err != nil {
		return nil, err
	}
	var sr storedRecord
	if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &sr) }); err != nil {
		return nil, err
	}
	return sr.toRecord()
}

func scanRecords(txn *badgerdb.Txn, index string, fn func(rec *entity.VectorRecord) error) error {
	prefix := recordPrefix(index)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var sr storedRecord
		if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &sr) }); err != nil {
			return err
		}
		rec, err := sr.toRecord()
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func fromDescriptor(d *entity.IndexDescriptor) storedIndex {
	si := storedIndex{
		Name:      d.Name,
		Dimension: d.Dimension,
		Metric:    string(d.Metric),
		CreatedAt: d.CreatedAt.UnixNano(),
	}
	if len(d.Schema) > 0 {
		si.Schema = make(map[string]string, len(d.Schema))
		for k, v := range d.Schema {
			si.Schema[k] = string(v)
		}
	}
	return si
}

func (si storedIndex) toDescriptor() *entity.IndexDescriptor {
	d := &entity.IndexDescriptor{
		Name:      si.Name,
		Dimension: si.Dimension,
		Metric:    entity.Metric(si.Metric),
		CreatedAt: time.Unix(0, si.CreatedAt).UTC(),
	}
	if len(si.Schema) > 0 {
		d.Schema = make(entity.MetadataSchema, len(si.Schema))
		for k, v := range si.Schema {
			d.Schema[k] = entity.ValueKind(v)
		}
	}
	return d
}

func fromRecord(r *entity.VectorRecord) storedRecord {
	return storedRecord{
		ID:        r.ID,
		Vector:    r.Vector,
		Metadata:  r.Metadata.ToMap(),
		CreatedAt: r.CreatedAt.UnixNano(),
		UpdatedAt: r.UpdatedAt.UnixNano(),
	}
}

func (sr storedRecord) toRecord() (*entity.VectorRecord, error) {
	md, err := entity.MetadataFromMap(sr.Metadata)
	if err != nil {
		return nil, err
	}
	return &entity.VectorRecord{
		ID:        sr.ID,
		Vector:    sr.Vector,
		Metadata:  md,
		CreatedAt: time.Unix(0, sr.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, sr.UpdatedAt).UTC(),
	}, nil
}

// mapIndexError 将 key 不存在映射为索引不存在
func mapIndexError(err error, index string) error {
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return apperrors.Newf(apperrors.CodeIndexNotFound, "index %q not found", index)
	}
	return mapError(err)
}

func mapError(err error) error {
	if err == nil || apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeStorageError, "badger operation failed")
}

// badgerLogger 将 badger 日志接入结构化日志，屏蔽 debug 与 info
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any) {
	logger.Default().Error(fmt.Sprintf(f, v...), "component", "badger")
}

func (badgerLogger) Warningf(f string, v ...any) {
	logger.Default().Warn(fmt.Sprintf(f, v...), "component", "badger")
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}

var _ repository.VectorRepository = (*Repository)(nil)
