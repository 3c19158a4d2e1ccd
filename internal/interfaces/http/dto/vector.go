package dto

import (
	"time"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/pkg/errors"
)

// CreateIndexRequest 创建索引请求
type CreateIndexRequest struct {
	Name      string                `json:"name" binding:"required,max=64"`
	Dimension int                   `json:"dimension" binding:"required,min=1"`
	Metric    string                `json:"metric,omitempty"` // cosine, euclidean, dot_product
	Schema    entity.MetadataSchema `json:"schema,omitempty"`
}

// ToSpec 转换为索引参数，度量缺省为 cosine
func (r *CreateIndexRequest) ToSpec() entity.IndexSpec {
	metric := entity.Metric(r.Metric)
	if metric == "" {
		metric = entity.MetricCosine
	}
	return entity.IndexSpec{
		Name:      r.Name,
		Dimension: r.Dimension,
		Metric:    metric,
		Schema:    r.Schema,
	}
}

// IndexListResponse 索引列表响应
type IndexListResponse struct {
	Indexes []*entity.IndexDescriptor `json:"indexes"`
}

// UpsertRecordRequest 写入单条记录请求，ID 取自路径
type UpsertRecordRequest struct {
	Vector   []float32       `json:"vector" binding:"required"`
	Metadata entity.Metadata `json:"metadata,omitempty"`
}

// RecordRequest 批量写入中的单条记录
type RecordRequest struct {
	ID       string          `json:"id" binding:"required"`
	Vector   []float32       `json:"vector" binding:"required"`
	Metadata entity.Metadata `json:"metadata,omitempty"`
}

// BatchUpsertRequest 批量写入请求
type BatchUpsertRequest struct {
	Records []RecordRequest `json:"records" binding:"required,min=1,max=10000,dive"`
}

// ToRecords 转换为领域记录
func (r *BatchUpsertRequest) ToRecords() []*entity.VectorRecord {
	out := make([]*entity.VectorRecord, len(r.Records))
	for i, rec := range r.Records {
		out[i] = entity.NewVectorRecord(rec.ID, rec.Vector, rec.Metadata)
	}
	return out
}

// BatchDeleteRequest 批量删除请求
type BatchDeleteRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,max=10000"`
}

// RecordResponse 记录响应
type RecordResponse struct {
	ID        string          `json:"id"`
	Vector    []float32       `json:"vector"`
	Metadata  entity.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ToRecordResponse 转换记录响应
func ToRecordResponse(r *entity.VectorRecord) *RecordResponse {
	return &RecordResponse{
		ID:        r.ID,
		Vector:    r.Vector,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ItemError 批量操作中的失败条目
type ItemError struct {
	ID        string `json:"id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// BatchResponse 批量操作响应
type BatchResponse struct {
	Succeeded int         `json:"succeeded"`
	Failed    []ItemError `json:"failed"`
}

// ToBatchResponse 转换批量结果
func ToBatchResponse(res *repository.BatchResult) *BatchResponse {
	out := &BatchResponse{Succeeded: res.Succeeded(), Failed: []ItemError{}}
	for _, it := range res.Failed() {
		appErr := errors.AsAppError(it.Err)
		out.Failed = append(out.Failed, ItemError{
			ID:        it.ID,
			ErrorCode: string(appErr.Code),
			Message:   appErr.Error(),
		})
	}
	return out
}

// SearchRequest 向量检索请求，Vector 与 QueryID 二选一
type SearchRequest struct {
	Vector          []float32      `json:"vector,omitempty"`
	QueryID         string         `json:"query_id,omitempty"`
	TopK            int            `json:"top_k,omitempty"`
	Filter          *entity.Filter `json:"filter,omitempty"`
	Threshold       *float64       `json:"threshold,omitempty"`
	IncludeVector   bool           `json:"include_vector,omitempty"`
	IncludeMetadata *bool          `json:"include_metadata,omitempty"`
}

// ToSearchRequest 转换检索参数，TopK 缺省取 defaultTopK，元数据默认返回
func (r *SearchRequest) ToSearchRequest(defaultTopK int) *repository.SearchRequest {
	topK := r.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	includeMetadata := true
	if r.IncludeMetadata != nil {
		includeMetadata = *r.IncludeMetadata
	}
	return &repository.SearchRequest{
		QueryVector:     r.Vector,
		QueryID:         r.QueryID,
		TopK:            topK,
		Filter:          r.Filter,
		Threshold:       r.Threshold,
		IncludeVector:   r.IncludeVector,
		IncludeMetadata: includeMetadata,
	}
}

// FindSimilarRequest 相似公司查找请求
type FindSimilarRequest struct {
	TargetID        string         `json:"target_id" binding:"required"`
	CandidatePool   []string       `json:"candidate_pool,omitempty"`
	TopK            int            `json:"top_k,omitempty"`
	MinOverallScore float64        `json:"min_overall_score,omitempty"`
	Filter          *entity.Filter `json:"filter,omitempty"`
}

// CacheStatsResponse 查询缓存统计
type CacheStatsResponse struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// EnqueuedResponse 异步摄取受理响应
type EnqueuedResponse struct {
	MessageID string `json:"message_id"`
	Index     string `json:"index"`
	Count     int    `json:"count"`
}
