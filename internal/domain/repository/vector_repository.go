// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

// VectorRepository 向量存储端口
// 所有实现必须并发安全，检索分数统一归一化到 [0,1]
type VectorRepository interface {
	// CreateIndex 创建索引；同名已存在返回 IndexAlreadyExists
	CreateIndex(ctx context.Context, spec entity.IndexSpec) (*entity.IndexDescriptor, error)
	// DeleteIndex 删除索引及其全部记录
	DeleteIndex(ctx context.Context, name string) error
	DescribeIndex(ctx context.Context, name string) (*entity.IndexDescriptor, error)
	ListIndexes(ctx context.Context) ([]*entity.IndexDescriptor, error)

	// Upsert 幂等写入，同 ID 原子替换向量与元数据
	Upsert(ctx context.Context, index string, record *entity.VectorRecord) error
	// UpsertBatch 逐条返回结果；仅索引不存在或传输失败时返回调用级错误
	UpsertBatch(ctx context.Context, index string, records []*entity.VectorRecord) (*BatchResult, error)
	Get(ctx context.Context, index, id string) (*entity.VectorRecord, error)
	Delete(ctx context.Context, index, id string) error
	DeleteBatch(ctx context.Context, index string, ids []string) (*BatchResult, error)

	// Search 按 RawScore 降序，同分按 ID 升序
	Search(ctx context.Context, index string, req *SearchRequest) (*SearchResult, error)
	Stats(ctx context.Context, index string) (*entity.IndexStats, error)
	HealthCheck(ctx context.Context) entity.HealthStatus
	Close() error
}

// Named 可报告后端名称的实现
type Named interface {
	Backend() string
}

// SearchRequest 检索参数；QueryVector 与 QueryID 二选一
type SearchRequest struct {
	QueryVector     []float32      `json:"query_vector,omitempty"`
	QueryID         string         `json:"query_id,omitempty"`
	TopK            int            `json:"top_k"`
	Filter          *entity.Filter `json:"filter,omitempty"`
	Threshold       *float64       `json:"threshold,omitempty"`
	IncludeVector   bool           `json:"include_vector"`
	IncludeMetadata bool           `json:"include_metadata"`
}

// MaxTopK 单次检索返回上限
const MaxTopK = 10000

// Validate 校验检索参数
func (r *SearchRequest) Validate() error {
	if r == nil {
		return apperrors.New(apperrors.CodeInvalidParam, "search request must not be nil")
	}
	hasVector := len(r.QueryVector) > 0
	hasID := r.QueryID != ""
	if hasVector == hasID {
		return apperrors.New(apperrors.CodeInvalidParam, "exactly one of query_vector or query_id is required")
	}
	if r.TopK <= 0 || r.TopK > MaxTopK {
		return apperrors.Newf(apperrors.CodeInvalidParam, "top_k must be in [1,%d], got %d", MaxTopK, r.TopK)
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		return apperrors.Newf(apperrors.CodeInvalidParam, "threshold must be in [0,1], got %g", *r.Threshold)
	}
	return r.Filter.Validate()
}

// SearchResult 检索结果
// TotalCandidates 为通过过滤与阈值的记录数，HasMore 表示超过 TopK
type SearchResult struct {
	Matches         []entity.SimilarityMatch `json:"matches"`
	TotalCandidates int                      `json:"total_candidates"`
	HasMore         bool                     `json:"has_more"`
}

// Clone 深拷贝，缓存中的结果不会被调用方修改
func (r *SearchResult) Clone() *SearchResult {
	if r == nil {
		return nil
	}
	out := &SearchResult{
		Matches:         make([]entity.SimilarityMatch, len(r.Matches)),
		TotalCandidates: r.TotalCandidates,
		HasMore:         r.HasMore,
	}
	for i, m := range r.Matches {
		out.Matches[i] = m.Clone()
	}
	return out
}

// ItemResult 批量操作中单条结果
type ItemResult struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// BatchResult 批量操作结果，顺序与输入一致
type BatchResult struct {
	Items []ItemResult `json:"items"`
}

// NewBatchResult 创建结果容器
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{Items: make([]ItemResult, n)}
}

// Succeeded 成功条数
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, it := range b.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed 失败条目
func (b *BatchResult) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range b.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// SucceededIDs 成功的 ID
func (b *BatchResult) SucceededIDs() []string {
	var out []string
	for _, it := range b.Items {
		if it.Err == nil {
			out = append(out, it.ID)
		}
	}
	return out
}
