package entity

import (
	"regexp"
	"time"

	apperrors "theodore-ai-api/pkg/errors"
)

// Metric 距离度量
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dot_product"
)

// Valid 是否为受支持的度量
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricDotProduct:
		return true
	}
	return false
}

// MaxDimension 向量最大维度
const MaxDimension = 65536

// indexNamePattern 所有后端都能接受的索引名
var indexNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// IndexSpec 创建索引的参数
type IndexSpec struct {
	Name      string         `json:"name"`
	Dimension int            `json:"dimension"`
	Metric    Metric         `json:"metric"`
	Schema    MetadataSchema `json:"schema,omitempty"`
}

// Validate 校验创建参数
func (s IndexSpec) Validate() error {
	if err := ValidateIndexName(s.Name); err != nil {
		return err
	}
	if s.Dimension <= 0 || s.Dimension > MaxDimension {
		return apperrors.Newf(apperrors.CodeInvalidDimension,
			"dimension must be in [1,%d], got %d", MaxDimension, s.Dimension)
	}
	if !s.Metric.Valid() {
		return apperrors.Newf(apperrors.CodeInvalidParam, "unknown metric %q", s.Metric)
	}
	return s.Schema.Check()
}

// ValidateIndexName 校验索引名
func ValidateIndexName(name string) error {
	if !indexNamePattern.MatchString(name) {
		return apperrors.Newf(apperrors.CodeInvalidParam,
			"index name %q must match %s", name, indexNamePattern.String())
	}
	return nil
}

// IndexDescriptor 索引描述，维度创建后不可变
type IndexDescriptor struct {
	Name      string         `json:"name"`
	Dimension int            `json:"dimension"`
	Metric    Metric         `json:"metric"`
	Schema    MetadataSchema `json:"schema,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewIndexDescriptor 由创建参数生成描述
func NewIndexDescriptor(spec IndexSpec, now time.Time) *IndexDescriptor {
	return &IndexDescriptor{
		Name:      spec.Name,
		Dimension: spec.Dimension,
		Metric:    spec.Metric,
		Schema:    spec.Schema,
		CreatedAt: now,
	}
}

// Clone 拷贝
func (d *IndexDescriptor) Clone() *IndexDescriptor {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Schema != nil {
		cp.Schema = make(MetadataSchema, len(d.Schema))
		for k, v := range d.Schema {
			cp.Schema[k] = v
		}
	}
	return &cp
}

// IndexStats 索引统计
type IndexStats struct {
	Name        string    `json:"name"`
	Count       int64     `json:"count"`
	Dimension   int       `json:"dimension"`
	Metric      Metric    `json:"metric"`
	ApproxBytes int64     `json:"approx_bytes"`
	LastUpdated time.Time `json:"last_updated"`
}

// ApproxRecordBytes 估算单条记录的存储占用
func ApproxRecordBytes(r *VectorRecord) int64 {
	size := int64(len(r.ID) + 4*len(r.Vector) + 16)
	for k, v := range r.Metadata {
		size += int64(len(k))
		switch v.Kind() {
		case KindString:
			size += int64(len(v.Str()))
		case KindStringList:
			for _, s := range v.List() {
				size += int64(len(s))
			}
		default:
			size += 8
		}
	}
	return size
}

// HealthStatus 后端健康状态
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)
