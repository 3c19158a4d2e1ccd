package entity

import (
	"math"
	"slices"
	"strings"
	"time"

	apperrors "theodore-ai-api/pkg/errors"
)

// MaxRecordIDLength 记录 ID 最大长度，取各后端主键限制的交集
const MaxRecordIDLength = 256

// VectorRecord 向量记录
type VectorRecord struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewVectorRecord 创建向量记录
func NewVectorRecord(id string, vector []float32, md Metadata) *VectorRecord {
	return &VectorRecord{
		ID:       id,
		Vector:   vector,
		Metadata: md,
	}
}

// Clone 深拷贝，存储层返回的记录与内部状态互不影响
func (r *VectorRecord) Clone() *VectorRecord {
	if r == nil {
		return nil
	}
	return &VectorRecord{
		ID:        r.ID,
		Vector:    slices.Clone(r.Vector),
		Metadata:  r.Metadata.Clone(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Validate 按索引描述校验记录
// 维度不符直接报错，不做截断或补齐
func (r *VectorRecord) Validate(idx *IndexDescriptor) error {
	if r == nil {
		return apperrors.New(apperrors.CodeInvalidParam, "record must not be nil")
	}
	if err := ValidateRecordID(r.ID); err != nil {
		return err
	}
	if len(r.Vector) != idx.Dimension {
		return apperrors.Newf(apperrors.CodeDimensionMismatch,
			"record %q has dimension %d, index %q expects %d", r.ID, len(r.Vector), idx.Name, idx.Dimension)
	}
	for i, x := range r.Vector {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return apperrors.Newf(apperrors.CodeInvalidParam, "record %q has non-finite component at %d", r.ID, i)
		}
	}
	if err := idx.Schema.Validate(r.Metadata); err != nil {
		return err
	}
	return nil
}

// ValidateRecordID 校验记录 ID
func ValidateRecordID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.New(apperrors.CodeInvalidParam, "record id must not be empty")
	}
	if len(id) > MaxRecordIDLength {
		return apperrors.Newf(apperrors.CodeInvalidParam, "record id exceeds %d bytes", MaxRecordIDLength)
	}
	return nil
}

// Touch 写入时设置时间戳；existing 非空时保留其创建时间
func (r *VectorRecord) Touch(existing *VectorRecord, now time.Time) {
	r.UpdatedAt = now
	if existing != nil && !existing.CreatedAt.IsZero() {
		r.CreatedAt = existing.CreatedAt
		return
	}
	r.CreatedAt = now
}
