package milvus

import (
	"encoding/json"
	"strconv"

	mentity "github.com/milvus-io/milvus-sdk-go/v2/entity"

	"theodore-ai-api/internal/domain/entity"
)

// 集合字段
const (
	FieldID        = "id"
	FieldVector    = "vector"
	FieldMetadata  = "metadata"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"

	// maxIDLength 与记录 ID 的长度上限一致
	maxIDLength = entity.MaxRecordIDLength
)

// outputFields 读取记录时返回的字段
var outputFields = []string{FieldID, FieldVector, FieldMetadata, FieldCreatedAt, FieldUpdatedAt}

// IndexSchema 索引对应的集合 Schema；描述字段保存索引描述的 JSON
func IndexSchema(collection string, desc *entity.IndexDescriptor) (*mentity.Schema, error) {
	description, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return &mentity.Schema{
		CollectionName: collection,
		Description:    string(description),
		Fields: []*mentity.Field{
			{
				Name:       FieldID,
				DataType:   mentity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxIDLength),
				},
			},
			{
				Name:     FieldVector,
				DataType: mentity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(desc.Dimension),
				},
			},
			{
				Name:     FieldMetadata,
				DataType: mentity.FieldTypeJSON,
			},
			{
				Name:     FieldCreatedAt,
				DataType: mentity.FieldTypeInt64,
			},
			{
				Name:     FieldUpdatedAt,
				DataType: mentity.FieldTypeInt64,
			},
		},
	}, nil
}

// DescriptorFromSchema 从集合描述解析索引描述
func DescriptorFromSchema(schema *mentity.Schema) (*entity.IndexDescriptor, error) {
	var desc entity.IndexDescriptor
	if err := json.Unmarshal([]byte(schema.Description), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// MetricType 索引度量对应的 Milvus 度量
func MetricType(m entity.Metric) mentity.MetricType {
	switch m {
	case entity.MetricEuclidean:
		return mentity.L2
	case entity.MetricDotProduct:
		return mentity.IP
	default:
		return mentity.COSINE
	}
}
