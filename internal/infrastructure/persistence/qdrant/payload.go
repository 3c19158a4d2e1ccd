package qdrant

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	qd "github.com/qdrant/go-client/qdrant"

	"theodore-ai-api/internal/domain/entity"
)

// 载荷字段；元数据按值类型拆到不同对象下，过滤时不会混淆标量与列表
const (
	payloadID        = "_id"
	payloadCreatedAt = "_created_at"
	payloadUpdatedAt = "_updated_at"
	// payloadVector Cosine 集合会归一化存储向量，原始向量另存一份
	payloadVector = "_vector"

	payloadStrings = "ms"
	payloadNumbers = "mn"
	payloadBools   = "mb"
	payloadLists   = "ml"
)

// pointNamespace 记录 ID 到点 ID 的 UUIDv5 命名空间
var pointNamespace = uuid.MustParse("6f0c7a52-3f0e-5d8c-9b1a-2c4e8d7f1a35")

// PointID 记录 ID 对应的确定性点 ID
func PointID(id string) *qd.PointId {
	return qd.NewID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// pointIDs 批量转换
func pointIDs(ids []string) []*qd.PointId {
	out := make([]*qd.PointId, len(ids))
	for i, id := range ids {
		out[i] = PointID(id)
	}
	return out
}

// kindPath 某类型元数据字段的载荷路径
func kindPath(kind entity.ValueKind, field string) string {
	switch kind {
	case entity.KindNumber:
		return payloadNumbers + "." + field
	case entity.KindBool:
		return payloadBools + "." + field
	case entity.KindStringList:
		return payloadLists + "." + field
	default:
		return payloadStrings + "." + field
	}
}

// encodePayload 将记录编码为点载荷
func encodePayload(rec *entity.VectorRecord, keepVector bool) (map[string]*qd.Value, error) {
	strs := map[string]any{}
	nums := map[string]any{}
	bools := map[string]any{}
	lists := map[string]any{}
	for k, v := range rec.Metadata {
		switch v.Kind() {
		case entity.KindString:
			strs[k] = v.Str()
		case entity.KindNumber:
			nums[k] = v.Num()
		case entity.KindBool:
			bools[k] = v.Bool()
		case entity.KindStringList:
			items := make([]any, len(v.List()))
			for i, s := range v.List() {
				items[i] = s
			}
			lists[k] = items
		}
	}

	raw := map[string]any{
		payloadID:        rec.ID,
		payloadCreatedAt: rec.CreatedAt.UnixMilli(),
		payloadUpdatedAt: rec.UpdatedAt.UnixMilli(),
		payloadStrings:   strs,
		payloadNumbers:   nums,
		payloadBools:     bools,
		payloadLists:     lists,
	}
	if keepVector {
		vec := make([]any, len(rec.Vector))
		for i, x := range rec.Vector {
			vec[i] = float64(x)
		}
		raw[payloadVector] = vec
	}
	return qd.TryValueMap(raw)
}

// decodePoint 由载荷与点向量还原记录
func decodePoint(payload map[string]*qd.Value, vectors *qd.VectorsOutput) (*entity.VectorRecord, error) {
	id, ok := payload[payloadID]
	if !ok || id.GetStringValue() == "" {
		return nil, fmt.Errorf("point payload has no %s", payloadID)
	}
	rec := &entity.VectorRecord{
		ID:        id.GetStringValue(),
		CreatedAt: time.UnixMilli(payload[payloadCreatedAt].GetIntegerValue()).UTC(),
		UpdatedAt: time.UnixMilli(payload[payloadUpdatedAt].GetIntegerValue()).UTC(),
	}

	if raw, ok := payload[payloadVector]; ok {
		values := raw.GetListValue().GetValues()
		rec.Vector = make([]float32, len(values))
		for i, v := range values {
			rec.Vector[i] = float32(v.GetDoubleValue())
		}
	} else if out := vectors.GetVector(); out != nil {
		data := out.GetDense().GetData()
		if len(data) == 0 {
			data = out.GetData() //nolint:staticcheck // 旧版本服务端只填充该字段
		}
		rec.Vector = append([]float32(nil), data...)
	}

	md := entity.Metadata{}
	for k, v := range payload[payloadStrings].GetStructValue().GetFields() {
		md[k] = entity.StringValue(v.GetStringValue())
	}
	for k, v := range payload[payloadNumbers].GetStructValue().GetFields() {
		md[k] = entity.NumberValue(numberOf(v))
	}
	for k, v := range payload[payloadBools].GetStructValue().GetFields() {
		md[k] = entity.BoolValue(v.GetBoolValue())
	}
	for k, v := range payload[payloadLists].GetStructValue().GetFields() {
		values := v.GetListValue().GetValues()
		items := make([]string, len(values))
		for i, item := range values {
			items[i] = item.GetStringValue()
		}
		md[k] = entity.StringListValue(items...)
	}
	if len(md) > 0 {
		rec.Metadata = md
	}
	return rec, nil
}

// numberOf 整数值由服务端返回时可能丢失浮点类型
func numberOf(v *qd.Value) float64 {
	if _, ok := v.GetKind().(*qd.Value_IntegerValue); ok {
		return float64(v.GetIntegerValue())
	}
	return v.GetDoubleValue()
}

// distanceOf 索引度量对应的 Qdrant 距离
func distanceOf(m entity.Metric) qd.Distance {
	switch m {
	case entity.MetricEuclidean:
		return qd.Distance_Euclid
	case entity.MetricDotProduct:
		return qd.Distance_Dot
	default:
		return qd.Distance_Cosine
	}
}
