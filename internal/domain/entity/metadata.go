// Package entity 定义领域实体
package entity

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	apperrors "theodore-ai-api/pkg/errors"
)

// ValueKind 元数据值类型，取值集合封闭
type ValueKind string

const (
	KindString     ValueKind = "string"
	KindNumber     ValueKind = "number"
	KindBool       ValueKind = "bool"
	KindStringList ValueKind = "string_list"
)

// Valid 是否为受支持的类型
func (k ValueKind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBool, KindStringList:
		return true
	}
	return false
}

// Value 元数据值
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []string
}

// StringValue 创建字符串值
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue 创建数值
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// BoolValue 创建布尔值
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// StringListValue 创建字符串列表值
func StringListValue(items ...string) Value {
	return Value{kind: KindStringList, list: slices.Clone(items)}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Str() string     { return v.str }
func (v Value) Num() float64    { return v.num }
func (v Value) Bool() bool      { return v.b }
func (v Value) List() []string  { return v.list }

// IsZero 是否为未初始化的值
func (v Value) IsZero() bool { return v.kind == "" }

// Equal 类型与内容均相同
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindStringList:
		return slices.Equal(v.list, o.list)
	}
	return true
}

// Interface 转换为普通 Go 值
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindStringList:
		return slices.Clone(v.list)
	}
	return nil
}

// String 便于日志输出
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindStringList:
		return "[" + strings.Join(v.list, ",") + "]"
	}
	return ""
}

// ValueOf 将普通 Go 值转换为 Value
// 支持 JSON/msgpack 解码产生的数值类型与 []any 字符串列表
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int8:
		return NumberValue(float64(x)), nil
	case int16:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint8:
		return NumberValue(float64(x)), nil
	case uint16:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return NumberValue(n), nil
	case []string:
		return StringListValue(x...), nil
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("list items must be strings, got %T", item)
			}
			items = append(items, s)
		}
		return StringListValue(items...), nil
	case nil:
		return Value{}, fmt.Errorf("null metadata values are not supported")
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", raw)
	}
}

// MarshalJSON 输出为普通 JSON 标量或数组
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON 拒绝嵌套对象与混合列表
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Metadata 记录元数据
type Metadata map[string]Value

// Get 读取字段
func (m Metadata) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m[key]
	return v, ok
}

// GetString 读取字符串字段，非字符串视为不存在
func (m Metadata) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok || v.Kind() != KindString {
		return "", false
	}
	return v.Str(), true
}

// Clone 深拷贝
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if v.kind == KindStringList {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Equal 内容相同
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys 排序后的字段名
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap 转换为 map[string]any，用于各后端的序列化
func (m Metadata) ToMap() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

// MetadataFromMap 从 map[string]any 构造元数据
func MetadataFromMap(raw map[string]any) (Metadata, error) {
	out := make(Metadata, len(raw))
	for k, r := range raw {
		v, err := ValueOf(r)
		if err != nil {
			return nil, fmt.Errorf("metadata field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MetadataSchema 索引级别的可选元数据约束
// 未声明的字段允许写入
type MetadataSchema map[string]ValueKind

// Validate 校验元数据是否符合约束
func (s MetadataSchema) Validate(md Metadata) error {
	for field, kind := range s {
		v, ok := md[field]
		if !ok {
			continue
		}
		if v.Kind() != kind {
			return apperrors.Newf(apperrors.CodeSchemaViolation,
				"field %q must be %s, got %s", field, kind, v.Kind())
		}
	}
	return nil
}

// Check 校验约束自身
func (s MetadataSchema) Check() error {
	for field, kind := range s {
		if field == "" {
			return apperrors.New(apperrors.CodeInvalidParam, "schema field name must not be empty")
		}
		if !kind.Valid() {
			return apperrors.Newf(apperrors.CodeInvalidParam, "schema field %q has unknown kind %q", field, kind)
		}
	}
	return nil
}
