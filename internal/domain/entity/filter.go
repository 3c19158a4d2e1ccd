package entity

import (
	"encoding/json"
	"sort"
	"strings"

	apperrors "theodore-ai-api/pkg/errors"
)

// FilterOp 过滤操作符
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpIn       FilterOp = "in"
	OpNotIn    FilterOp = "nin"
	OpRange    FilterOp = "range"
	OpContains FilterOp = "contains"
	OpAnd      FilterOp = "and"
	OpOr       FilterOp = "or"
)

// RangeBound 数值范围，至少需要一个边界
type RangeBound struct {
	Gt  *float64 `json:"gt,omitempty"`
	Gte *float64 `json:"gte,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
}

// Empty 没有任何边界
func (r RangeBound) Empty() bool {
	return r.Gt == nil && r.Gte == nil && r.Lt == nil && r.Lte == nil
}

// Contains 数值是否落在范围内
func (r RangeBound) Contains(n float64) bool {
	if r.Gt != nil && !(n > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(n >= *r.Gte) {
		return false
	}
	if r.Lt != nil && !(n < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(n <= *r.Lte) {
		return false
	}
	return true
}

// Filter 元数据过滤表达式树
// 叶子节点引用不存在的字段时，任何操作符均求值为 false
type Filter struct {
	Op       FilterOp    `json:"op"`
	Field    string      `json:"field,omitempty"`
	Value    *Value      `json:"value,omitempty"`
	Values   []Value     `json:"values,omitempty"`
	Range    *RangeBound `json:"range,omitempty"`
	Children []*Filter   `json:"children,omitempty"`
}

func Eq(field string, v Value) *Filter  { return &Filter{Op: OpEq, Field: field, Value: &v} }
func Ne(field string, v Value) *Filter  { return &Filter{Op: OpNe, Field: field, Value: &v} }
func In(field string, vs ...Value) *Filter {
	return &Filter{Op: OpIn, Field: field, Values: vs}
}
func NotIn(field string, vs ...Value) *Filter {
	return &Filter{Op: OpNotIn, Field: field, Values: vs}
}
func Range(field string, r RangeBound) *Filter {
	return &Filter{Op: OpRange, Field: field, Range: &r}
}
func Contains(field, needle string) *Filter {
	v := StringValue(needle)
	return &Filter{Op: OpContains, Field: field, Value: &v}
}
func AllOf(children ...*Filter) *Filter { return &Filter{Op: OpAnd, Children: children} }
func AnyOf(children ...*Filter) *Filter { return &Filter{Op: OpOr, Children: children} }

// Float 便于构造范围边界
func Float(f float64) *float64 { return &f }

// Validate 校验表达式结构
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	invalid := func(format string, args ...any) error {
		return apperrors.Newf(apperrors.CodeInvalidFilter, format, args...)
	}

	switch f.Op {
	case OpAnd, OpOr:
		if len(f.Children) == 0 {
			return invalid("%s filter requires at least one child", f.Op)
		}
		for _, c := range f.Children {
			if c == nil {
				return invalid("%s filter has a nil child", f.Op)
			}
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpEq, OpNe, OpIn, OpNotIn, OpRange, OpContains:
	default:
		return invalid("unknown filter operator %q", f.Op)
	}

	if strings.TrimSpace(f.Field) == "" {
		return invalid("%s filter requires a field", f.Op)
	}
	switch f.Op {
	case OpEq, OpNe:
		if f.Value == nil || f.Value.IsZero() {
			return invalid("%s filter on %q requires a value", f.Op, f.Field)
		}
	case OpIn, OpNotIn:
		if len(f.Values) == 0 {
			return invalid("%s filter on %q requires a non-empty value set", f.Op, f.Field)
		}
		for _, v := range f.Values {
			if v.IsZero() || v.Kind() == KindStringList {
				return invalid("%s filter on %q accepts scalar values only", f.Op, f.Field)
			}
		}
	case OpRange:
		if f.Range == nil || f.Range.Empty() {
			return invalid("range filter on %q requires at least one bound", f.Field)
		}
	case OpContains:
		if f.Value == nil || f.Value.Kind() != KindString {
			return invalid("contains filter on %q requires a string value", f.Field)
		}
	}
	return nil
}

// Match 对元数据求值
func (f *Filter) Match(md Metadata) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			if !c.Match(md) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if c.Match(md) {
				return true
			}
		}
		return false
	}

	v, ok := md.Get(f.Field)
	if !ok {
		return false
	}

	switch f.Op {
	case OpEq:
		return v.Equal(*f.Value)
	case OpNe:
		return !v.Equal(*f.Value)
	case OpIn:
		return matchesAny(v, f.Values)
	case OpNotIn:
		return !matchesAny(v, f.Values)
	case OpRange:
		return v.Kind() == KindNumber && f.Range.Contains(v.Num())
	case OpContains:
		needle := f.Value.Str()
		switch v.Kind() {
		case KindStringList:
			for _, item := range v.List() {
				if item == needle {
					return true
				}
			}
			return false
		case KindString:
			return strings.Contains(v.Str(), needle)
		}
		return false
	}
	return false
}

// matchesAny 标量字段等于任一候选值；列表字段与候选集合有交集
func matchesAny(v Value, candidates []Value) bool {
	if v.Kind() == KindStringList {
		for _, item := range v.List() {
			for _, c := range candidates {
				if c.Kind() == KindString && c.Str() == item {
					return true
				}
			}
		}
		return false
	}
	for _, c := range candidates {
		if v.Equal(c) {
			return true
		}
	}
	return false
}

// Canonical 稳定的序列化形式，用于缓存指纹
// and/or 子节点与 in/nin 取值按序列化结果排序，等价写法得到相同结果
func (f *Filter) Canonical() string {
	if f == nil {
		return ""
	}
	data, err := json.Marshal(f.canonicalTree())
	if err != nil {
		return ""
	}
	return string(data)
}

// canonicalTree 返回排序后的副本，不修改原树
func (f *Filter) canonicalTree() *Filter {
	out := *f
	switch f.Op {
	case OpAnd, OpOr:
		type keyed struct {
			key  string
			node *Filter
		}
		children := make([]keyed, 0, len(f.Children))
		for _, c := range f.Children {
			if c == nil {
				continue
			}
			node := c.canonicalTree()
			data, _ := json.Marshal(node)
			children = append(children, keyed{key: string(data), node: node})
		}
		sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })
		out.Children = make([]*Filter, len(children))
		for i, c := range children {
			out.Children[i] = c.node
		}
	case OpIn, OpNotIn:
		keys := make([]string, len(f.Values))
		for i, v := range f.Values {
			data, _ := json.Marshal(v)
			keys[i] = string(data)
		}
		idx := make([]int, len(f.Values))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
		out.Values = make([]Value, len(f.Values))
		for i, j := range idx {
			out.Values[i] = f.Values[j]
		}
	}
	return &out
}

// Fields 表达式引用的全部字段
func (f *Filter) Fields() []string {
	if f == nil {
		return nil
	}
	if f.Op == OpAnd || f.Op == OpOr {
		var out []string
		for _, c := range f.Children {
			out = append(out, c.Fields()...)
		}
		return out
	}
	return []string{f.Field}
}
