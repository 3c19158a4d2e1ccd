package postgres

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"theodore-ai-api/internal/domain/entity"
)

// hnswMaxDimension pgvector HNSW 索引支持的最大维度，超出时退化为顺序扫描
const hnswMaxDimension = 2000

// TableName 索引对应的数据表名（已加引号）
func TableName(index string) string {
	return `"vec_` + index + `"`
}

// opClass 度量对应的 pgvector 操作符类与距离操作符
func opClass(m entity.Metric) (ops, operator string) {
	switch m {
	case entity.MetricEuclidean:
		return "vector_l2_ops", "<->"
	case entity.MetricDotProduct:
		return "vector_ip_ops", "<#>"
	default:
		return "vector_cosine_ops", "<=>"
	}
}

// VectorLiteral pgvector 文本格式
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector 解析 pgvector 文本格式
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Where 将过滤表达式转换为基于 jsonb 的 SQL 条件
// 所有操作符都能精确表达，返回的参数按 ? 占位符顺序排列
func Where(f *entity.Filter) (string, []any, error) {
	if f == nil {
		return "TRUE", nil, nil
	}
	var w whereBuilder
	if err := w.build(f); err != nil {
		return "", nil, err
	}
	return w.sql.String(), w.args, nil
}

type whereBuilder struct {
	sql  strings.Builder
	args []any
}

func (w *whereBuilder) write(s string, args ...any) {
	w.sql.WriteString(s)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) build(f *entity.Filter) error {
	switch f.Op {
	case entity.OpAnd, entity.OpOr:
		joiner := " AND "
		if f.Op == entity.OpOr {
			joiner = " OR "
		}
		w.write("(")
		for i, c := range f.Children {
			if i > 0 {
				w.write(joiner)
			}
			if err := w.build(c); err != nil {
				return err
			}
		}
		w.write(")")
		return nil
	case entity.OpEq:
		return w.equals(f.Field, *f.Value)
	case entity.OpNe:
		w.write("(jsonb_exists(metadata, ?::text) AND NOT ", f.Field)
		if err := w.equals(f.Field, *f.Value); err != nil {
			return err
		}
		w.write(")")
		return nil
	case entity.OpIn:
		return w.in(f.Field, f.Values)
	case entity.OpNotIn:
		w.write("(jsonb_exists(metadata, ?::text) AND NOT ", f.Field)
		if err := w.in(f.Field, f.Values); err != nil {
			return err
		}
		w.write(")")
		return nil
	case entity.OpRange:
		w.rangeCond(f.Field, f.Range)
		return nil
	case entity.OpContains:
		needle := f.Value.Str()
		list, err := json.Marshal([]string{needle})
		if err != nil {
			return err
		}
		w.write("((metadata -> ?::text) @> ?::jsonb OR (jsonb_typeof(metadata -> ?::text) = 'string' AND strpos(metadata ->> ?::text, ?::text) > 0))",
			f.Field, string(list), f.Field, f.Field, needle)
		return nil
	}
	return fmt.Errorf("unsupported filter operator %q", f.Op)
}

// equals 字段值与给定值的 jsonb 相等，列表按顺序比较
func (w *whereBuilder) equals(field string, v entity.Value) error {
	doc, err := json.Marshal(v.Interface())
	if err != nil {
		return err
	}
	w.write("(metadata -> ?::text) = ?::jsonb", field, string(doc))
	return nil
}

// in 标量等于任一候选值，或字符串列表与候选集合有交集
func (w *whereBuilder) in(field string, values []entity.Value) error {
	w.write("(")
	first := true
	var strs []any
	for _, v := range values {
		if v.Kind() == entity.KindString {
			strs = append(strs, v.Str())
			continue
		}
		if !first {
			w.write(" OR ")
		}
		first = false
		if err := w.equals(field, v); err != nil {
			return err
		}
	}
	if len(strs) > 0 {
		if !first {
			w.write(" OR ")
		}
		// jsonb_exists_any 对字符串与字符串数组都按元素匹配
		placeholders := strings.TrimSuffix(strings.Repeat("?::text, ", len(strs)), ", ")
		w.write("jsonb_exists_any(metadata -> ?::text, ARRAY["+placeholders+"])", append([]any{field}, strs...)...)
	}
	w.write(")")
	return nil
}

func (w *whereBuilder) rangeCond(field string, r *entity.RangeBound) {
	// CASE 保证非数值字段不会进入类型转换
	num := "(CASE WHEN jsonb_typeof(metadata -> ?::text) = 'number' THEN (metadata ->> ?::text)::float8 END)"
	parts := 0
	bound := func(op string, x *float64) {
		if x == nil {
			return
		}
		if parts > 0 {
			w.write(" AND ")
		}
		parts++
		w.write(num+" "+op+" ?::float8", field, field, *x)
	}
	w.write("(")
	bound(">", r.Gt)
	bound(">=", r.Gte)
	bound("<", r.Lt)
	bound("<=", r.Lte)
	w.write(")")
}
