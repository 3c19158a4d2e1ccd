package milvus

import (
	"strconv"
	"strings"

	"theodore-ai-api/internal/domain/entity"
)

// Expr 将过滤条件转换为 Milvus 布尔表达式
// 返回的表达式总是原条件的超集，exact 为 false 时调用方需要多取候选并在本地复核
func Expr(f *entity.Filter) (expr string, exact bool) {
	if f == nil {
		return "", true
	}
	switch f.Op {
	case entity.OpAnd, entity.OpOr:
		joiner := " && "
		if f.Op == entity.OpOr {
			joiner = " || "
		}
		parts := make([]string, 0, len(f.Children))
		exact = true
		for _, c := range f.Children {
			e, ok := Expr(c)
			parts = append(parts, "("+e+")")
			exact = exact && ok
		}
		return strings.Join(parts, joiner), exact
	}

	field := jsonPath(f.Field)
	exists := "exists " + field
	switch f.Op {
	case entity.OpEq:
		if lit, ok := literal(*f.Value); ok {
			return field + " == " + lit, true
		}
	case entity.OpIn:
		lits, strs, ok := literals(f.Values)
		if !ok {
			break
		}
		e := field + " in [" + strings.Join(lits, ", ") + "]"
		if len(strs) > 0 {
			// 列表字段与候选集合有交集即命中
			e = "(" + e + " || json_contains_any(" + field + ", [" + strings.Join(strs, ", ") + "]))"
		}
		return e, true
	case entity.OpRange:
		var parts []string
		r := f.Range
		if r.Gt != nil {
			parts = append(parts, field+" > "+number(*r.Gt))
		}
		if r.Gte != nil {
			parts = append(parts, field+" >= "+number(*r.Gte))
		}
		if r.Lt != nil {
			parts = append(parts, field+" < "+number(*r.Lt))
		}
		if r.Lte != nil {
			parts = append(parts, field+" <= "+number(*r.Lte))
		}
		return strings.Join(parts, " && "), true
	}
	// ne、nin、contains 只下推字段存在性
	return exists, false
}

func jsonPath(field string) string {
	return FieldMetadata + "[" + strconv.Quote(field) + "]"
}

func literal(v entity.Value) (string, bool) {
	switch v.Kind() {
	case entity.KindString:
		return strconv.Quote(v.Str()), true
	case entity.KindNumber:
		return number(v.Num()), true
	case entity.KindBool:
		return strconv.FormatBool(v.Bool()), true
	}
	return "", false
}

func literals(vs []entity.Value) (all, strs []string, ok bool) {
	for _, v := range vs {
		lit, ok := literal(v)
		if !ok {
			return nil, nil, false
		}
		all = append(all, lit)
		if v.Kind() == entity.KindString {
			strs = append(strs, lit)
		}
	}
	return all, strs, true
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// idsExpr 主键集合表达式
func idsExpr(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return FieldID + " in [" + strings.Join(quoted, ", ") + "]"
}
