package qdrant

import (
	"strings"

	qd "github.com/qdrant/go-client/qdrant"

	"theodore-ai-api/internal/domain/entity"
)

// Filter 将过滤表达式转换为 Qdrant 过滤条件
// 返回的条件总是原表达式的超集；exact 为 false 时调用方需要多取候选并在本地复核
func Filter(f *entity.Filter) (*qd.Filter, bool) {
	if f == nil {
		return nil, true
	}
	cond, exact := condition(f)
	if cond == nil {
		return nil, false
	}
	return &qd.Filter{Must: []*qd.Condition{cond}}, exact
}

// condition 返回 nil 表示该节点无法下推
func condition(f *entity.Filter) (*qd.Condition, bool) {
	switch f.Op {
	case entity.OpAnd:
		var must []*qd.Condition
		exact := true
		for _, c := range f.Children {
			cond, ok := condition(c)
			exact = exact && ok
			if cond != nil {
				must = append(must, cond)
			}
		}
		if len(must) == 0 {
			return nil, false
		}
		return qd.NewFilterAsCondition(&qd.Filter{Must: must}), exact
	case entity.OpOr:
		should := make([]*qd.Condition, 0, len(f.Children))
		exact := true
		for _, c := range f.Children {
			cond, ok := condition(c)
			if cond == nil {
				// 任一分支无法约束时整个 or 都无法约束
				return nil, false
			}
			exact = exact && ok
			should = append(should, cond)
		}
		return qd.NewFilterAsCondition(&qd.Filter{Should: should}), exact
	}

	if !plainField(f.Field) {
		return nil, false
	}

	switch f.Op {
	case entity.OpEq:
		return eqCondition(f.Field, *f.Value)
	case entity.OpIn:
		return inCondition(f.Field, f.Values), true
	case entity.OpRange:
		r := f.Range
		return qd.NewRange(kindPath(entity.KindNumber, f.Field), &qd.Range{
			Gt:  r.Gt,
			Gte: r.Gte,
			Lt:  r.Lt,
			Lte: r.Lte,
		}), true
	case entity.OpContains:
		// 列表元素精确命中，字符串子串只能下推存在性
		return qd.NewFilterAsCondition(&qd.Filter{Should: []*qd.Condition{
			qd.NewMatchKeyword(kindPath(entity.KindStringList, f.Field), f.Value.Str()),
			notEmpty(kindPath(entity.KindString, f.Field)),
		}}), false
	}
	// ne 与 nin 对空列表字段同样成立，无法给出安全的超集条件
	return nil, false
}

func eqCondition(field string, v entity.Value) (*qd.Condition, bool) {
	switch v.Kind() {
	case entity.KindString:
		return qd.NewMatchKeyword(kindPath(entity.KindString, field), v.Str()), true
	case entity.KindNumber:
		return numberEq(field, v.Num()), true
	case entity.KindBool:
		return qd.NewMatchBool(kindPath(entity.KindBool, field), v.Bool()), true
	}
	return nil, false
}

func inCondition(field string, values []entity.Value) *qd.Condition {
	var strs []string
	var should []*qd.Condition
	for _, v := range values {
		switch v.Kind() {
		case entity.KindString:
			strs = append(strs, v.Str())
		case entity.KindNumber:
			should = append(should, numberEq(field, v.Num()))
		case entity.KindBool:
			should = append(should, qd.NewMatchBool(kindPath(entity.KindBool, field), v.Bool()))
		}
	}
	if len(strs) > 0 {
		should = append(should,
			qd.NewMatchKeywords(kindPath(entity.KindString, field), strs...),
			qd.NewMatchKeywords(kindPath(entity.KindStringList, field), strs...),
		)
	}
	return qd.NewFilterAsCondition(&qd.Filter{Should: should})
}

func numberEq(field string, n float64) *qd.Condition {
	return qd.NewRange(kindPath(entity.KindNumber, field), &qd.Range{Gte: &n, Lte: &n})
}

func notEmpty(path string) *qd.Condition {
	return qd.NewFilterAsCondition(&qd.Filter{MustNot: []*qd.Condition{qd.NewIsEmpty(path)}})
}

// plainField 载荷路径语法中的特殊字符无法安全转义
func plainField(field string) bool {
	return !strings.ContainsAny(field, ".[]\" ")
}
