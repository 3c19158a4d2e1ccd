// Package scoring 提供公司属性多维相似度打分
package scoring

import (
	"strings"

	"theodore-ai-api/internal/domain/entity"
)

// Dimension 打分维度
type Dimension string

const (
	DimStage         Dimension = "company_stage"
	DimTech          Dimension = "tech_sophistication"
	DimIndustry      Dimension = "industry"
	DimBusinessModel Dimension = "business_model"
	DimGeography     Dimension = "geographic_scope"
)

// Dimensions 固定顺序，解释文本按此顺序生成
var Dimensions = []Dimension{DimStage, DimTech, DimIndustry, DimBusinessModel, DimGeography}

// Label 维度的可读名称
func (d Dimension) Label() string {
	return strings.ReplaceAll(string(d), "_", " ")
}

// Attributes 公司属性，取自记录元数据中与维度同名的字段
type Attributes struct {
	Stage         string `json:"company_stage,omitempty"`
	Tech          string `json:"tech_sophistication,omitempty"`
	Industry      string `json:"industry,omitempty"`
	BusinessModel string `json:"business_model,omitempty"`
	Geography     string `json:"geographic_scope,omitempty"`
}

// Get 按维度读取规范化后的值
func (a Attributes) Get(d Dimension) string {
	switch d {
	case DimStage:
		return a.Stage
	case DimTech:
		return a.Tech
	case DimIndustry:
		return a.Industry
	case DimBusinessModel:
		return a.BusinessModel
	case DimGeography:
		return a.Geography
	}
	return ""
}

// AttributesFromMetadata 解析元数据；非字符串字段视为缺失
func AttributesFromMetadata(md entity.Metadata) Attributes {
	get := func(d Dimension) string {
		s, _ := md.GetString(string(d))
		return Normalize(s)
	}
	return Attributes{
		Stage:         get(DimStage),
		Tech:          get(DimTech),
		Industry:      get(DimIndustry),
		BusinessModel: get(DimBusinessModel),
		Geography:     get(DimGeography),
	}
}

// ToMetadata 写回元数据，空值不写
func (a Attributes) ToMetadata() entity.Metadata {
	md := entity.Metadata{}
	for _, d := range Dimensions {
		if v := a.Get(d); v != "" {
			md[string(d)] = entity.StringValue(v)
		}
	}
	return md
}

var normalizer = strings.NewReplacer("-", "_", " ", "_", "/", "_")

// Normalize 小写并统一分隔符
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = normalizer.Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
