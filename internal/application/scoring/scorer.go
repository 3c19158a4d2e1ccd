package scoring

import (
	"fmt"
	"math"

	apperrors "theodore-ai-api/pkg/errors"
)

// weightTolerance 权重之和允许的误差
const weightTolerance = 1e-9

// neutralScore 缺失值的中性得分
const neutralScore = 0.5

// Weights 维度权重
type Weights map[Dimension]float64

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		DimStage:         0.30,
		DimTech:          0.25,
		DimIndustry:      0.20,
		DimBusinessModel: 0.15,
		DimGeography:     0.10,
	}
}

// Sum 权重之和
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

// Validate 权重非负且和为 1
func (w Weights) Validate() error {
	for d, v := range w {
		if v < 0 || math.IsNaN(v) {
			return apperrors.Newf(apperrors.CodeInvalidParam, "weight for %s must be non-negative", d)
		}
		known := false
		for _, dim := range Dimensions {
			if d == dim {
				known = true
				break
			}
		}
		if !known {
			return apperrors.Newf(apperrors.CodeInvalidParam, "unknown scoring dimension %q", d)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		return apperrors.Newf(apperrors.CodeInvalidParam, "weights must sum to 1.0, got %.9f", sum)
	}
	return nil
}

// MissingStrategy 缺失属性的处理方式
type MissingStrategy string

const (
	// MissingNeutral 缺失维度计 0.5 并降低置信度
	MissingNeutral MissingStrategy = "neutral"
	// MissingRenormalize 排除缺失维度并对其余权重重新归一化
	MissingRenormalize MissingStrategy = "renormalize"
)

// Config 打分参数
type Config struct {
	Weights         Weights
	ConfidenceFloor float64
	HighThreshold   float64
	LowThreshold    float64
	MissingStrategy MissingStrategy
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		ConfidenceFloor: 0.5,
		HighThreshold:   0.8,
		LowThreshold:    0.3,
		MissingStrategy: MissingNeutral,
	}
}

// BlendedMatch 多维打分结果
type BlendedMatch struct {
	CandidateID     string             `json:"candidate_id"`
	OverallScore    float64            `json:"overall_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Confidence      float64            `json:"confidence"`
	Explanation     []string           `json:"explanation"`
}

// Scorer 属性相似度打分器，纯函数且并发安全
type Scorer struct {
	cfg Config
}

// Validate 校验参数；零值均为合法取值，不做默认填充
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.MissingStrategy != MissingNeutral && c.MissingStrategy != MissingRenormalize {
		return apperrors.Newf(apperrors.CodeInvalidParam, "unknown missing strategy %q", c.MissingStrategy)
	}
	for name, v := range map[string]float64{
		"confidence_floor": c.ConfidenceFloor,
		"high_threshold":   c.HighThreshold,
		"low_threshold":    c.LowThreshold,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return apperrors.Newf(apperrors.CodeInvalidParam, "%s must be in [0,1], got %g", name, v)
		}
	}
	if c.LowThreshold > c.HighThreshold {
		return apperrors.Newf(apperrors.CodeInvalidParam, "low_threshold %g exceeds high_threshold %g", c.LowThreshold, c.HighThreshold)
	}
	return nil
}

// NewScorer 创建打分器，cfg 须完整，可从 DefaultConfig 开始修改
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Config 当前参数
func (s *Scorer) Config() Config { return s.cfg }

// dimensionResult 单维度打分
type dimensionResult struct {
	score      float64
	confidence float64
	known      bool
	a, b       string
}

// compare 比较单个维度；任一侧未知时返回中性分
func (s *Scorer) compare(d Dimension, candidate, target string) dimensionResult {
	unknown := dimensionResult{score: neutralScore, confidence: s.cfg.ConfidenceFloor}

	var (
		a, b   = candidate, target
		okA    bool
		okB    bool
		scorer func(a, b string) float64
	)
	switch d {
	case DimStage:
		a, okA = stageScale.canonical(a)
		b, okB = stageScale.canonical(b)
		scorer = stageScale.score
	case DimTech:
		a, okA = techScale.canonical(a)
		b, okB = techScale.canonical(b)
		scorer = techScale.score
	case DimGeography:
		a, okA = geographyScale.canonical(a)
		b, okB = geographyScale.canonical(b)
		scorer = geographyScale.score
	case DimBusinessModel:
		a, okA = canonicalBusinessModel(a)
		b, okB = canonicalBusinessModel(b)
		scorer = businessModelScore
	case DimIndustry:
		okA, okB = a != "", b != ""
		scorer = industryScore
	default:
		return unknown
	}
	if !okA || !okB {
		return unknown
	}
	return dimensionResult{score: scorer(a, b), confidence: 1, known: true, a: a, b: b}
}

// Score 使用配置的权重打分
func (s *Scorer) Score(candidate, target Attributes) BlendedMatch {
	return s.ScoreWithWeights(candidate, target, s.cfg.Weights)
}

// ScoreWithWeights 使用给定权重打分；weights 需已通过校验
func (s *Scorer) ScoreWithWeights(candidate, target Attributes, weights Weights) BlendedMatch {
	results := make(map[Dimension]dimensionResult, len(Dimensions))
	for _, d := range Dimensions {
		results[d] = s.compare(d, candidate.Get(d), target.Get(d))
	}

	effective, knownWeight := weights, 1.0
	if s.cfg.MissingStrategy == MissingRenormalize {
		effective, knownWeight = renormalize(weights, results)
	}

	match := BlendedMatch{
		DimensionScores: make(map[string]float64, len(Dimensions)),
		Explanation:     make([]string, 0, len(Dimensions)),
	}
	if effective == nil {
		// 全部缺失：中性分与最低置信度
		for _, d := range Dimensions {
			match.DimensionScores[string(d)] = neutralScore
			match.Explanation = append(match.Explanation, "unknown "+d.Label())
		}
		match.OverallScore = neutralScore
		match.Confidence = s.cfg.ConfidenceFloor
		return match
	}

	for _, d := range Dimensions {
		r := results[d]
		match.DimensionScores[string(d)] = r.score
		w := effective[d]
		match.OverallScore += r.score * w
		match.Confidence += r.confidence * w
		if line := s.explain(d, r); line != "" {
			match.Explanation = append(match.Explanation, line)
		}
	}
	if s.cfg.MissingStrategy == MissingRenormalize {
		// 置信度反映被排除的权重占比
		match.Confidence = knownWeight + (1-knownWeight)*s.cfg.ConfidenceFloor
	}
	match.OverallScore = clamp01(match.OverallScore)
	match.Confidence = clamp01(match.Confidence)
	return match
}

// explain 按分桶生成解释文本
func (s *Scorer) explain(d Dimension, r dimensionResult) string {
	switch {
	case !r.known:
		return "unknown " + d.Label()
	case r.score >= s.cfg.HighThreshold:
		return fmt.Sprintf("very similar %s: %s", d.Label(), r.a)
	case r.score <= s.cfg.LowThreshold:
		return fmt.Sprintf("different %s: %s vs %s", d.Label(), r.a, r.b)
	}
	return ""
}

// renormalize 去掉未知维度后重新归一化，同时返回已知维度的原始权重和；全部未知时返回 nil
func renormalize(weights Weights, results map[Dimension]dimensionResult) (Weights, float64) {
	var total float64
	for _, d := range Dimensions {
		if results[d].known {
			total += weights[d]
		}
	}
	if total == 0 {
		return nil, 0
	}
	out := make(Weights, len(weights))
	for _, d := range Dimensions {
		if results[d].known {
			out[d] = weights[d] / total
		}
	}
	return out, total
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
