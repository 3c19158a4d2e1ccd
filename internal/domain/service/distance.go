// Package service 提供领域服务：距离度量、排序与批处理
package service

import (
	"math"

	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

func checkDims(a, b []float32) error {
	if len(a) != len(b) {
		return apperrors.Newf(apperrors.CodeDimensionMismatch, "vector dimensions differ: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return apperrors.New(apperrors.CodeInvalidDimension, "vectors must not be empty")
	}
	return nil
}

// DotProduct 点积
func DotProduct(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	return dot(a, b), nil
}

// EuclideanDistance 欧氏距离
func EuclideanDistance(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// CosineSimilarity 余弦相似度，取值 [-1,1]；任一向量模为 0 时返回 0
func CosineSimilarity(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	na, nb := Magnitude(a), Magnitude(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	c := dot(a, b) / (na * nb)
	// 浮点误差可能略超出 [-1,1]
	return math.Max(-1, math.Min(1, c)), nil
}

// Magnitude 向量模
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize 返回单位向量；零向量原样返回副本
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	m := Magnitude(v)
	if m == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / m)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// NormalizeCosine 余弦相似度映射到 [0,1]，负值截断为 0
func NormalizeCosine(c float64) float64 {
	return clamp01(c)
}

// NormalizeEuclidean 距离映射为 1/(1+d)
func NormalizeEuclidean(d float64) float64 {
	if d < 0 {
		d = 0
	}
	return clamp01(1 / (1 + d))
}

// NormalizeDot 点积经 logistic 映射到 (0,1)
func NormalizeDot(x float64) float64 {
	return clamp01(1 / (1 + math.Exp(-x)))
}

// NormalizeScore 将度量原生值映射为 [0,1] 的 RawScore
// 欧氏度量的原生值为距离，其余为相似度
func NormalizeScore(metric entity.Metric, native float64) float64 {
	switch metric {
	case entity.MetricEuclidean:
		return NormalizeEuclidean(native)
	case entity.MetricDotProduct:
		return NormalizeDot(native)
	default:
		return NormalizeCosine(native)
	}
}

// Similarity 按度量计算归一化相似度
func Similarity(metric entity.Metric, a, b []float32) (float64, error) {
	switch metric {
	case entity.MetricCosine:
		c, err := CosineSimilarity(a, b)
		if err != nil {
			return 0, err
		}
		return NormalizeCosine(c), nil
	case entity.MetricEuclidean:
		d, err := EuclideanDistance(a, b)
		if err != nil {
			return 0, err
		}
		return NormalizeEuclidean(d), nil
	case entity.MetricDotProduct:
		x, err := DotProduct(a, b)
		if err != nil {
			return 0, err
		}
		return NormalizeDot(x), nil
	default:
		return 0, apperrors.Newf(apperrors.CodeInvalidParam, "unknown metric %q", metric)
	}
}

func clamp01(x float64) float64 {
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
