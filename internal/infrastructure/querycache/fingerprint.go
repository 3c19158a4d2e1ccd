package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"theodore-ai-api/internal/domain/repository"
)

// vectorPrecision 指纹中向量分量保留的小数位
const vectorPrecision = 1e6

type fingerprintInput struct {
	Index           string    `json:"i"`
	Vector          []float64 `json:"v,omitempty"`
	QueryID         string    `json:"q,omitempty"`
	Filter          string    `json:"f,omitempty"`
	TopK            int       `json:"k"`
	Threshold       *float64  `json:"t,omitempty"`
	IncludeVector   bool      `json:"iv"`
	IncludeMetadata bool      `json:"im"`
}

// Fingerprint 检索请求的稳定哈希
func Fingerprint(index string, req *repository.SearchRequest) string {
	in := fingerprintInput{
		Index:           index,
		QueryID:         req.QueryID,
		Filter:          req.Filter.Canonical(),
		TopK:            req.TopK,
		Threshold:       req.Threshold,
		IncludeVector:   req.IncludeVector,
		IncludeMetadata: req.IncludeMetadata,
	}
	if len(req.QueryVector) > 0 {
		in.Vector = make([]float64, len(req.QueryVector))
		for i, x := range req.QueryVector {
			in.Vector[i] = math.Round(float64(x)*vectorPrecision) / vectorPrecision
		}
	}
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cacheKey 组合索引、两级代数与指纹
func cacheKey(index string, localGen, storeGen uint64, fp string) string {
	return fmt.Sprintf("simq:%s:%d.%d:%s", index, localGen, storeGen, fp)
}
