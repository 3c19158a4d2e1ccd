package service

import (
	"sort"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
)

// SortMatches RawScore 降序，同分按 ID 升序
func SortMatches(matches []entity.SimilarityMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].RawScore != matches[j].RawScore {
			return matches[i].RawScore > matches[j].RawScore
		}
		return matches[i].ID < matches[j].ID
	})
}

// Ranker 累积候选记录并生成有序检索结果
// 供暴力检索后端与远端后端的本地复核共用
type Ranker struct {
	metric    entity.Metric
	query     []float32
	req       *repository.SearchRequest
	excludeID string
	matches   []entity.SimilarityMatch
}

// NewRanker 创建排序器；req.QueryID 非空时该记录会被排除
func NewRanker(metric entity.Metric, query []float32, req *repository.SearchRequest) *Ranker {
	return &Ranker{
		metric:    metric,
		query:     query,
		req:       req,
		excludeID: req.QueryID,
	}
}

// Offer 计算记录得分并按过滤条件与阈值决定是否保留
func (r *Ranker) Offer(rec *entity.VectorRecord) error {
	if rec.ID == r.excludeID {
		return nil
	}
	if !r.req.Filter.Match(rec.Metadata) {
		return nil
	}
	score, err := Similarity(r.metric, r.query, rec.Vector)
	if err != nil {
		return err
	}
	r.keep(rec, score)
	return nil
}

// OfferScored 保留已由后端计算好归一化分数的记录
func (r *Ranker) OfferScored(rec *entity.VectorRecord, score float64) {
	if rec.ID == r.excludeID {
		return
	}
	if !r.req.Filter.Match(rec.Metadata) {
		return
	}
	r.keep(rec, clamp01(score))
}

func (r *Ranker) keep(rec *entity.VectorRecord, score float64) {
	if r.req.Threshold != nil && score < *r.req.Threshold {
		return
	}
	m := entity.SimilarityMatch{ID: rec.ID, RawScore: score}
	if r.req.IncludeMetadata {
		m.Metadata = rec.Metadata.Clone()
	}
	if r.req.IncludeVector {
		m.Vector = append([]float32(nil), rec.Vector...)
	}
	r.matches = append(r.matches, m)
}

// Result 排序并截断到 TopK
func (r *Ranker) Result() *repository.SearchResult {
	SortMatches(r.matches)
	total := len(r.matches)
	out := r.matches
	if len(out) > r.req.TopK {
		out = out[:r.req.TopK]
	}
	if out == nil {
		out = []entity.SimilarityMatch{}
	}
	return &repository.SearchResult{
		Matches:         out,
		TotalCandidates: total,
		HasMore:         total > r.req.TopK,
	}
}

const (
	// maxFetchLimit 远端后端单次召回上限
	maxFetchLimit = 16384
	// looseFetchFactor 过滤条件无法完整下推时的多取倍数
	looseFetchFactor = 4
	minLooseFetch    = 64
)

// FetchLimit 远端检索时向后端请求的候选数
// 额外多取两条：一条留给被排除的查询记录，一条用于判断 HasMore
func FetchLimit(topK int, exact bool) int {
	limit := topK + 2
	if !exact {
		limit *= looseFetchFactor
		if limit < minLooseFetch {
			limit = minLooseFetch
		}
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}
	return limit
}
