// Package similarity 提供相似公司查找的编排
package similarity

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"theodore-ai-api/internal/application/scoring"
	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/domain/service"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
	"theodore-ai-api/pkg/tracer"
)

// VectorDimension 混合打分中向量相似度所用的维度名
const VectorDimension = "vector"

// Config 查找参数
type Config struct {
	OverFetchFactor  int
	VectorWeight     float64
	WorkerCap        int
	RequestTimeout   time.Duration
	DefaultTopK      int
	MaxTopK          int
	BatchConcurrency int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		OverFetchFactor:  5,
		VectorWeight:     0.25,
		WorkerCap:        8,
		RequestTimeout:   10 * time.Second,
		DefaultTopK:      10,
		MaxTopK:          100,
		BatchConcurrency: service.DefaultBatchConcurrency,
	}
}

// FindSimilarRequest 查找请求
// CandidatePool 非空时跳过向量检索，只在给定候选中打分
type FindSimilarRequest struct {
	Index           string         `json:"index"`
	TargetID        string         `json:"target_id"`
	CandidatePool   []string       `json:"candidate_pool,omitempty"`
	TopK            int            `json:"top_k"`
	MinOverallScore float64        `json:"min_overall_score"`
	Filter          *entity.Filter `json:"filter,omitempty"`
}

// Match 带向量分与元数据的打分结果
// AttributeScore 为混合向量分之前的属性分
type Match struct {
	scoring.BlendedMatch
	AttributeScore float64         `json:"attribute_score"`
	RawScore       float64         `json:"raw_score"`
	Metadata       entity.Metadata `json:"metadata,omitempty"`
}

// PatternSummary 结果集的共性
type PatternSummary struct {
	CommonStage    string  `json:"common_stage,omitempty"`
	CommonTech     string  `json:"common_tech,omitempty"`
	CommonIndustry string  `json:"common_industry,omitempty"`
	AverageScore   float64 `json:"average_score"`
	Count          int     `json:"count"`
}

// FindSimilarResult 查找结果
type FindSimilarResult struct {
	TargetID             string         `json:"target_id"`
	Matches              []Match        `json:"matches"`
	Summary              PatternSummary `json:"summary"`
	CandidatesConsidered int            `json:"candidates_considered"`
}

// Finder 相似公司查找
type Finder struct {
	repo   repository.VectorRepository
	scorer *scoring.Scorer
	cfg    Config
}

// NewFinder 创建查找器
func NewFinder(repo repository.VectorRepository, scorer *scoring.Scorer, cfg Config) *Finder {
	def := DefaultConfig()
	if cfg.OverFetchFactor <= 0 {
		cfg.OverFetchFactor = def.OverFetchFactor
	}
	if cfg.WorkerCap <= 0 {
		cfg.WorkerCap = def.WorkerCap
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.MaxTopK < cfg.DefaultTopK {
		cfg.MaxTopK = cfg.DefaultTopK
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.VectorWeight < 0 || cfg.VectorWeight >= 1 {
		cfg.VectorWeight = def.VectorWeight
	}
	return &Finder{repo: repo, scorer: scorer, cfg: cfg}
}

// candidate 待打分的候选
type candidate struct {
	id       string
	raw      float64
	metadata entity.Metadata
}

// FindSimilar 查找与目标相似的公司
func (f *Finder) FindSimilar(ctx context.Context, req FindSimilarRequest) (*FindSimilarResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "similarity.FindSimilar",
		trace.WithAttributes(
			attribute.String("index", req.Index),
			attribute.String("target_id", req.TargetID),
			attribute.Int("candidate_pool", len(req.CandidatePool)),
		))
	defer span.End()

	result, err := f.find(ctx, &req)
	metrics.SimilarityFindDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		appErr := apperrors.AsAppError(err)
		metrics.SimilarityFindTotal.WithLabelValues(string(appErr.Code)).Inc()
		logger.Warn(ctx, "find similar failed", "index", req.Index, "target_id", req.TargetID, "error", err.Error())
		return nil, err
	}
	metrics.SimilarityFindTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("matches", len(result.Matches)))
	return result, nil
}

func (f *Finder) find(ctx context.Context, req *FindSimilarRequest) (*FindSimilarResult, error) {
	if err := f.normalize(req); err != nil {
		return nil, err
	}

	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	target, err := f.repo.Get(ctx, req.Index, req.TargetID)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	var candidates []candidate
	if len(req.CandidatePool) > 0 {
		candidates, err = f.poolCandidates(ctx, req, target)
	} else {
		candidates, err = f.searchCandidates(ctx, req)
	}
	if err != nil {
		return nil, mapError(ctx, err)
	}

	matches, err := f.scoreAll(ctx, scoring.AttributesFromMetadata(target.Metadata), candidates)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	// 门槛同时作用于属性分与混合分，向量相近不能抵消属性差异
	kept := matches[:0]
	for _, m := range matches {
		if m.CandidateID == req.TargetID || m.AttributeScore < req.MinOverallScore || m.OverallScore < req.MinOverallScore {
			continue
		}
		kept = append(kept, m)
	}
	sortMatches(kept)
	if len(kept) > req.TopK {
		kept = kept[:req.TopK]
	}

	// 超时后丢弃部分结果
	if err := ctx.Err(); err != nil {
		return nil, mapError(ctx, err)
	}

	return &FindSimilarResult{
		TargetID:             req.TargetID,
		Matches:              kept,
		Summary:              summarize(kept),
		CandidatesConsidered: len(candidates),
	}, nil
}

// normalize 校验并补全请求
func (f *Finder) normalize(req *FindSimilarRequest) error {
	if err := entity.ValidateIndexName(req.Index); err != nil {
		return err
	}
	if err := entity.ValidateRecordID(req.TargetID); err != nil {
		return err
	}
	if req.TopK == 0 {
		req.TopK = f.cfg.DefaultTopK
	}
	if req.TopK < 0 || req.TopK > f.cfg.MaxTopK {
		return apperrors.Newf(apperrors.CodeInvalidParam, "top_k must be in [1,%d], got %d", f.cfg.MaxTopK, req.TopK)
	}
	if req.MinOverallScore < 0 || req.MinOverallScore > 1 {
		return apperrors.Newf(apperrors.CodeInvalidParam, "min_overall_score must be in [0,1], got %g", req.MinOverallScore)
	}
	return req.Filter.Validate()
}

// searchCandidates 以目标向量检索，按 OverFetchFactor 多取候选
func (f *Finder) searchCandidates(ctx context.Context, req *FindSimilarRequest) ([]candidate, error) {
	topK := req.TopK * f.cfg.OverFetchFactor
	if topK > repository.MaxTopK {
		topK = repository.MaxTopK
	}
	res, err := f.repo.Search(ctx, req.Index, &repository.SearchRequest{
		QueryID:         req.TargetID,
		TopK:            topK,
		Filter:          req.Filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(res.Matches))
	for _, m := range res.Matches {
		out = append(out, candidate{id: m.ID, raw: m.RawScore, metadata: m.Metadata})
	}
	return out, nil
}

// poolCandidates 并发读取候选池并按索引度量在本地计算向量分
// 不存在的候选被跳过
func (f *Finder) poolCandidates(ctx context.Context, req *FindSimilarRequest, target *entity.VectorRecord) ([]candidate, error) {
	desc, err := f.repo.DescribeIndex(ctx, req.Index)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.CandidatePool))
	seen := make(map[string]struct{}, len(req.CandidatePool))
	for _, id := range req.CandidatePool {
		if id == req.TargetID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	records := make([]*entity.VectorRecord, len(ids))
	errs := service.RunBatch(ctx, len(ids), f.cfg.BatchConcurrency, func(ctx context.Context, i int) error {
		rec, err := f.repo.Get(ctx, req.Index, ids[i])
		if err != nil {
			return err
		}
		records[i] = rec
		return nil
	})

	out := make([]candidate, 0, len(ids))
	for i, err := range errs {
		if err != nil {
			if apperrors.Is(err, apperrors.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		rec := records[i]
		if !req.Filter.Match(rec.Metadata) {
			continue
		}
		raw, err := service.Similarity(desc.Metric, target.Vector, rec.Vector)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{id: rec.ID, raw: raw, metadata: rec.Metadata})
	}
	return out, nil
}

// scoreAll 有限并发打分
func (f *Finder) scoreAll(ctx context.Context, target scoring.Attributes, candidates []candidate) ([]Match, error) {
	matches := make([]Match, len(candidates))
	workers := runtime.GOMAXPROCS(0)
	if workers > f.cfg.WorkerCap {
		workers = f.cfg.WorkerCap
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			matches[i] = f.blend(candidates[i], target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

// blend 属性分与向量分按 VectorWeight 混合
func (f *Finder) blend(c candidate, target scoring.Attributes) Match {
	attr := f.scorer.Score(scoring.AttributesFromMetadata(c.metadata), target)
	attr.CandidateID = c.id
	attrScore := attr.OverallScore

	vw := f.cfg.VectorWeight
	if vw > 0 {
		attr.OverallScore = (1-vw)*attr.OverallScore + vw*c.raw
		attr.Confidence = (1-vw)*attr.Confidence + vw
		attr.DimensionScores[VectorDimension] = c.raw
		if c.raw >= f.scorer.Config().HighThreshold {
			attr.Explanation = append(attr.Explanation, "very similar vector profile")
		}
	}
	return Match{BlendedMatch: attr, AttributeScore: attrScore, RawScore: c.raw, Metadata: c.metadata}
}

// sortMatches 综合分降序，其次向量分降序，最后按 ID 升序
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.OverallScore != b.OverallScore {
			return a.OverallScore > b.OverallScore
		}
		if a.RawScore != b.RawScore {
			return a.RawScore > b.RawScore
		}
		return a.CandidateID < b.CandidateID
	})
}

// summarize 统计最常见的阶段、技术水平与行业；并列时取字典序最小
func summarize(matches []Match) PatternSummary {
	summary := PatternSummary{Count: len(matches)}
	if len(matches) == 0 {
		return summary
	}
	stages := map[string]int{}
	techs := map[string]int{}
	industries := map[string]int{}
	var total float64
	for _, m := range matches {
		attrs := scoring.AttributesFromMetadata(m.Metadata)
		if attrs.Stage != "" {
			stages[attrs.Stage]++
		}
		if attrs.Tech != "" {
			techs[attrs.Tech]++
		}
		if attrs.Industry != "" {
			industries[attrs.Industry]++
		}
		total += m.OverallScore
	}
	summary.CommonStage = mostCommon(stages)
	summary.CommonTech = mostCommon(techs)
	summary.CommonIndustry = mostCommon(industries)
	summary.AverageScore = total / float64(len(matches))
	return summary
}

func mostCommon(counts map[string]int) string {
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && strings.Compare(v, best) < 0) {
			best, bestN = v, n
		}
	}
	return best
}

// mapError 将错误归入调用方可见的稳定类别
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || apperrors.CategoryOf(err) == apperrors.CategoryDeadline {
		if apperrors.Is(err, apperrors.ErrDeadlineExceeded) {
			return err
		}
		return apperrors.Wrap(err, apperrors.CodeDeadlineExceeded, "find similar deadline exceeded")
	}
	if apperrors.IsTransient(err) {
		if apperrors.Is(err, apperrors.ErrServiceUnavailable) {
			return err
		}
		return apperrors.Wrap(err, apperrors.CodeServiceUnavailable, "similarity backend unavailable")
	}
	if !apperrors.IsAppError(err) {
		return apperrors.Wrap(err, apperrors.CodeInternalError, "find similar failed")
	}
	return err
}
