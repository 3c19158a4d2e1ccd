package similarity

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/application/scoring"
	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/persistence/memory"
	"theodore-ai-api/internal/infrastructure/querycache"
	"theodore-ai-api/internal/infrastructure/resilience"
	apperrors "theodore-ai-api/pkg/errors"
)

// slowRepo 检索阻塞到调用方超时
type slowRepo struct {
	*memory.Repository
}

func (s slowRepo) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func company(stage, tech, industry string) entity.Metadata {
	md := entity.Metadata{}
	if stage != "" {
		md["company_stage"] = entity.StringValue(stage)
	}
	if tech != "" {
		md["tech_sophistication"] = entity.StringValue(tech)
	}
	if industry != "" {
		md["industry"] = entity.StringValue(industry)
	}
	return md
}

var _ = Describe("Finder", func() {
	var (
		ctx    context.Context
		store  repository.VectorRepository
		finder *Finder
		scorer *scoring.Scorer
	)

	upsert := func(id string, vec []float32, md entity.Metadata) {
		Expect(store.Upsert(ctx, "companies", entity.NewVectorRecord(id, vec, md))).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		scorer, err = scoring.NewScorer(scoring.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		base := memory.NewRepository(4)
		guarded := resilience.NewRepository(base, memory.BackendName, resilience.DefaultConfig())
		store = querycache.NewRepository(guarded, querycache.NewLocalStore(0), time.Minute, nil)
		DeferCleanup(store.Close)

		_, err = store.CreateIndex(ctx, entity.IndexSpec{Name: "companies", Dimension: 8, Metric: entity.MetricCosine})
		Expect(err).NotTo(HaveOccurred())
		finder = NewFinder(store, scorer, DefaultConfig())
	})

	It("finds a near identical company with a high overall score", func() {
		upsert("acme", []float32{1, 0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.3}, company("growth", "high", ""))
		upsert("acme_twin", []float32{1, 0.9, 0.8, 0.7, 0.6, 0.5, 0.4, 0.31}, company("growth", "high", ""))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "acme"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.TargetID).To(Equal("acme"))
		Expect(res.Matches).To(HaveLen(1))
		Expect(res.Matches[0].CandidateID).To(Equal("acme_twin"))
		Expect(res.Matches[0].OverallScore).To(BeNumerically(">", 0.8))
		Expect(res.Matches[0].DimensionScores).To(HaveKey(VectorDimension))
		Expect(res.Summary.CommonStage).To(Equal("growth"))
		Expect(res.Summary.Count).To(Equal(1))
	})

	It("drops candidates below the minimum overall score", func() {
		upsert("target", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("enterprise", "", "fintech"))
		upsert("biotech_startup", []float32{0, 1, 0, 0, 0, 0, 0, 0}, company("startup", "", "biotech"))
		upsert("bank", []float32{0.9, 0.1, 0, 0, 0, 0, 0, 0}, company("enterprise", "", "banking"))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{
			Index:           "companies",
			TargetID:        "target",
			MinOverallScore: 0.4,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CandidatesConsidered).To(Equal(2))
		Expect(res.Matches).To(HaveLen(1))
		Expect(res.Matches[0].CandidateID).To(Equal("bank"))
		for _, m := range res.Matches {
			Expect(m.OverallScore).To(BeNumerically(">=", 0.4))
		}
	})

	It("excludes an attribute mismatch even when the vectors are identical", func() {
		upsert("target", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("enterprise", "", "fintech"))
		upsert("lookalike", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("startup", "", "biotech"))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{
			Index:           "companies",
			TargetID:        "target",
			MinOverallScore: 0.4,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CandidatesConsidered).To(Equal(1))
		Expect(res.Matches).To(BeEmpty())

		res, err = finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "target"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Matches).To(HaveLen(1))
		Expect(res.Matches[0].AttributeScore).To(BeNumerically("<", 0.4))
		Expect(res.Matches[0].OverallScore).To(BeNumerically(">", res.Matches[0].AttributeScore))
	})

	It("does not serve cached results for a deleted index", func() {
		upsert("acme", []float32{1, 0, 0, 0, 0, 0, 0, 0}, nil)
		req := &repository.SearchRequest{QueryID: "acme", TopK: 5}
		_, err := store.Search(ctx, "companies", req)
		Expect(err).NotTo(HaveOccurred())

		Expect(store.DeleteIndex(ctx, "companies")).To(Succeed())
		_, err = store.Search(ctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())

		_, err = finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "acme"})
		Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
	})

	It("orders by overall score and truncates to top_k", func() {
		upsert("target", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("growth", "high", "fintech"))
		upsert("best", []float32{1, 0.1, 0, 0, 0, 0, 0, 0}, company("growth", "high", "fintech"))
		upsert("good", []float32{1, 0.3, 0, 0, 0, 0, 0, 0}, company("growth", "medium", "payments"))
		upsert("weak", []float32{0, 0, 1, 0, 0, 0, 0, 0}, company("enterprise", "low", "retail"))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "target", TopK: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Matches).To(HaveLen(2))
		Expect(res.Matches[0].CandidateID).To(Equal("best"))
		Expect(res.Matches[1].CandidateID).To(Equal("good"))
		Expect(res.Matches[0].OverallScore).To(BeNumerically(">=", res.Matches[1].OverallScore))
		Expect(res.CandidatesConsidered).To(Equal(3))
	})

	It("applies metadata filters to the vector search", func() {
		upsert("target", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("growth", "", "fintech"))
		upsert("fin", []float32{1, 1, 0, 0, 0, 0, 0, 0}, company("growth", "", "fintech"))
		upsert("shop", []float32{1, 0.1, 0, 0, 0, 0, 0, 0}, company("growth", "", "retail"))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{
			Index:    "companies",
			TargetID: "target",
			Filter:   entity.Eq("industry", entity.StringValue("fintech")),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Matches).To(HaveLen(1))
		Expect(res.Matches[0].CandidateID).To(Equal("fin"))
	})

	It("scores an explicit candidate pool", func() {
		upsert("target", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("growth", "high", "fintech"))
		upsert("a", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("growth", "high", "fintech"))
		upsert("b", []float32{0, 1, 0, 0, 0, 0, 0, 0}, company("startup", "low", "retail"))
		upsert("outside", []float32{1, 0, 0, 0, 0, 0, 0, 0}, company("growth", "high", "fintech"))

		res, err := finder.FindSimilar(ctx, FindSimilarRequest{
			Index:         "companies",
			TargetID:      "target",
			CandidatePool: []string{"b", "a", "a", "target", "ghost"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CandidatesConsidered).To(Equal(2))
		Expect(res.Matches).To(HaveLen(2))
		Expect(res.Matches[0].CandidateID).To(Equal("a"))
		Expect(res.Matches[0].RawScore).To(BeNumerically("~", 1, 1e-9))
		Expect(res.Matches[1].CandidateID).To(Equal("b"))
	})

	It("returns an empty result when nothing qualifies", func() {
		upsert("lonely", []float32{1, 0, 0, 0, 0, 0, 0, 0}, nil)
		res, err := finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "lonely"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Matches).To(BeEmpty())
		Expect(res.Summary.Count).To(BeZero())
	})

	DescribeTable("rejects invalid requests",
		func(req FindSimilarRequest) {
			_, err := finder.FindSimilar(ctx, req)
			Expect(apperrors.Is(err, apperrors.ErrInvalidParam)).To(BeTrue())
		},
		Entry("bad index name", FindSimilarRequest{Index: "1bad", TargetID: "acme"}),
		Entry("missing target", FindSimilarRequest{Index: "companies"}),
		Entry("top_k too large", FindSimilarRequest{Index: "companies", TargetID: "acme", TopK: 1000}),
		Entry("negative top_k", FindSimilarRequest{Index: "companies", TargetID: "acme", TopK: -1}),
		Entry("min score above one", FindSimilarRequest{Index: "companies", TargetID: "acme", MinOverallScore: 1.5}),
	)

	It("reports a missing target", func() {
		_, err := finder.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "ghost"})
		Expect(apperrors.Is(err, apperrors.ErrRecordNotFound)).To(BeTrue())
	})

	It("fails with deadline exceeded instead of partial results", func() {
		base := memory.NewRepository(2)
		_, err := base.CreateIndex(ctx, entity.IndexSpec{Name: "companies", Dimension: 2, Metric: entity.MetricCosine})
		Expect(err).NotTo(HaveOccurred())
		Expect(base.Upsert(ctx, "companies", entity.NewVectorRecord("acme", []float32{1, 0}, nil))).To(Succeed())

		cfg := DefaultConfig()
		cfg.RequestTimeout = 20 * time.Millisecond
		slow := NewFinder(slowRepo{Repository: base}, scorer, cfg)

		_, err = slow.FindSimilar(ctx, FindSimilarRequest{Index: "companies", TargetID: "acme"})
		Expect(apperrors.Is(err, apperrors.ErrDeadlineExceeded)).To(BeTrue())
	})
})

var _ = Describe("summarize", func() {
	It("picks the most common attributes with lexical tie breaks", func() {
		matches := []Match{
			{BlendedMatch: scoring.BlendedMatch{OverallScore: 0.9}, Metadata: company("growth", "high", "fintech")},
			{BlendedMatch: scoring.BlendedMatch{OverallScore: 0.7}, Metadata: company("growth", "medium", "banking")},
			{BlendedMatch: scoring.BlendedMatch{OverallScore: 0.5}, Metadata: company("startup", "", "")},
		}
		s := summarize(matches)
		Expect(s.CommonStage).To(Equal("growth"))
		Expect(s.CommonTech).To(Equal("high"))
		Expect(s.CommonIndustry).To(Equal("banking"))
		Expect(s.AverageScore).To(BeNumerically("~", 0.7, 1e-12))
		Expect(s.Count).To(Equal(3))
	})
})
