package scoring

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("Weights", func() {
	It("accepts the defaults", func() {
		Expect(DefaultWeights().Validate()).To(Succeed())
	})

	DescribeTable("rejects invalid weights",
		func(w Weights) {
			Expect(apperrors.Is(w.Validate(), apperrors.ErrInvalidParam)).To(BeTrue())
		},
		Entry("sum below one", Weights{DimStage: 0.5, DimTech: 0.4}),
		Entry("negative weight", Weights{DimStage: 1.2, DimTech: -0.2}),
		Entry("unknown dimension", Weights{DimStage: 0.5, Dimension("funding"): 0.5}),
	)

	It("refuses to build a scorer from invalid config", func() {
		_, err := NewScorer(Config{Weights: Weights{DimStage: 0.2}})
		Expect(err).To(HaveOccurred())
		_, err = NewScorer(Config{MissingStrategy: "guess"})
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("validates thresholds",
		func(mutate func(*Config), ok bool) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := NewScorer(cfg)
			if ok {
				Expect(err).NotTo(HaveOccurred())
				return
			}
			Expect(apperrors.Is(err, apperrors.ErrInvalidParam)).To(BeTrue())
		},
		Entry("both thresholds at zero", func(c *Config) { c.HighThreshold, c.LowThreshold = 0, 0 }, true),
		Entry("both thresholds at one", func(c *Config) { c.HighThreshold, c.LowThreshold = 1, 1 }, true),
		Entry("zero confidence floor", func(c *Config) { c.ConfidenceFloor = 0 }, true),
		Entry("low above high", func(c *Config) { c.HighThreshold, c.LowThreshold = 0.4, 0.6 }, false),
		Entry("high above one", func(c *Config) { c.HighThreshold = 1.01 }, false),
		Entry("negative low", func(c *Config) { c.LowThreshold = -0.1 }, false),
		Entry("confidence floor above one", func(c *Config) { c.ConfidenceFloor = 1.5 }, false),
		Entry("missing strategy unset", func(c *Config) { c.MissingStrategy = "" }, false),
		Entry("weights unset", func(c *Config) { c.Weights = nil }, false),
	)

	It("keeps a configured zero high threshold", func() {
		cfg := DefaultConfig()
		cfg.HighThreshold, cfg.LowThreshold = 0, 0
		s, err := NewScorer(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Config().HighThreshold).To(BeZero())

		m := s.Score(Attributes{Stage: "startup"}, Attributes{Stage: "enterprise"})
		Expect(m.Explanation).To(ContainElement("very similar company stage: startup"))
	})
})

var _ = Describe("Scorer", func() {
	var scorer *Scorer

	full := Attributes{
		Stage:         "growth",
		Tech:          "high",
		Industry:      "fintech",
		BusinessModel: "saas",
		Geography:     "global",
	}

	BeforeEach(func() {
		var err error
		scorer, err = NewScorer(DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
	})

	It("scores identical companies as a perfect match", func() {
		m := scorer.Score(full, full)
		Expect(m.OverallScore).To(BeNumerically("~", 1, 1e-9))
		Expect(m.Confidence).To(BeNumerically("~", 1, 1e-9))
		Expect(m.Explanation).To(HaveLen(len(Dimensions)))
		Expect(m.Explanation[0]).To(Equal("very similar company stage: growth"))
	})

	It("is symmetric", func() {
		other := Attributes{Stage: "enterprise", Tech: "medium", Industry: "payments", BusinessModel: "b2b", Geography: "regional"}
		a := scorer.Score(full, other)
		b := scorer.Score(other, full)
		Expect(a.OverallScore).To(BeNumerically("~", b.OverallScore, 1e-12))
		Expect(a.DimensionScores).To(Equal(b.DimensionScores))
	})

	It("scores companies that differ on every dimension below 0.3", func() {
		target := Attributes{Stage: "startup", Tech: "low", Industry: "fintech", BusinessModel: "b2c", Geography: "local"}
		candidate := Attributes{Stage: "enterprise", Tech: "high", Industry: "retail", BusinessModel: "saas", Geography: "global"}
		m := scorer.Score(candidate, target)
		Expect(m.OverallScore).To(BeNumerically("~", 0.195, 1e-9))
		Expect(m.OverallScore).To(BeNumerically("<", 0.3))
		Expect(m.Confidence).To(BeNumerically("~", 1, 1e-9))
	})

	DescribeTable("per dimension lookups",
		func(d Dimension, a, b string, want float64) {
			target := Attributes{}
			candidate := Attributes{}
			switch d {
			case DimStage:
				candidate.Stage, target.Stage = a, b
			case DimTech:
				candidate.Tech, target.Tech = a, b
			case DimIndustry:
				candidate.Industry, target.Industry = a, b
			case DimBusinessModel:
				candidate.BusinessModel, target.BusinessModel = a, b
			case DimGeography:
				candidate.Geography, target.Geography = a, b
			}
			m := scorer.Score(candidate, target)
			Expect(m.DimensionScores[string(d)]).To(BeNumerically("~", want, 1e-12))
		},
		Entry("adjacent stages", DimStage, "startup", "growth", 0.7),
		Entry("stage aliases", DimStage, "seed", "startup", 1.0),
		Entry("stage override", DimStage, "growth", "enterprise", 0.3),
		Entry("distant stages", DimStage, "startup", "enterprise", 0.2),
		Entry("adjacent tech", DimTech, "medium", "high", 0.6),
		Entry("related industries", DimIndustry, "fintech", "payments", 0.7),
		Entry("unrelated industries never score zero", DimIndustry, "fintech", "retail", 0.1),
		Entry("business model pair", DimBusinessModel, "b2b", "saas", 0.8),
		Entry("business model floor", DimBusinessModel, "b2c", "saas", 0.3),
		Entry("geography distance", DimGeography, "local", "global", 0.2),
		Entry("unknown value is neutral", DimStage, "bootstrapped", "growth", 0.5),
	)

	It("treats missing attributes as neutral with reduced confidence", func() {
		target := full
		target.Geography = ""
		m := scorer.Score(full, target)
		Expect(m.DimensionScores[string(DimGeography)]).To(Equal(0.5))
		Expect(m.OverallScore).To(BeNumerically("~", 0.95, 1e-9))
		Expect(m.Confidence).To(BeNumerically("~", 0.95, 1e-9))
		Expect(m.Explanation).To(ContainElement("unknown geographic scope"))
	})

	It("falls back to neutral when nothing is known", func() {
		m := scorer.Score(Attributes{}, Attributes{})
		Expect(m.OverallScore).To(Equal(0.5))
		Expect(m.Confidence).To(Equal(0.5))
	})

	It("explains strong differences", func() {
		m := scorer.Score(Attributes{Stage: "startup"}, Attributes{Stage: "enterprise"})
		Expect(m.Explanation).To(ContainElement("different company stage: startup vs enterprise"))
	})

	It("can renormalize over the known dimensions", func() {
		cfg := DefaultConfig()
		cfg.MissingStrategy = MissingRenormalize
		s, err := NewScorer(cfg)
		Expect(err).NotTo(HaveOccurred())

		target := full
		target.Geography = ""
		m := s.Score(full, target)
		Expect(m.OverallScore).To(BeNumerically("~", 1, 1e-9))
		Expect(m.Confidence).To(BeNumerically("~", 0.95, 1e-9))

		none := s.Score(Attributes{}, Attributes{})
		Expect(none.OverallScore).To(Equal(0.5))
	})

	It("honours per call weights", func() {
		stageOnly := Weights{DimStage: 1}
		m := scorer.ScoreWithWeights(Attributes{Stage: "startup", Industry: "fintech"},
			Attributes{Stage: "growth", Industry: "retail"}, stageOnly)
		Expect(m.OverallScore).To(BeNumerically("~", 0.7, 1e-12))
	})
})

var _ = Describe("Attributes", func() {
	It("normalises free text values", func() {
		Expect(Normalize("  Scale-Up ")).To(Equal("scale_up"))
		Expect(Normalize("B2B / SaaS")).To(Equal("b2b_saas"))
		Expect(Normalize("")).To(BeEmpty())
	})

	It("reads string metadata fields and ignores the rest", func() {
		md := entity.Metadata{
			"company_stage":       entity.StringValue("Growth"),
			"tech_sophistication": entity.NumberValue(3),
			"industry":            entity.StringValue("FinTech"),
		}
		attrs := AttributesFromMetadata(md)
		Expect(attrs).To(Equal(Attributes{Stage: "growth", Industry: "fintech"}))

		back := attrs.ToMetadata()
		Expect(back).To(HaveLen(2))
		Expect(back["company_stage"].Str()).To(Equal("growth"))
	})
})
