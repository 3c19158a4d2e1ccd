package repository

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("SearchRequest", func() {
	threshold := func(t float64) *float64 { return &t }

	DescribeTable("Validate",
		func(req *SearchRequest, ok bool) {
			err := req.Validate()
			if ok {
				Expect(err).NotTo(HaveOccurred())
				return
			}
			Expect(err).To(HaveOccurred())
		},
		Entry("by vector", &SearchRequest{QueryVector: []float32{1}, TopK: 5}, true),
		Entry("by id", &SearchRequest{QueryID: "acme", TopK: 5}, true),
		Entry("both", &SearchRequest{QueryVector: []float32{1}, QueryID: "acme", TopK: 5}, false),
		Entry("neither", &SearchRequest{TopK: 5}, false),
		Entry("zero top_k", &SearchRequest{QueryID: "acme"}, false),
		Entry("top_k above limit", &SearchRequest{QueryID: "acme", TopK: MaxTopK + 1}, false),
		Entry("threshold above one", &SearchRequest{QueryID: "acme", TopK: 1, Threshold: threshold(1.5)}, false),
		Entry("invalid filter", &SearchRequest{QueryID: "acme", TopK: 1, Filter: entity.AllOf()}, false),
		Entry("nil", nil, false),
	)

	It("reports filter errors as invalid filter", func() {
		err := (&SearchRequest{QueryID: "acme", TopK: 1, Filter: entity.In("x")}).Validate()
		Expect(apperrors.Is(err, apperrors.ErrInvalidFilter)).To(BeTrue())
	})
})

var _ = Describe("BatchResult", func() {
	It("splits successes and failures", func() {
		res := NewBatchResult(3)
		res.Items[0] = ItemResult{ID: "a"}
		res.Items[1] = ItemResult{ID: "b", Err: errors.New("bad")}
		res.Items[2] = ItemResult{ID: "c"}

		Expect(res.Succeeded()).To(Equal(2))
		Expect(res.SucceededIDs()).To(Equal([]string{"a", "c"}))
		Expect(res.Failed()).To(HaveLen(1))
		Expect(res.Failed()[0].ID).To(Equal("b"))
	})
})

var _ = Describe("SearchResult", func() {
	It("clones matches deeply", func() {
		res := &SearchResult{Matches: []entity.SimilarityMatch{{
			ID:       "a",
			Metadata: entity.Metadata{"tags": entity.StringListValue("x")},
			Vector:   []float32{1},
		}}}
		cp := res.Clone()
		cp.Matches[0].Vector[0] = 2
		cp.Matches[0].ID = "b"
		Expect(res.Matches[0].Vector[0]).To(Equal(float32(1)))
		Expect(res.Matches[0].ID).To(Equal("a"))
	})
})
