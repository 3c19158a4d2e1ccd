// Package vectortest 提供向量存储实现的通用行为测试
package vectortest

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	apperrors "theodore-ai-api/pkg/errors"
)

// Factory 为每个用例创建全新的存储实例
type Factory func() repository.VectorRepository

// DescribeRepository 注册所有实现都必须满足的行为
func DescribeRepository(backend string, factory Factory) bool {
	return Describe(backend+" repository behaviour", func() {
		var (
			repo repository.VectorRepository
			ctx  context.Context
		)

		spec := entity.IndexSpec{Name: "companies", Dimension: 3, Metric: entity.MetricCosine}

		BeforeEach(func() {
			ctx = context.Background()
			repo = factory()
			DeferCleanup(func() { _ = repo.Close() })
		})

		upsert := func(id string, vec []float32, md entity.Metadata) {
			Expect(repo.Upsert(ctx, spec.Name, entity.NewVectorRecord(id, vec, md))).To(Succeed())
		}

		ids := func(res *repository.SearchResult) []string {
			out := make([]string, 0, len(res.Matches))
			for _, m := range res.Matches {
				out = append(out, m.ID)
			}
			return out
		}

		Describe("index lifecycle", func() {
			It("creates, describes and lists indexes", func() {
				desc, err := repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
				Expect(desc.Dimension).To(Equal(3))

				got, err := repo.DescribeIndex(ctx, spec.Name)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Metric).To(Equal(entity.MetricCosine))

				_, err = repo.CreateIndex(ctx, entity.IndexSpec{Name: "alpha", Dimension: 2, Metric: entity.MetricEuclidean})
				Expect(err).NotTo(HaveOccurred())

				list, err := repo.ListIndexes(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(list).To(HaveLen(2))
				Expect(list[0].Name).To(Equal("alpha"))
				Expect(list[1].Name).To(Equal("companies"))
			})

			It("rejects duplicate names", func() {
				_, err := repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
				_, err = repo.CreateIndex(ctx, spec)
				Expect(apperrors.Is(err, apperrors.ErrIndexAlreadyExists)).To(BeTrue())
			})

			It("rejects invalid specs", func() {
				_, err := repo.CreateIndex(ctx, entity.IndexSpec{Name: "bad-name", Dimension: 3, Metric: entity.MetricCosine})
				Expect(apperrors.Is(err, apperrors.ErrInvalidParam)).To(BeTrue())
				_, err = repo.CreateIndex(ctx, entity.IndexSpec{Name: "zero", Dimension: 0, Metric: entity.MetricCosine})
				Expect(apperrors.Is(err, apperrors.ErrInvalidDimension)).To(BeTrue())
			})

			It("reports missing indexes", func() {
				_, err := repo.DescribeIndex(ctx, "missing")
				Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
				Expect(apperrors.Is(repo.DeleteIndex(ctx, "missing"), apperrors.ErrIndexNotFound)).To(BeTrue())
				err = repo.Upsert(ctx, "missing", entity.NewVectorRecord("a", []float32{1, 0, 0}, nil))
				Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
				_, err = repo.Search(ctx, "missing", &repository.SearchRequest{QueryVector: []float32{1, 0, 0}, TopK: 1})
				Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
			})

			It("drops records with the index", func() {
				_, err := repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
				upsert("acme", []float32{1, 0, 0}, nil)

				Expect(repo.DeleteIndex(ctx, spec.Name)).To(Succeed())
				_, err = repo.Get(ctx, spec.Name, "acme")
				Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())

				_, err = repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
				stats, err := repo.Stats(ctx, spec.Name)
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Count).To(BeZero())
			})
		})

		Describe("records", func() {
			BeforeEach(func() {
				_, err := repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
			})

			It("round-trips vectors and metadata", func() {
				md := entity.Metadata{
					"industry":  entity.StringValue("fintech"),
					"employees": entity.NumberValue(42),
					"public":    entity.BoolValue(true),
					"tags":      entity.StringListValue("b2b", "saas"),
				}
				upsert("acme", []float32{0.5, 0.25, 1}, md)

				rec, err := repo.Get(ctx, spec.Name, "acme")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Vector).To(Equal([]float32{0.5, 0.25, 1}))
				Expect(rec.Metadata.Equal(md)).To(BeTrue())
				Expect(rec.CreatedAt.IsZero()).To(BeFalse())
			})

			It("replaces on overwrite and keeps the creation time", func() {
				upsert("acme", []float32{1, 0, 0}, entity.Metadata{"stage": entity.StringValue("seed")})
				first, err := repo.Get(ctx, spec.Name, "acme")
				Expect(err).NotTo(HaveOccurred())

				upsert("acme", []float32{0, 1, 0}, entity.Metadata{"stage": entity.StringValue("series_a")})
				second, err := repo.Get(ctx, spec.Name, "acme")
				Expect(err).NotTo(HaveOccurred())
				Expect(second.Vector).To(Equal([]float32{0, 1, 0}))
				Expect(second.Metadata["stage"].Str()).To(Equal("series_a"))
				Expect(second.CreatedAt).To(BeTemporally("==", first.CreatedAt))
				Expect(second.UpdatedAt).To(BeTemporally(">=", first.UpdatedAt))

				stats, err := repo.Stats(ctx, spec.Name)
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Count).To(Equal(int64(1)))
			})

			It("rejects dimension mismatches", func() {
				err := repo.Upsert(ctx, spec.Name, entity.NewVectorRecord("acme", []float32{1, 0}, nil))
				Expect(apperrors.Is(err, apperrors.ErrDimensionMismatch)).To(BeTrue())
			})

			It("reports missing records", func() {
				_, err := repo.Get(ctx, spec.Name, "ghost")
				Expect(apperrors.Is(err, apperrors.ErrRecordNotFound)).To(BeTrue())
				Expect(apperrors.Is(repo.Delete(ctx, spec.Name, "ghost"), apperrors.ErrRecordNotFound)).To(BeTrue())
			})

			It("reports per item batch outcomes in input order", func() {
				res, err := repo.UpsertBatch(ctx, spec.Name, []*entity.VectorRecord{
					entity.NewVectorRecord("a", []float32{1, 0, 0}, nil),
					entity.NewVectorRecord("b", []float32{1, 0}, nil),
					entity.NewVectorRecord("c", []float32{0, 0, 1}, nil),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Items).To(HaveLen(3))
				Expect(res.Items[1].ID).To(Equal("b"))
				Expect(apperrors.Is(res.Items[1].Err, apperrors.ErrDimensionMismatch)).To(BeTrue())
				Expect(res.SucceededIDs()).To(Equal([]string{"a", "c"}))

				del, err := repo.DeleteBatch(ctx, spec.Name, []string{"a", "ghost"})
				Expect(err).NotTo(HaveOccurred())
				Expect(del.Items[0].Err).NotTo(HaveOccurred())
				Expect(apperrors.Is(del.Items[1].Err, apperrors.ErrRecordNotFound)).To(BeTrue())
			})

			It("fails batches on missing indexes at call level", func() {
				_, err := repo.UpsertBatch(ctx, "missing", []*entity.VectorRecord{
					entity.NewVectorRecord("a", []float32{1, 0, 0}, nil),
				})
				Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
			})

			It("handles concurrent writers", func() {
				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						id := fmt.Sprintf("c%02d", i%8)
						Expect(repo.Upsert(ctx, spec.Name, entity.NewVectorRecord(id, []float32{float32(i), 1, 0}, nil))).To(Succeed())
					}(i)
				}
				wg.Wait()

				stats, err := repo.Stats(ctx, spec.Name)
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Count).To(Equal(int64(8)))
			})
		})

		Describe("search", func() {
			BeforeEach(func() {
				_, err := repo.CreateIndex(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
				upsert("target", []float32{1, 0, 0}, entity.Metadata{"industry": entity.StringValue("fintech")})
				upsert("twin_b", []float32{2, 0, 0}, entity.Metadata{"industry": entity.StringValue("fintech")})
				upsert("twin_a", []float32{3, 0, 0}, entity.Metadata{"industry": entity.StringValue("health")})
				upsert("near", []float32{1, 1, 0}, entity.Metadata{"industry": entity.StringValue("fintech"), "employees": entity.NumberValue(50)})
				upsert("far", []float32{0, 0, 1}, entity.Metadata{"industry": entity.StringValue("retail")})
			})

			It("orders by score with ties broken by id and excludes the query record", func() {
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{QueryID: "target", TopK: 10})
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(res)).To(Equal([]string{"twin_a", "twin_b", "near", "far"}))
				Expect(res.Matches[0].RawScore).To(BeNumerically("~", 1, 1e-6))
				for _, m := range res.Matches {
					Expect(m.RawScore).To(BeNumerically(">=", 0))
					Expect(m.RawScore).To(BeNumerically("<=", 1))
				}
			})

			It("truncates to top_k and reports has_more", func() {
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{QueryVector: []float32{1, 0, 0}, TopK: 2})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Matches).To(HaveLen(2))
				Expect(res.HasMore).To(BeTrue())
			})

			It("applies metadata filters", func() {
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{
					QueryID: "target",
					TopK:    10,
					Filter:  entity.Eq("industry", entity.StringValue("fintech")),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(res)).To(Equal([]string{"twin_b", "near"}))
				Expect(res.HasMore).To(BeFalse())
			})

			It("treats missing fields as non-matching", func() {
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{
					QueryID: "target",
					TopK:    10,
					Filter:  entity.Range("employees", entity.RangeBound{Gte: entity.Float(10)}),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(res)).To(Equal([]string{"near"}))
			})

			It("applies the score threshold", func() {
				t := 0.9
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{QueryID: "target", TopK: 10, Threshold: &t})
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(res)).To(Equal([]string{"twin_a", "twin_b"}))
			})

			It("returns metadata and vectors when asked", func() {
				res, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{
					QueryID:         "target",
					TopK:            1,
					IncludeMetadata: true,
					IncludeVector:   true,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Matches[0].Metadata["industry"].Str()).To(Equal("health"))
				Expect(res.Matches[0].Vector).To(Equal([]float32{3, 0, 0}))
			})

			It("reports a missing query record", func() {
				_, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{QueryID: "ghost", TopK: 1})
				Expect(apperrors.Is(err, apperrors.ErrRecordNotFound)).To(BeTrue())
			})

			It("rejects query vectors of the wrong dimension", func() {
				_, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{QueryVector: []float32{1, 0}, TopK: 1})
				Expect(apperrors.Is(err, apperrors.ErrDimensionMismatch)).To(BeTrue())
			})

			It("rejects invalid requests", func() {
				_, err := repo.Search(ctx, spec.Name, &repository.SearchRequest{TopK: 1})
				Expect(apperrors.Is(err, apperrors.ErrInvalidParam)).To(BeTrue())
			})
		})

		It("reports healthy", func() {
			Expect(repo.HealthCheck(ctx)).To(Equal(entity.HealthHealthy))
		})
	})
}
