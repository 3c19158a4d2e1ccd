package memory

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/persistence/vectortest"
	apperrors "theodore-ai-api/pkg/errors"
)

var _ = vectortest.DescribeRepository(BackendName, func() repository.VectorRepository {
	return NewRepository(4)
})

var _ = Describe("Repository stats", func() {
	It("tracks size and last update", func() {
		ctx := context.Background()
		repo := NewRepository(0)
		clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		repo.now = func() time.Time { return clock }

		_, err := repo.CreateIndex(ctx, entity.IndexSpec{Name: "companies", Dimension: 2, Metric: entity.MetricDotProduct})
		Expect(err).NotTo(HaveOccurred())

		clock = clock.Add(time.Minute)
		Expect(repo.Upsert(ctx, "companies", entity.NewVectorRecord("a", []float32{1, 2}, nil))).To(Succeed())
		stats, err := repo.Stats(ctx, "companies")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.ApproxBytes).To(BeNumerically(">", 0))
		Expect(stats.LastUpdated).To(BeTemporally("==", clock))

		Expect(repo.Delete(ctx, "companies", "a")).To(Succeed())
		stats, err = repo.Stats(ctx, "companies")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.ApproxBytes).To(BeZero())
	})

	It("refuses stats through a reference held across a drop", func() {
		ctx := context.Background()
		repo := NewRepository(0)
		_, err := repo.CreateIndex(ctx, entity.IndexSpec{Name: "companies", Dimension: 2, Metric: entity.MetricCosine})
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Upsert(ctx, "companies", entity.NewVectorRecord("a", []float32{1, 2}, nil))).To(Succeed())

		st, err := repo.state("companies")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.DeleteIndex(ctx, "companies")).To(Succeed())

		_, err = st.stats("companies")
		Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
		_, err = repo.Stats(ctx, "companies")
		Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
	})
})
