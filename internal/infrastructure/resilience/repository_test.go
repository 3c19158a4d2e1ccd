package resilience

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/persistence/memory"
	apperrors "theodore-ai-api/pkg/errors"
)

// flakyRepo 按预设序列让 Search 失败
type flakyRepo struct {
	*memory.Repository
	mu    sync.Mutex
	calls int
	errs  []error
	block bool
}

func (f *flakyRepo) Search(ctx context.Context, index string, req *repository.SearchRequest) (*repository.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return f.Repository.Search(ctx, index, req)
}

func (f *flakyRepo) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ = Describe("Repository", func() {
	var (
		ctx   context.Context
		inner *flakyRepo
		repo  *Repository
		req   *repository.SearchRequest
	)

	newRepo := func(cfg Config) {
		repo = NewRepository(inner, "memory", cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		inner = &flakyRepo{Repository: memory.NewRepository(2)}
		_, err := inner.CreateIndex(ctx, entity.IndexSpec{Name: "companies", Dimension: 2, Metric: entity.MetricCosine})
		Expect(err).NotTo(HaveOccurred())
		Expect(inner.Upsert(ctx, "companies", entity.NewVectorRecord("acme", []float32{1, 0}, nil))).To(Succeed())
		req = &repository.SearchRequest{QueryVector: []float32{1, 0}, TopK: 1}

		newRepo(Config{
			MaxAttempts:      3,
			BaseDelay:        time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			CallTimeout:      time.Second,
			FailureThreshold: 10,
			Cooldown:         time.Hour,
		})
	})

	It("retries transient failures until success", func() {
		inner.errs = []error{apperrors.ErrVectorDBError, apperrors.ErrServiceUnavailable}
		res, err := repo.Search(ctx, "companies", req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Matches).To(HaveLen(1))
		Expect(inner.callCount()).To(Equal(3))
	})

	It("returns permanent failures without retrying", func() {
		inner.errs = []error{apperrors.New(apperrors.CodeDimensionMismatch, "bad query")}
		_, err := repo.Search(ctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrDimensionMismatch)).To(BeTrue())
		Expect(inner.callCount()).To(Equal(1))
	})

	It("surfaces exhausted retries as unavailable", func() {
		inner.errs = []error{apperrors.ErrVectorDBError, apperrors.ErrVectorDBError, apperrors.ErrVectorDBError}
		_, err := repo.Search(ctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrServiceUnavailable)).To(BeTrue())
		Expect(inner.callCount()).To(Equal(3))
	})

	It("bounds each attempt with the call timeout", func() {
		inner.block = true
		newRepo(Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
			CallTimeout: 20 * time.Millisecond, FailureThreshold: 10, Cooldown: time.Hour})

		_, err := repo.Search(ctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrServiceUnavailable)).To(BeTrue())
		Expect(inner.callCount()).To(Equal(2))
	})

	It("reports caller cancellation as deadline exceeded without tripping the breaker", func() {
		inner.block = true
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := repo.Search(cctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrDeadlineExceeded)).To(BeTrue())
		Expect(repo.BreakerState("companies")).To(Equal(StateClosed))
	})

	It("fails fast while the circuit is open", func() {
		newRepo(Config{MaxAttempts: 1, CallTimeout: time.Second, FailureThreshold: 2, Cooldown: time.Hour})
		inner.errs = []error{apperrors.ErrVectorDBError, apperrors.ErrVectorDBError}

		for i := 0; i < 2; i++ {
			_, err := repo.Search(ctx, "companies", req)
			Expect(apperrors.Is(err, apperrors.ErrServiceUnavailable)).To(BeTrue())
		}
		Expect(repo.BreakerState("companies")).To(Equal(StateOpen))

		_, err := repo.Search(ctx, "companies", req)
		Expect(apperrors.Is(err, apperrors.ErrCircuitOpen)).To(BeTrue())
		Expect(inner.callCount()).To(Equal(2))
		Expect(repo.HealthCheck(ctx)).To(Equal(entity.HealthDegraded))

		By("keeping other indexes available")
		_, err = repo.Stats(ctx, "companies_other")
		Expect(apperrors.Is(err, apperrors.ErrIndexNotFound)).To(BeTrue())
	})

	It("validates search requests before calling the backend", func() {
		_, err := repo.Search(ctx, "companies", &repository.SearchRequest{TopK: 1})
		Expect(apperrors.Is(err, apperrors.ErrInvalidParam)).To(BeTrue())
		Expect(inner.callCount()).To(BeZero())
	})

	It("forgets the breaker of a deleted index", func() {
		_, err := repo.Search(ctx, "companies", req)
		Expect(err).NotTo(HaveOccurred())
		key := breakerKey{backend: "memory", index: "companies"}
		_, ok := repo.breakers.breakers.Load(key)
		Expect(ok).To(BeTrue())

		Expect(repo.DeleteIndex(ctx, "companies")).To(Succeed())
		_, ok = repo.breakers.breakers.Load(key)
		Expect(ok).To(BeFalse())
	})

	It("reports the wrapped backend name", func() {
		Expect(repo.Backend()).To(Equal("memory"))
	})
})
