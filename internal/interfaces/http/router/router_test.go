package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/internal/application/scoring"
	"theodore-ai-api/internal/application/similarity"
	"theodore-ai-api/internal/config"
	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/infrastructure/events"
	"theodore-ai-api/internal/infrastructure/persistence/memory"
	"theodore-ai-api/internal/infrastructure/querycache"
	"theodore-ai-api/internal/interfaces/http/dto"
	"theodore-ai-api/internal/interfaces/http/handler"
)

// envelope 统一响应的解码形式
type envelope struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	Error   *dto.ErrorDetail `json:"error"`
}

// fakePublisher 记录异步摄取请求
type fakePublisher struct {
	mu      sync.Mutex
	upserts map[string]int
	deletes map[string][]string
}

func (p *fakePublisher) PublishUpsert(_ context.Context, index string, records []*entity.VectorRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts[index] += len(records)
	return "1700000000000-0", nil
}

func (p *fakePublisher) PublishDelete(_ context.Context, index string, ids []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes[index] = append(p.deletes[index], ids...)
	return "1700000000000-1", nil
}

var _ = Describe("HTTP API", func() {
	var (
		ctx       context.Context
		engine    http.Handler
		cache     *querycache.Repository
		hub       *events.Hub
		publisher *fakePublisher
		app       *Router
	)

	do := func(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(raw)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		var env envelope
		if rec.Body.Len() > 0 {
			Expect(json.Unmarshal(rec.Body.Bytes(), &env)).To(Succeed())
		}
		return rec, env
	}

	decode := func(env envelope, out any) {
		Expect(json.Unmarshal(env.Data, out)).To(Succeed())
	}

	createIndex := func(name string, dim int) {
		rec, _ := do(http.MethodPost, "/v1/indexes", map[string]any{"name": name, "dimension": dim})
		Expect(rec.Code).To(Equal(http.StatusCreated))
	}

	putRecord := func(index, id string, vec []float32, md map[string]any) {
		rec, _ := do(http.MethodPut, "/v1/indexes/"+index+"/records/"+id, map[string]any{"vector": vec, "metadata": md})
		Expect(rec.Code).To(Equal(http.StatusOK))
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg := &config.Config{}
		cfg.App.Env = "test"
		cfg.App.Version = "v-test"

		hub = events.NewHub(nil)
		store := querycache.NewLocalStore(0)
		cache = querycache.NewRepository(memory.NewRepository(4), store, time.Minute, hub)
		hub.SetChecker(func(ctx context.Context, index string) error {
			_, err := cache.DescribeIndex(ctx, index)
			return err
		})
		DeferCleanup(func() {
			hub.Close()
			_ = cache.Close()
		})

		scorer, err := scoring.NewScorer(scoring.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		finder := similarity.NewFinder(cache, scorer, similarity.DefaultConfig())
		publisher = &fakePublisher{upserts: map[string]int{}, deletes: map[string][]string{}}

		app = NewWithDeps(cfg, &RouterHandlers{
			Health: handler.NewHealthHandler(cache, nil, cfg.App.Version),
			Index:  handler.NewIndexHandler(cache),
			Record: handler.NewRecordHandler(cache, publisher),
			Search: handler.NewSearchHandler(cache, finder, 10),
			Cache:  handler.NewCacheHandler(cache),
			Events: handler.NewEventsHandler(hub),
		}, nil)
		engine = app.Engine()
	})

	Describe("system endpoints", func() {
		It("reports health with the version", func() {
			rec, _ := do(http.MethodGet, "/health", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"version":"v-test"`))
			Expect(rec.Header().Get("X-Request-ID")).NotTo(BeEmpty())
		})

		It("is ready when the vector backend is healthy", func() {
			rec, _ := do(http.MethodGet, "/ready", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"vector":{"status":"healthy"`))

			rec, _ = do(http.MethodGet, "/live", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("indexes", func() {
		It("creates, lists, describes and deletes an index", func() {
			rec, env := do(http.MethodPost, "/v1/indexes", map[string]any{
				"name": "companies", "dimension": 4, "metric": "euclidean",
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var desc entity.IndexDescriptor
			decode(env, &desc)
			Expect(desc.Name).To(Equal("companies"))
			Expect(desc.Metric).To(Equal(entity.MetricEuclidean))

			rec, env = do(http.MethodGet, "/v1/indexes", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var list dto.IndexListResponse
			decode(env, &list)
			Expect(list.Indexes).To(HaveLen(1))

			rec, _ = do(http.MethodGet, "/v1/indexes/companies", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec, _ = do(http.MethodDelete, "/v1/indexes/companies", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec, env = do(http.MethodGet, "/v1/indexes/companies", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.ErrorCode).To(Equal("3001"))
		})

		It("rejects a duplicate index with 409", func() {
			createIndex("companies", 4)
			rec, env := do(http.MethodPost, "/v1/indexes", map[string]any{"name": "companies", "dimension": 4})
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(env.Error.ErrorCode).To(Equal("3003"))
		})

		It("rejects a malformed create request", func() {
			rec, env := do(http.MethodPost, "/v1/indexes", map[string]any{"name": "companies"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Error.ErrorCode).To(Equal("1001"))
		})

		It("returns an empty list rather than null", func() {
			rec, _ := do(http.MethodGet, "/v1/indexes", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"indexes":[]`))
		})

		It("reports stats", func() {
			createIndex("companies", 4)
			putRecord("companies", "acme", []float32{1, 0, 0, 0}, nil)

			rec, env := do(http.MethodGet, "/v1/indexes/companies/stats", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var stats entity.IndexStats
			decode(env, &stats)
			Expect(stats.Count).To(BeEquivalentTo(1))
			Expect(stats.Dimension).To(Equal(4))
		})
	})

	Describe("records", func() {
		BeforeEach(func() {
			createIndex("companies", 4)
		})

		It("writes, reads and deletes a record", func() {
			rec, env := do(http.MethodPut, "/v1/indexes/companies/records/acme", map[string]any{
				"vector":   []float32{1, 0, 0, 0},
				"metadata": map[string]any{"industry": "fintech", "employees": 120},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			var stored dto.RecordResponse
			decode(env, &stored)
			Expect(stored.ID).To(Equal("acme"))
			Expect(stored.CreatedAt).NotTo(BeZero())

			rec, env = do(http.MethodGet, "/v1/indexes/companies/records/acme", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			decode(env, &stored)
			Expect(stored.Vector).To(Equal([]float32{1, 0, 0, 0}))
			industry, _ := stored.Metadata.GetString("industry")
			Expect(industry).To(Equal("fintech"))

			rec, _ = do(http.MethodDelete, "/v1/indexes/companies/records/acme", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec, env = do(http.MethodGet, "/v1/indexes/companies/records/acme", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.ErrorCode).To(Equal("3002"))
		})

		It("maps a dimension mismatch to 400", func() {
			rec, env := do(http.MethodPut, "/v1/indexes/companies/records/acme", map[string]any{
				"vector": []float32{1, 0},
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Error.ErrorCode).To(Equal("4002"))
		})

		It("reports per item results for a batch", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/batch/upsert", map[string]any{
				"records": []map[string]any{
					{"id": "acme", "vector": []float32{1, 0, 0, 0}},
					{"id": "short", "vector": []float32{1}},
				},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			var batch dto.BatchResponse
			decode(env, &batch)
			Expect(batch.Succeeded).To(Equal(1))
			Expect(batch.Failed).To(HaveLen(1))
			Expect(batch.Failed[0].ID).To(Equal("short"))
			Expect(batch.Failed[0].ErrorCode).To(Equal("4002"))

			rec, env = do(http.MethodPost, "/v1/indexes/companies/batch/delete", map[string]any{
				"ids": []string{"acme", "ghost"},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			decode(env, &batch)
			Expect(batch.Succeeded).To(Equal(1))
			Expect(batch.Failed).To(HaveLen(1))
			Expect(batch.Failed[0].ErrorCode).To(Equal("3002"))
		})

		It("enqueues async batches after checking the index", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/batch/upsert?async=true", map[string]any{
				"records": []map[string]any{{"id": "acme", "vector": []float32{1, 0, 0, 0}}},
			})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var accepted dto.EnqueuedResponse
			decode(env, &accepted)
			Expect(accepted.MessageID).NotTo(BeEmpty())
			Expect(accepted.Count).To(Equal(1))
			Expect(publisher.upserts).To(HaveKeyWithValue("companies", 1))

			rec, _ = do(http.MethodPost, "/v1/indexes/companies/batch/delete?async=true", map[string]any{
				"ids": []string{"acme"},
			})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(publisher.deletes).To(HaveKeyWithValue("companies", []string{"acme"}))

			rec, env = do(http.MethodPost, "/v1/indexes/missing/batch/delete?async=true", map[string]any{
				"ids": []string{"acme"},
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.ErrorCode).To(Equal("3001"))
		})
	})

	Describe("search", func() {
		BeforeEach(func() {
			createIndex("companies", 4)
			putRecord("companies", "acme", []float32{1, 0, 0, 0}, map[string]any{
				"company_stage": "growth", "industry": "fintech",
			})
			putRecord("companies", "globex", []float32{0.9, 0.1, 0, 0}, map[string]any{
				"company_stage": "growth", "industry": "fintech",
			})
			putRecord("companies", "initech", []float32{0, 1, 0, 0}, map[string]any{
				"company_stage": "enterprise", "industry": "retail",
			})
		})

		It("ranks records by similarity", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/search", map[string]any{
				"vector": []float32{1, 0, 0, 0}, "top_k": 2,
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			var res struct {
				Matches []entity.SimilarityMatch `json:"matches"`
				HasMore bool                     `json:"has_more"`
			}
			decode(env, &res)
			Expect(res.Matches).To(HaveLen(2))
			Expect(res.Matches[0].ID).To(Equal("acme"))
			Expect(res.Matches[1].ID).To(Equal("globex"))
			Expect(res.HasMore).To(BeTrue())
		})

		It("applies a metadata filter", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/search", map[string]any{
				"query_id": "acme",
				"filter":   map[string]any{"op": "eq", "field": "industry", "value": "retail"},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			var res struct {
				Matches []entity.SimilarityMatch `json:"matches"`
			}
			decode(env, &res)
			Expect(res.Matches).To(HaveLen(1))
			Expect(res.Matches[0].ID).To(Equal("initech"))
		})

		It("maps an invalid filter to 400", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/search", map[string]any{
				"vector": []float32{1, 0, 0, 0},
				"filter": map[string]any{"op": "range", "field": "employees"},
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Error.ErrorCode).To(Equal("4003"))
		})

		It("finds similar companies with attribute scores", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/similar", map[string]any{
				"target_id": "acme", "top_k": 5,
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
			var res similarity.FindSimilarResult
			decode(env, &res)
			Expect(res.TargetID).To(Equal("acme"))
			Expect(res.Matches).NotTo(BeEmpty())
			Expect(res.Matches[0].CandidateID).To(Equal("globex"))
			Expect(res.Summary.CommonStage).NotTo(BeEmpty())
		})

		It("returns 404 for an unknown target", func() {
			rec, env := do(http.MethodPost, "/v1/indexes/companies/similar", map[string]any{"target_id": "ghost"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.ErrorCode).To(Equal("3002"))
		})

		It("counts cache hits and honours invalidation", func() {
			body := map[string]any{"vector": []float32{1, 0, 0, 0}}
			do(http.MethodPost, "/v1/indexes/companies/search", body)
			do(http.MethodPost, "/v1/indexes/companies/search", body)

			rec, env := do(http.MethodGet, "/v1/cache/stats", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var stats dto.CacheStatsResponse
			decode(env, &stats)
			Expect(stats.Enabled).To(BeTrue())
			Expect(stats.Hits).To(BeEquivalentTo(1))
			Expect(stats.Misses).To(BeEquivalentTo(1))
			Expect(stats.HitRate).To(BeNumerically("~", 0.5, 1e-9))

			rec, _ = do(http.MethodDelete, "/v1/cache/companies", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			do(http.MethodPost, "/v1/indexes/companies/search", body)
			_, env = do(http.MethodGet, "/v1/cache/stats", nil)
			decode(env, &stats)
			Expect(stats.Misses).To(BeEquivalentTo(2))
		})
	})

	Describe("events", func() {
		It("rejects a subscription to a missing index", func() {
			rec, env := do(http.MethodGet, "/v1/indexes/missing/events", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.ErrorCode).To(Equal("3001"))
		})

		It("streams index changes until the index is deleted", func() {
			createIndex("companies", 4)
			srv := httptest.NewServer(engine)
			DeferCleanup(srv.Close)

			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			DeferCleanup(cancel)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/indexes/companies/events", nil)
			Expect(err).NotTo(HaveOccurred())

			body := make(chan string, 1)
			go func() {
				defer GinkgoRecover()
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))
				raw, _ := io.ReadAll(resp.Body)
				body <- string(raw)
			}()

			Eventually(func() int { return hub.Subscribers("companies") }).Should(Equal(1))
			Expect(cache.Upsert(ctx, "companies", entity.NewVectorRecord("acme", []float32{1, 0, 0, 0}, nil))).To(Succeed())
			Expect(cache.DeleteIndex(ctx, "companies")).To(Succeed())

			var text string
			Eventually(body, 5*time.Second).Should(Receive(&text))
			Expect(text).To(ContainSubstring("event:upserted"))
			Expect(text).To(ContainSubstring(`"ids":["acme"]`))
			Expect(text).To(ContainSubstring("event:index_deleted"))
		})

		It("ends open streams when the server drains", func() {
			createIndex("companies", 4)
			srv := httptest.NewServer(engine)
			DeferCleanup(srv.Close)

			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			DeferCleanup(cancel)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/indexes/companies/events", nil)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				_, _ = io.ReadAll(resp.Body)
			}()

			Eventually(func() int { return hub.Subscribers("companies") }).Should(Equal(1))
			app.Drain()
			Eventually(done, 3*time.Second).Should(BeClosed())
			Eventually(func() int { return hub.Subscribers("companies") }).Should(BeZero())
		})
	})
})
