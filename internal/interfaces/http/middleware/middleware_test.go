package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

// stubLimiter 按脚本返回限流结果并记录调用
type stubLimiter struct {
	mu      sync.Mutex
	allowed bool
	err     error
	keys    []string
	limits  []int
}

func (l *stubLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	l.limits = append(l.limits, limit)
	return l.allowed, l.err
}

func serve(engine *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

var _ = Describe("RateLimit", func() {
	newEngine := func(cfg RateLimitConfig, limiter RateLimiter) *gin.Engine {
		engine := gin.New()
		engine.Use(RateLimit(cfg, limiter))
		engine.GET("/v1/indexes/:name", func(c *gin.Context) { c.Status(http.StatusOK) })
		return engine
	}

	It("passes everything through when disabled", func() {
		limiter := &stubLimiter{allowed: false}
		rec := serve(newEngine(RateLimitConfig{Enabled: false}, limiter), http.MethodGet, "/v1/indexes/a", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(limiter.keys).To(BeEmpty())
	})

	It("passes everything through without a limiter", func() {
		rec := serve(newEngine(RateLimitConfig{Enabled: true}, nil), http.MethodGet, "/v1/indexes/a", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("keys by client and route and adds the burst to the limit", func() {
		limiter := &stubLimiter{allowed: true}
		engine := newEngine(RateLimitConfig{Enabled: true, RequestsPerSecond: 5, Burst: 2, KeyPrefix: "rl"}, limiter)

		Expect(serve(engine, http.MethodGet, "/v1/indexes/a", nil).Code).To(Equal(http.StatusOK))
		Expect(serve(engine, http.MethodGet, "/v1/indexes/b", nil).Code).To(Equal(http.StatusOK))
		Expect(limiter.limits).To(Equal([]int{7, 7}))
		Expect(limiter.keys[0]).To(Equal(limiter.keys[1]))
		Expect(limiter.keys[0]).To(HavePrefix("rl:"))
		Expect(limiter.keys[0]).To(HaveSuffix(":/v1/indexes/:name"))
	})

	It("rejects with 429 once the limit is reached", func() {
		limiter := &stubLimiter{allowed: false}
		rec := serve(newEngine(RateLimitConfig{Enabled: true}, limiter), http.MethodGet, "/v1/indexes/a", nil)
		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		Expect(rec.Body.String()).To(ContainSubstring(`"code":"1006"`))
		Expect(limiter.limits).To(Equal([]int{100}))
		Expect(rec.Header().Get(RateLimitHeader)).To(Equal("100"))
		Expect(rec.Header().Get("Retry-After")).To(Equal("1"))
	})

	It("fails open when the limiter errors", func() {
		limiter := &stubLimiter{err: errors.New("redis down")}
		rec := serve(newEngine(RateLimitConfig{Enabled: true}, limiter), http.MethodGet, "/v1/indexes/a", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
})

var _ = Describe("RequestID", func() {
	var engine *gin.Engine

	BeforeEach(func() {
		engine = gin.New()
		engine.Use(RequestID())
		engine.GET("/id", func(c *gin.Context) {
			c.String(http.StatusOK, "%v", c.Request.Context().Value(logger.RequestIDKey))
		})
	})

	It("echoes a caller supplied id", func() {
		rec := serve(engine, http.MethodGet, "/id", map[string]string{RequestIDHeader: "req-42"})
		Expect(rec.Header().Get(RequestIDHeader)).To(Equal("req-42"))
		Expect(rec.Body.String()).To(Equal("req-42"))
	})

	It("generates an id when none is supplied", func() {
		rec := serve(engine, http.MethodGet, "/id", nil)
		id := rec.Header().Get(RequestIDHeader)
		Expect(id).To(HaveLen(36))
		Expect(rec.Body.String()).To(Equal(id))
	})

	It("replaces ids with control characters", func() {
		rec := serve(engine, http.MethodGet, "/id", map[string]string{RequestIDHeader: "bad id"})
		Expect(rec.Header().Get(RequestIDHeader)).To(HaveLen(36))
	})

	It("adds the index name to the log context", func() {
		engine.GET("/v1/indexes/:name", func(c *gin.Context) {
			c.String(http.StatusOK, "%v", c.Request.Context().Value(logger.IndexKey))
		})
		rec := serve(engine, http.MethodGet, "/v1/indexes/companies", nil)
		Expect(rec.Body.String()).To(Equal("companies"))
	})
})

var _ = Describe("Recovery", func() {
	It("turns a panic into a 500 response", func() {
		engine := gin.New()
		engine.Use(Recovery())
		engine.GET("/boom", func(c *gin.Context) { panic("boom") })

		rec := serve(engine, http.MethodGet, "/boom", nil)
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring(`"code":"1007"`))
	})

	It("keeps a stream that already started", func() {
		engine := gin.New()
		engine.Use(Recovery())
		engine.GET("/stream", func(c *gin.Context) {
			c.Header("Content-Type", "text/event-stream")
			c.String(http.StatusOK, "event: ping\n\n")
			panic("late")
		})

		rec := serve(engine, http.MethodGet, "/stream", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).NotTo(ContainSubstring("1007"))
	})
})

var _ = Describe("Metrics", func() {
	It("counts requests by route template and status", func() {
		engine := gin.New()
		engine.Use(Metrics())
		engine.GET("/v1/indexes/:name", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/indexes/:name", "204")
		before := testutil.ToFloat64(counter)
		serve(engine, http.MethodGet, "/v1/indexes/companies", nil)
		serve(engine, http.MethodGet, "/v1/indexes/other", nil)
		Expect(testutil.ToFloat64(counter) - before).To(Equal(2.0))
	})

	It("labels unmatched routes with a fixed value", func() {
		engine := gin.New()
		engine.Use(Metrics())

		counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
		before := testutil.ToFloat64(counter)
		serve(engine, http.MethodGet, "/nope/1", nil)
		serve(engine, http.MethodGet, "/nope/2", nil)
		Expect(testutil.ToFloat64(counter) - before).To(Equal(2.0))
	})
})

var _ = Describe("CORS", func() {
	It("answers preflight requests", func() {
		engine := gin.New()
		engine.Use(CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}))
		engine.GET("/v1/indexes", func(c *gin.Context) { c.Status(http.StatusOK) })

		rec := serve(engine, http.MethodOptions, "/v1/indexes", map[string]string{
			"Origin":                        "https://app.example.com",
			"Access-Control-Request-Method": http.MethodGet,
		})
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("https://app.example.com"))
		Expect(rec.Header().Get("Access-Control-Allow-Credentials")).To(Equal("true"))
	})

	It("allows any origin without credentials for a wildcard", func() {
		engine := gin.New()
		engine.Use(CORS(CORSConfig{AllowedOrigins: []string{"*"}}))
		engine.GET("/v1/indexes", func(c *gin.Context) { c.Status(http.StatusOK) })

		rec := serve(engine, http.MethodGet, "/v1/indexes", map[string]string{"Origin": "https://other.example.com"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		Expect(rec.Header().Get("Access-Control-Allow-Credentials")).To(BeEmpty())
	})
})
