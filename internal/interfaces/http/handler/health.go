// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
)

// HealthChecker 外部依赖健康检查
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	repo    repository.VectorRepository
	backend string
	cache   HealthChecker
	version string
}

// NewHealthHandler 创建健康检查处理器；cache 为 nil 表示未使用共享缓存
func NewHealthHandler(repo repository.VectorRepository, cache HealthChecker, version string) *HealthHandler {
	backend := "unknown"
	if n, ok := repo.(repository.Named); ok {
		backend = n.Backend()
	}
	return &HealthHandler{
		repo:    repo,
		backend: backend,
		cache:   cache,
		version: version,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type readinessResponse struct {
	Status string                     `json:"status"`
	Checks map[string]*readinessCheck `json:"checks,omitempty"`
}

// Health 健康检查接口
// @Summary 健康检查
// @Description 检查服务健康状态
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
	})
}

// Ready 就绪检查接口
// @Summary 就绪检查
// @Description 向量后端不可用时拒绝流量；缓存故障只降级为未命中
// @Tags System
// @Produce json
// @Success 200 {object} readinessResponse
// @Failure 503 {object} readinessResponse
// @Router /ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]*readinessCheck{
		"vector": {Status: "unknown"},
		"cache":  {Status: "local"},
	}
	ready := true

	// 向量后端（必需）
	start := time.Now()
	status := h.repo.HealthCheck(ctx)
	checks["vector"].LatencyMs = time.Since(start).Milliseconds()
	checks["vector"].Status = string(status)
	if status == entity.HealthUnavailable {
		checks["vector"].Error = h.backend + " backend unavailable"
		ready = false
	}

	// 共享缓存（可选，不影响就绪态）
	if h.cache != nil {
		start := time.Now()
		err := h.cache.HealthCheck(ctx)
		checks["cache"].LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			checks["cache"].Status = "degraded"
			checks["cache"].Error = err.Error()
		} else {
			checks["cache"].Status = "ok"
		}
	}

	resp := readinessResponse{
		Status: "ok",
		Checks: checks,
	}
	if !ready {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Live 存活检查接口
// @Summary 存活检查
// @Description 检查服务是否存活
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
	})
}
