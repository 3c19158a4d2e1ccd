package handler

import (
	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/infrastructure/querycache"
	"theodore-ai-api/internal/interfaces/http/dto"
)

// CacheHandler 查询缓存管理处理器
type CacheHandler struct {
	cache *querycache.Repository
}

// NewCacheHandler 创建缓存管理处理器；cache 为 nil 表示缓存未启用
func NewCacheHandler(cache *querycache.Repository) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// Stats 缓存命中统计
// @Summary 缓存命中统计
// @Tags Cache
// @Produce json
// @Success 200 {object} dto.Response[dto.CacheStatsResponse]
// @Router /v1/cache/stats [get]
func (h *CacheHandler) Stats(c *gin.Context) {
	if h.cache == nil {
		dto.Success(c, &dto.CacheStatsResponse{Enabled: false})
		return
	}
	s := h.cache.CacheStats()
	resp := &dto.CacheStatsResponse{Enabled: true, Hits: s.Hits, Misses: s.Misses}
	if total := s.Hits + s.Misses; total > 0 {
		resp.HitRate = float64(s.Hits) / float64(total)
	}
	dto.Success(c, resp)
}

// Invalidate 使索引的缓存失效
// @Summary 使索引缓存失效
// @Tags Cache
// @Param name path string true "索引名"
// @Success 204
// @Router /v1/cache/{name} [delete]
func (h *CacheHandler) Invalidate(c *gin.Context) {
	if h.cache != nil {
		h.cache.Invalidate(c.Request.Context(), dto.BindIndexName(c))
	}
	dto.NoContent(c)
}
