// Package router 提供 HTTP 路由配置
package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, h *RouterHandlers) {
	// 索引管理
	indexes := v1.Group("/indexes")
	{
		indexes.POST("", h.Index.CreateIndex)
		indexes.GET("", h.Index.ListIndexes)
		indexes.GET("/:name", h.Index.DescribeIndex)
		indexes.DELETE("/:name", h.Index.DeleteIndex)
		indexes.GET("/:name/stats", h.Index.Stats)

		// 记录
		indexes.PUT("/:name/records/:id", h.Record.UpsertRecord)
		indexes.GET("/:name/records/:id", h.Record.GetRecord)
		indexes.DELETE("/:name/records/:id", h.Record.DeleteRecord)
		indexes.POST("/:name/batch/upsert", h.Record.UpsertBatch)
		indexes.POST("/:name/batch/delete", h.Record.DeleteBatch)

		// 检索
		indexes.POST("/:name/search", h.Search.Search)
		indexes.POST("/:name/similar", h.Search.FindSimilar)

		// 索引变更事件 (SSE)
		indexes.GET("/:name/events", h.Events.Stream)
	}

	// 查询缓存
	cache := v1.Group("/cache")
	{
		cache.GET("/stats", h.Cache.Stats)
		cache.DELETE("/:name", h.Cache.Invalidate)
	}
}
