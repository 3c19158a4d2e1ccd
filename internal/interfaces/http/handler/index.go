// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/interfaces/http/dto"
	"theodore-ai-api/pkg/logger"
)

// IndexHandler 索引管理处理器
type IndexHandler struct {
	repo repository.VectorRepository
}

// NewIndexHandler 创建索引管理处理器
func NewIndexHandler(repo repository.VectorRepository) *IndexHandler {
	return &IndexHandler{repo: repo}
}

// CreateIndex 创建索引
// @Summary 创建索引
// @Tags Indexes
// @Accept json
// @Produce json
// @Param body body dto.CreateIndexRequest true "索引参数"
// @Success 201 {object} dto.Response[entity.IndexDescriptor]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/indexes [post]
func (h *IndexHandler) CreateIndex(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	desc, err := h.repo.CreateIndex(ctx, req.ToSpec())
	if err != nil {
		logger.Warn(ctx, "failed to create index", "index", req.Name, "error", err.Error())
		dto.FromError(c, err)
		return
	}
	dto.Created(c, desc)
}

// ListIndexes 索引列表
// @Summary 索引列表
// @Tags Indexes
// @Produce json
// @Success 200 {object} dto.Response[dto.IndexListResponse]
// @Router /v1/indexes [get]
func (h *IndexHandler) ListIndexes(c *gin.Context) {
	indexes, err := h.repo.ListIndexes(c.Request.Context())
	if err != nil {
		dto.FromError(c, err)
		return
	}
	if indexes == nil {
		indexes = []*entity.IndexDescriptor{}
	}
	dto.Success(c, &dto.IndexListResponse{Indexes: indexes})
}

// DescribeIndex 索引详情
// @Summary 索引详情
// @Tags Indexes
// @Produce json
// @Param name path string true "索引名"
// @Success 200 {object} dto.Response[entity.IndexDescriptor]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name} [get]
func (h *IndexHandler) DescribeIndex(c *gin.Context) {
	desc, err := h.repo.DescribeIndex(c.Request.Context(), dto.BindIndexName(c))
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, desc)
}

// DeleteIndex 删除索引
// @Summary 删除索引
// @Tags Indexes
// @Param name path string true "索引名"
// @Success 204
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name} [delete]
func (h *IndexHandler) DeleteIndex(c *gin.Context) {
	ctx := c.Request.Context()
	name := dto.BindIndexName(c)

	if err := h.repo.DeleteIndex(ctx, name); err != nil {
		dto.FromError(c, err)
		return
	}
	logger.Info(ctx, "index deleted", "index", name)
	dto.NoContent(c)
}

// Stats 索引统计
// @Summary 索引统计
// @Tags Indexes
// @Produce json
// @Param name path string true "索引名"
// @Success 200 {object} dto.Response[entity.IndexStats]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/stats [get]
func (h *IndexHandler) Stats(c *gin.Context) {
	stats, err := h.repo.Stats(c.Request.Context(), dto.BindIndexName(c))
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, stats)
}
