package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/interfaces/http/dto"
	"theodore-ai-api/pkg/logger"
)

// IngestPublisher 异步摄取消息发布
type IngestPublisher interface {
	PublishUpsert(ctx context.Context, index string, records []*entity.VectorRecord) (string, error)
	PublishDelete(ctx context.Context, index string, ids []string) (string, error)
}

// RecordHandler 向量记录处理器
type RecordHandler struct {
	repo      repository.VectorRepository
	publisher IngestPublisher
}

// NewRecordHandler 创建向量记录处理器；publisher 为 nil 时不支持异步摄取
func NewRecordHandler(repo repository.VectorRepository, publisher IngestPublisher) *RecordHandler {
	return &RecordHandler{repo: repo, publisher: publisher}
}

// async 请求是否要求异步摄取
func async(c *gin.Context) bool {
	return c.Query("async") == "true"
}

// UpsertRecord 写入单条记录
// @Summary 写入记录
// @Tags Records
// @Accept json
// @Produce json
// @Param name path string true "索引名"
// @Param id path string true "记录 ID"
// @Param body body dto.UpsertRecordRequest true "记录内容"
// @Success 200 {object} dto.Response[dto.RecordResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/records/{id} [put]
func (h *RecordHandler) UpsertRecord(c *gin.Context) {
	ctx := c.Request.Context()
	index := dto.BindIndexName(c)

	var req dto.UpsertRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	rec := entity.NewVectorRecord(dto.BindRecordID(c), req.Vector, req.Metadata)
	if err := h.repo.Upsert(ctx, index, rec); err != nil {
		dto.FromError(c, err)
		return
	}

	// 回读以返回存储侧的时间戳
	stored, err := h.repo.Get(ctx, index, rec.ID)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToRecordResponse(stored))
}

// UpsertBatch 批量写入
// @Summary 批量写入记录
// @Tags Records
// @Accept json
// @Produce json
// @Param name path string true "索引名"
// @Param body body dto.BatchUpsertRequest true "记录列表"
// @Param async query bool false "写入摄取队列后立即返回"
// @Success 200 {object} dto.Response[dto.BatchResponse]
// @Success 202 {object} dto.Response[dto.EnqueuedResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/batch/upsert [post]
func (h *RecordHandler) UpsertBatch(c *gin.Context) {
	ctx := c.Request.Context()
	index := dto.BindIndexName(c)

	var req dto.BatchUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	records := req.ToRecords()
	if async(c) {
		h.enqueue(c, index, len(records), func() (string, error) {
			return h.publisher.PublishUpsert(ctx, index, records)
		})
		return
	}

	res, err := h.repo.UpsertBatch(ctx, index, records)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	if failed := len(res.Failed()); failed > 0 {
		logger.Warn(ctx, "batch upsert partially failed", "index", index, "failed", failed, "total", len(res.Items))
	}
	dto.Success(c, dto.ToBatchResponse(res))
}

// GetRecord 读取记录
// @Summary 读取记录
// @Tags Records
// @Produce json
// @Param name path string true "索引名"
// @Param id path string true "记录 ID"
// @Success 200 {object} dto.Response[dto.RecordResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/records/{id} [get]
func (h *RecordHandler) GetRecord(c *gin.Context) {
	rec, err := h.repo.Get(c.Request.Context(), dto.BindIndexName(c), dto.BindRecordID(c))
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToRecordResponse(rec))
}

// DeleteRecord 删除记录
// @Summary 删除记录
// @Tags Records
// @Param name path string true "索引名"
// @Param id path string true "记录 ID"
// @Success 204
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/records/{id} [delete]
func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	if err := h.repo.Delete(c.Request.Context(), dto.BindIndexName(c), dto.BindRecordID(c)); err != nil {
		dto.FromError(c, err)
		return
	}
	dto.NoContent(c)
}

// DeleteBatch 批量删除
// @Summary 批量删除记录
// @Tags Records
// @Accept json
// @Produce json
// @Param name path string true "索引名"
// @Param body body dto.BatchDeleteRequest true "记录 ID 列表"
// @Param async query bool false "写入摄取队列后立即返回"
// @Success 200 {object} dto.Response[dto.BatchResponse]
// @Success 202 {object} dto.Response[dto.EnqueuedResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/batch/delete [post]
func (h *RecordHandler) DeleteBatch(c *gin.Context) {
	ctx := c.Request.Context()
	index := dto.BindIndexName(c)

	var req dto.BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if async(c) {
		h.enqueue(c, index, len(req.IDs), func() (string, error) {
			return h.publisher.PublishDelete(ctx, index, req.IDs)
		})
		return
	}

	res, err := h.repo.DeleteBatch(ctx, index, req.IDs)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToBatchResponse(res))
}

// enqueue 校验索引存在后投递到摄取队列
func (h *RecordHandler) enqueue(c *gin.Context, index string, count int, publish func() (string, error)) {
	if h.publisher == nil {
		dto.BadRequest(c, "async ingest is not configured")
		return
	}
	if _, err := h.repo.DescribeIndex(c.Request.Context(), index); err != nil {
		dto.FromError(c, err)
		return
	}

	id, err := publish()
	if err != nil {
		logger.Error(c.Request.Context(), "failed to enqueue ingest message", err, "index", index)
		dto.FromError(c, err)
		return
	}
	dto.Accepted(c, &dto.EnqueuedResponse{
		MessageID: id,
		Index:     index,
		Count:     count,
	})
}
