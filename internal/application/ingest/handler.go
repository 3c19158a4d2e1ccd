// Package ingest 消费向量摄取队列并写入向量存储
package ingest

import (
	"context"

	"theodore-ai-api/internal/domain/repository"
	"theodore-ai-api/internal/infrastructure/messaging"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

// DeadLetterWriter 死信写入
type DeadLetterWriter interface {
	DeadLetter(ctx context.Context, stream messaging.Stream, msg *messaging.Message, items []messaging.DeadLetterItem) error
}

// MessageRegistrar 可注册消息处理器的消费者
type MessageRegistrar interface {
	RegisterHandler(msgType string, handler messaging.MessageHandler)
}

// Handler 摄取消息处理器
//
// 调用级的瞬时错误返回给消费者以触发重试；
// 校验失败的消息与批内失败条目写入死信队列后确认
type Handler struct {
	repo   repository.VectorRepository
	dlq    DeadLetterWriter
	stream messaging.Stream
}

// NewHandler 创建摄取处理器
func NewHandler(repo repository.VectorRepository, dlq DeadLetterWriter) *Handler {
	return &Handler{
		repo:   repo,
		dlq:    dlq,
		stream: messaging.StreamCompanyVectors,
	}
}

// Register 注册到消费者
func (h *Handler) Register(c MessageRegistrar) {
	c.RegisterHandler(messaging.TypeUpsertVectors, h.HandleUpsert)
	c.RegisterHandler(messaging.TypeDeleteVectors, h.HandleDelete)
}

// HandleUpsert 处理批量写入
func (h *Handler) HandleUpsert(ctx context.Context, msg *messaging.Message) error {
	var payload messaging.UpsertVectorsMessage
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.rejectMessage(ctx, msg, apperrors.Wrap(err, apperrors.CodeInvalidParam, "malformed upsert payload"))
	}
	index := indexOf(payload.Index, msg)

	ids := make([]string, len(payload.Records))
	for i, rec := range payload.Records {
		if rec != nil {
			ids[i] = rec.ID
		}
	}

	res, err := h.repo.UpsertBatch(ctx, index, payload.Records)
	if err != nil {
		return h.callFailed(ctx, msg, ids, err)
	}
	return h.settle(ctx, msg, res)
}

// HandleDelete 处理批量删除
func (h *Handler) HandleDelete(ctx context.Context, msg *messaging.Message) error {
	var payload messaging.DeleteVectorsMessage
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.rejectMessage(ctx, msg, apperrors.Wrap(err, apperrors.CodeInvalidParam, "malformed delete payload"))
	}
	index := indexOf(payload.Index, msg)

	res, err := h.repo.DeleteBatch(ctx, index, payload.IDs)
	if err != nil {
		return h.callFailed(ctx, msg, payload.IDs, err)
	}

	// 删除不存在的记录视为已完成
	for i, it := range res.Items {
		if apperrors.Is(it.Err, apperrors.ErrRecordNotFound) {
			res.Items[i].Err = nil
		}
	}
	return h.settle(ctx, msg, res)
}

// callFailed 瞬时错误交由消费者重试，其余整批进入死信
func (h *Handler) callFailed(ctx context.Context, msg *messaging.Message, ids []string, err error) error {
	if apperrors.IsTransient(err) || apperrors.CategoryOf(err) == apperrors.CategoryDeadline {
		return err
	}
	items := make([]messaging.DeadLetterItem, len(ids))
	for i, id := range ids {
		items[i] = deadLetterItem(id, err)
	}
	metrics.IngestRecordsTotal.WithLabelValues("failed").Add(float64(len(ids)))
	return h.deadLetter(ctx, msg, items)
}

// settle 记录成功条数并把失败条目写入死信
func (h *Handler) settle(ctx context.Context, msg *messaging.Message, res *repository.BatchResult) error {
	failed := res.Failed()
	metrics.IngestRecordsTotal.WithLabelValues("success").Add(float64(res.Succeeded()))
	if len(failed) == 0 {
		return nil
	}
	metrics.IngestRecordsTotal.WithLabelValues("failed").Add(float64(len(failed)))

	items := make([]messaging.DeadLetterItem, len(failed))
	for i, it := range failed {
		items[i] = deadLetterItem(it.ID, it.Err)
	}
	return h.deadLetter(ctx, msg, items)
}

func (h *Handler) rejectMessage(ctx context.Context, msg *messaging.Message, err error) error {
	metrics.IngestRecordsTotal.WithLabelValues("rejected").Inc()
	return h.deadLetter(ctx, msg, []messaging.DeadLetterItem{deadLetterItem("", err)})
}

func (h *Handler) deadLetter(ctx context.Context, msg *messaging.Message, items []messaging.DeadLetterItem) error {
	logger.Warn(ctx, "ingest items dead-lettered",
		"message_id", msg.ID,
		"type", msg.Type,
		"count", len(items),
	)
	// 死信写入失败时返回错误，消息保持待处理以便重试
	return h.dlq.DeadLetter(ctx, h.stream, msg, items)
}

func deadLetterItem(id string, err error) messaging.DeadLetterItem {
	return messaging.DeadLetterItem{
		ID:    id,
		Code:  string(apperrors.AsAppError(err).Code),
		Error: err.Error(),
	}
}

func indexOf(payloadIndex string, msg *messaging.Message) string {
	if payloadIndex != "" {
		return payloadIndex
	}
	return msg.Index
}
