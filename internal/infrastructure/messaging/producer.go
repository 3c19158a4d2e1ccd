package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/domain/entity"
	"theodore-ai-api/pkg/logger"
	pkgtracer "theodore-ai-api/pkg/tracer"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishUpsert 发布批量写入任务
func (p *Producer) PublishUpsert(ctx context.Context, index string, records []*entity.VectorRecord) (string, error) {
	msg, err := NewMessage(uuid.NewString(), TypeUpsertVectors, index, &UpsertVectorsMessage{
		Index:   index,
		Records: records,
	})
	if err != nil {
		return "", err
	}
	msg.SetMetadata("record_count", fmt.Sprintf("%d", len(records)))
	carryContext(ctx, msg)
	return p.Publish(ctx, StreamCompanyVectors, msg)
}

// PublishDelete 发布批量删除任务
func (p *Producer) PublishDelete(ctx context.Context, index string, ids []string) (string, error) {
	msg, err := NewMessage(uuid.NewString(), TypeDeleteVectors, index, &DeleteVectorsMessage{
		Index: index,
		IDs:   ids,
	})
	if err != nil {
		return "", err
	}
	carryContext(ctx, msg)
	return p.Publish(ctx, StreamCompanyVectors, msg)
}

// carryContext 把请求 ID 与 trace ID 带入消息，消费者据此还原日志上下文
func carryContext(ctx context.Context, msg *Message) {
	if id, ok := ctx.Value(logger.RequestIDKey).(string); ok && id != "" {
		msg.SetMetadata("request_id", id)
	}
	if traceID := pkgtracer.TraceID(ctx); traceID != "" {
		msg.SetMetadata("trace_id", traceID)
	}
}

// DeadLetter 将无法处理的条目写入死信队列
func (p *Producer) DeadLetter(ctx context.Context, stream Stream, msg *Message, items []DeadLetterItem) error {
	ctx, span := tracer.Start(ctx, "producer.DeadLetter",
		trace.WithAttributes(
			attribute.String("stream", stream.DLQStream()),
			attribute.String("message.id", msg.ID),
			attribute.Int("dlq.item_count", len(items)),
		))
	defer span.End()

	if err := writeDeadLetter(ctx, p.client, p.maxLen, stream, msg, items); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// writeDeadLetter 生产者与消费者共用的死信写入
func writeDeadLetter(ctx context.Context, client *redis.Client, maxLen int64, stream Stream, msg *Message, items []DeadLetterItem) error {
	data, err := json.Marshal(&DeadLetter{
		OriginalStream: string(stream),
		Message:        msg,
		Items:          items,
		FailedAt:       time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream.DLQStream(),
		Values: map[string]interface{}{"data": string(data)},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	if err := client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}
