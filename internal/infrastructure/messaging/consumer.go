package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/config"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

// MessageHandler 消息处理函数
//
// 返回可重试错误时消息保持待处理，按退避重新投递；
// 返回永久错误时消息涉及的记录直接写入死信
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer 摄取流消费者
type Consumer struct {
	client        *redis.Client
	stream        Stream
	group         ConsumerGroup
	consumerName  string
	blockTimeout  time.Duration
	claimInterval time.Duration
	reclaimIdle   time.Duration
	retryLimit    int
	readCount     int64
	maxLen        int64
	backoff       BackoffConfig

	handlers map[string]MessageHandler
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Stream        Stream
	Group         ConsumerGroup
	ConsumerName  string
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	RetryLimit    int
	ReadCount     int
	MaxLen        int64
	Backoff       BackoffConfig
}

// ConsumerConfigFrom 由应用配置构建消费者配置
func ConsumerConfigFrom(cfg *config.RedisStreamConfig, consumerName string) ConsumerConfig {
	return ConsumerConfig{
		Stream:        StreamCompanyVectors,
		Group:         ConsumerGroupVectorIngest.WithPrefix(cfg.ConsumerGroupPrefix),
		ConsumerName:  consumerName,
		BlockTimeout:  cfg.BlockTimeout,
		ClaimInterval: cfg.ClaimInterval,
		RetryLimit:    cfg.RetryLimit,
		MaxLen:        int64(cfg.MaxLen),
		Backoff: BackoffConfig{
			Initial:    cfg.RetryBackoff.Initial,
			Max:        cfg.RetryBackoff.Max,
			Multiplier: cfg.RetryBackoff.Multiplier,
		},
	}
}

// NewConsumer 创建消费者
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Multiplier < 1 {
		cfg.Backoff = DefaultBackoffConfig()
	}

	return &Consumer{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumerName:  cfg.ConsumerName,
		blockTimeout:  cfg.BlockTimeout,
		claimInterval: cfg.ClaimInterval,
		reclaimIdle:   max(5*time.Minute, cfg.Backoff.Max*2),
		retryLimit:    cfg.RetryLimit,
		readCount:     int64(cfg.ReadCount),
		maxLen:        cfg.MaxLen,
		backoff:       cfg.Backoff,
		handlers:      make(map[string]MessageHandler),
		stopCh:        make(chan struct{}),
	}
}

// RegisterHandler 注册消息处理器
func (c *Consumer) RegisterHandler(msgType string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// Start 创建消费者组（已存在时忽略）并启动消费循环
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	stop := c.stopCh
	c.mu.Unlock()

	err := c.client.XGroupCreateMkStream(ctx, string(c.stream), string(c.group), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go c.run(ctx, stop)
	return nil
}

// Stop 停止消费循环与 DLQ 监控；之后可再次 Start
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.stopCh)
	c.stopCh = make(chan struct{})
	c.running = false
}

// done 当前一轮运行的停止信号
func (c *Consumer) done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopCh
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func (c *Consumer) run(ctx context.Context, stop <-chan struct{}) {
	log := logger.FromContext(ctx)
	log.Info("consumer started",
		"stream", c.stream,
		"group", c.group,
		"consumer", c.consumerName,
	)
	defer log.Info("consumer stopped", "stream", c.stream)

	lastClaim := time.Now().Add(-c.claimInterval)
	for !stopped(ctx, stop) {
		c.retryDue(ctx)
		if time.Since(lastClaim) >= c.claimInterval {
			c.reclaimStale(ctx)
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    string(c.group),
			Consumer: c.consumerName,
			Streams:  []string{string(c.stream), ">"},
			Count:    c.readCount,
			Block:    c.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
			case <-stop:
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, xmsg := range s.Messages {
				c.processMessage(ctx, xmsg)
			}
		}
	}
}

// decode 解析流条目中的消息
func decode(xmsg redis.XMessage) (*Message, error) {
	raw, ok := xmsg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no data field", xmsg.ID)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("stream entry %s: %w", xmsg.ID, err)
	}
	return &msg, nil
}

func (c *Consumer) processMessage(ctx context.Context, xmsg redis.XMessage) {
	ctx, span := tracer.Start(ctx, "consumer.processMessage",
		trace.WithAttributes(
			attribute.String("stream", string(c.stream)),
			attribute.String("stream.message_id", xmsg.ID),
		))
	defer span.End()

	msg, err := decode(xmsg)
	if err != nil {
		// 无法解析的条目不会因重试而变好
		logger.Error(ctx, "undecodable stream entry", err, "message_id", xmsg.ID)
		placeholder := &Message{ID: xmsg.ID}
		c.deadLetter(ctx, xmsg.ID, placeholder, ItemsFor(nil, string(apperrors.CodeInvalidParam), err.Error()))
		return
	}

	if msg.Index != "" {
		ctx = logger.WithContext(ctx, logger.IndexKey, msg.Index)
	}
	if reqID := msg.GetMetadata("request_id"); reqID != "" {
		ctx = logger.WithContext(ctx, logger.RequestIDKey, reqID)
	}
	if traceID := msg.GetMetadata("trace_id"); traceID != "" {
		ctx = logger.WithContext(ctx, logger.TraceIDKey, traceID)
	}
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", msg.Type),
		attribute.String("index", msg.Index),
	)

	c.mu.RLock()
	handler, exists := c.handlers[msg.Type]
	c.mu.RUnlock()
	if !exists {
		logger.Warn(ctx, "no handler for message type", "type", msg.Type)
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "unhandled").Inc()
		c.ack(ctx, xmsg.ID)
		return
	}

	err = handler(ctx, msg)
	switch {
	case err == nil:
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "success").Inc()
		c.ack(ctx, xmsg.ID)
	case apperrors.IsPermanent(err):
		span.RecordError(err)
		logger.Warn(ctx, "message rejected", "message_id", msg.ID, "error", err.Error())
		code := string(apperrors.AsAppError(err).Code)
		c.deadLetter(ctx, xmsg.ID, msg, ItemsFor(msg.RecordIDs(), code, err.Error()))
	default:
		span.RecordError(err)
		metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "failed").Inc()
		retries := c.retryCount(ctx, xmsg.ID)
		if retries >= c.retryLimit {
			c.exhaust(ctx, xmsg.ID, msg)
			return
		}
		logger.Info(ctx, "message left pending for retry",
			"message_id", msg.ID,
			"retry_count", retries,
			"error", err.Error(),
		)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, string(c.stream), string(c.group), id).Err(); err != nil {
		logger.Error(ctx, "failed to ack message", err, "message_id", id)
	}
}

// deadLetter 写入死信后确认；写入失败时保持待处理，下一轮再试
func (c *Consumer) deadLetter(ctx context.Context, entryID string, msg *Message, items []DeadLetterItem) {
	if err := writeDeadLetter(ctx, c.client, c.maxLen, c.stream, msg, items); err != nil {
		logger.Error(ctx, "failed to write dead letter", err, "message_id", msg.ID)
		return
	}
	metrics.RedisStreamProcessed.WithLabelValues(string(c.stream), "dead_lettered").Inc()
	c.ack(ctx, entryID)
}

// exhaust 重试次数用尽，消息中每条记录按服务不可用写入死信
func (c *Consumer) exhaust(ctx context.Context, entryID string, msg *Message) {
	logger.Warn(ctx, "message moved to DLQ after max retries", "message_id", msg.ID)
	items := ItemsFor(msg.RecordIDs(), string(apperrors.CodeServiceUnavailable), "retry limit exceeded")
	c.deadLetter(ctx, entryID, msg, items)
}

func (c *Consumer) retryCount(ctx context.Context, entryID string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.stream),
		Group:  string(c.group),
		Start:  entryID,
		End:    entryID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

// claimPolicy 决定待处理条目是否认领以及认领时要求的最小空闲时长
type claimPolicy func(p redis.XPendingExt) (minIdle time.Duration, ok bool)

// sweep 扫描待处理条目：超过重试上限的进入死信，其余按策略认领并重新处理
// owner 为空时扫描整个消费者组
func (c *Consumer) sweep(ctx context.Context, owner string, policy claimPolicy) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   string(c.stream),
		Group:    string(c.group),
		Start:    "-",
		End:      "+",
		Count:    20,
		Consumer: owner,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Error(ctx, "failed to query pending messages", err)
		}
		return
	}

	for _, p := range pending {
		minIdle, ok := policy(p)
		if !ok {
			continue
		}
		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   string(c.stream),
			Group:    string(c.group),
			Consumer: c.consumerName,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			logger.Error(ctx, "failed to claim pending message", err, "message_id", p.ID)
			continue
		}

		exhausted := int(p.RetryCount) >= c.retryLimit
		for _, xmsg := range claimed {
			if !exhausted {
				c.processMessage(ctx, xmsg)
				continue
			}
			msg, err := decode(xmsg)
			if err != nil {
				c.deadLetter(ctx, xmsg.ID, &Message{ID: xmsg.ID}, ItemsFor(nil, string(apperrors.CodeInvalidParam), err.Error()))
				continue
			}
			c.exhaust(ctx, xmsg.ID, msg)
		}
	}
}

// retryDue 重新处理本消费者名下退避期已过的消息
func (c *Consumer) retryDue(ctx context.Context) {
	c.sweep(ctx, c.consumerName, func(p redis.XPendingExt) (time.Duration, bool) {
		if int(p.RetryCount) >= c.retryLimit {
			return 0, true
		}
		wait := c.backoff.CalculateBackoff(int(p.RetryCount))
		return wait, p.Idle >= wait
	})
}

// reclaimStale 接管其他消费者长时间未确认的消息
func (c *Consumer) reclaimStale(ctx context.Context) {
	if c.reclaimIdle <= 0 {
		return
	}
	c.sweep(ctx, "", func(p redis.XPendingExt) (time.Duration, bool) {
		if p.Consumer == c.consumerName || p.Idle < c.reclaimIdle {
			return 0, false
		}
		return c.reclaimIdle, true
	})
}

// MonitorDLQ 定期上报死信流长度，超过阈值时告警
func (c *Consumer) MonitorDLQ(ctx context.Context, alertThreshold int64) {
	dlq := c.stream.DLQStream()
	stop := c.done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			n, err := c.client.XLen(ctx, dlq).Result()
			if err != nil {
				continue
			}
			metrics.RedisStreamDeadLetters.WithLabelValues(dlq).Set(float64(n))
			if n > alertThreshold {
				logger.Warn(ctx, "dead letter stream is growing", "stream", dlq, "count", n)
			}
		}
	}
}
