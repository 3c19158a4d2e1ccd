package handler

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"theodore-ai-api/internal/infrastructure/events"
	"theodore-ai-api/internal/interfaces/http/dto"
)

// EventSubscriber 索引变更订阅
type EventSubscriber interface {
	Subscribe(ctx context.Context, index string, buffer int) (*events.Subscription, error)
}

// EventsHandler 索引变更事件流处理器
type EventsHandler struct {
	hub       EventSubscriber
	buffer    int
	keepAlive time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(hub EventSubscriber) *EventsHandler {
	return &EventsHandler{
		hub:       hub,
		buffer:    64,
		keepAlive: 15 * time.Second,
		done:      make(chan struct{}),
	}
}

// Close 结束所有进行中的事件流，服务关闭时调用
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream 订阅索引变更
// @Summary 订阅索引变更
// @Description 通过 SSE 推送索引的写入、删除事件；索引被删除后流结束
// @Tags Indexes
// @Produce text/event-stream
// @Param name path string true "索引名"
// @Success 200 "SSE stream"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/indexes/{name}/events [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	sub, err := h.hub.Subscribe(ctx, dto.BindIndexName(c), h.buffer)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	defer sub.Close()

	// 设置 SSE 响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	// 长连接不受服务端写超时限制；测试用的 recorder 不支持时忽略
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				// 订阅已关闭（索引删除或服务退出）
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return evt.Type != events.EventIndexDeleted

		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now()})
			return true

		case <-ctx.Done():
			// 客户端断开
			return false

		case <-h.done:
			return false
		}
	})
}
