// Package events 提供索引变更订阅
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

// EventType 事件类型
type EventType string

const (
	EventUpserted     EventType = "upserted"
	EventDeleted      EventType = "deleted"
	EventIndexDeleted EventType = "index_deleted"
)

// IndexEvent 索引变更事件
type IndexEvent struct {
	Type  EventType `json:"type"`
	Index string    `json:"index"`
	IDs   []string  `json:"ids,omitempty"`
	At    time.Time `json:"at"`
}

// IndexChecker 校验索引是否存在
type IndexChecker func(ctx context.Context, index string) error

// Subscription 单个订阅
type Subscription struct {
	hub   *Hub
	id    uint64
	index string
	ch    chan IndexEvent
	once  sync.Once
}

// Events 事件通道，索引删除或取消订阅后关闭
func (s *Subscription) Events() <-chan IndexEvent { return s.ch }

// Index 订阅的索引
func (s *Subscription) Index() string { return s.index }

// Close 取消订阅
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub 按索引分发事件；慢订阅者丢弃事件而不阻塞写入方
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]*Subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
	checker IndexChecker
}

// NewHub 创建事件中心；checker 为 nil 时不校验索引
func NewHub(checker IndexChecker) *Hub {
	return &Hub{
		subs:    make(map[string]map[uint64]*Subscription),
		checker: checker,
	}
}

// SetChecker 设置索引校验函数
func (h *Hub) SetChecker(checker IndexChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checker = checker
}

// Subscribe 订阅索引事件
func (h *Hub) Subscribe(ctx context.Context, index string, buffer int) (*Subscription, error) {
	h.mu.RLock()
	checker := h.checker
	h.mu.RUnlock()
	if checker != nil {
		if err := checker(ctx, index); err != nil {
			return nil, err
		}
	}
	if buffer <= 0 {
		buffer = 16
	}

	sub := &Subscription{
		hub:   h,
		id:    h.nextID.Add(1),
		index: index,
		ch:    make(chan IndexEvent, buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[index] == nil {
		h.subs[index] = make(map[uint64]*Subscription)
	}
	h.subs[index][sub.id] = sub
	return sub, nil
}

// Publish 非阻塞投递
func (h *Hub) Publish(evt IndexEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[evt.Index] {
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(evt.Index).Inc()
		}
	}
}

// CloseIndex 关闭索引的全部订阅
func (h *Hub) CloseIndex(index string) {
	h.mu.Lock()
	subs := h.subs[index]
	delete(h.subs, index)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	if len(subs) > 0 {
		logger.Debug(context.Background(), "index subscriptions closed", "index", index, "count", len(subs))
	}
}

// Dropped 丢弃的事件数
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers 索引当前订阅数
func (h *Hub) Subscribers(index string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[index])
}

// Close 关闭全部订阅
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if subs, ok := h.subs[s.index]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.subs, s.index)
		}
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
