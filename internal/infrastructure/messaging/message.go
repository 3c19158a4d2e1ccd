// Package messaging 提供基于 Redis Streams 的向量摄取队列
package messaging

import (
	"encoding/json"
	"time"

	"theodore-ai-api/internal/domain/entity"
)

// Message 消息结构
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Index     string            `json:"index"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewMessage 创建新消息
func NewMessage(id, msgType, index string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        id,
		Type:      msgType,
		Index:     index,
		Payload:   payloadBytes,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now(),
	}, nil
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// GetMetadata 获取元数据
func (m *Message) GetMetadata(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// UnmarshalPayload 解析消息载荷
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// 消息类型
const (
	TypeUpsertVectors = "upsert_vectors"
	TypeDeleteVectors = "delete_vectors"
)

// UpsertVectorsMessage 批量写入向量
type UpsertVectorsMessage struct {
	Index   string                 `json:"index"`
	Records []*entity.VectorRecord `json:"records"`
}

// DeleteVectorsMessage 批量删除向量
type DeleteVectorsMessage struct {
	Index string   `json:"index"`
	IDs   []string `json:"ids"`
}

// DeadLetterItem 死信中的单项失败
type DeadLetterItem struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// DeadLetter 死信流中的一条记录
type DeadLetter struct {
	OriginalStream string           `json:"original_stream"`
	Message        *Message         `json:"data"`
	Items          []DeadLetterItem `json:"items"`
	FailedAt       int64            `json:"failed_at"`
}

// RecordIDs 消息涉及的记录 ID，载荷无法解析时返回 nil
func (m *Message) RecordIDs() []string {
	switch m.Type {
	case TypeUpsertVectors:
		var p UpsertVectorsMessage
		if err := m.UnmarshalPayload(&p); err != nil {
			return nil
		}
		ids := make([]string, 0, len(p.Records))
		for _, rec := range p.Records {
			if rec != nil {
				ids = append(ids, rec.ID)
			}
		}
		return ids
	case TypeDeleteVectors:
		var p DeleteVectorsMessage
		if err := m.UnmarshalPayload(&p); err != nil {
			return nil
		}
		return p.IDs
	}
	return nil
}

// ItemsFor 为每个记录生成同一原因的死信条目；没有记录时生成一条消息级条目
func ItemsFor(ids []string, code, reason string) []DeadLetterItem {
	if len(ids) == 0 {
		return []DeadLetterItem{{Code: code, Error: reason}}
	}
	items := make([]DeadLetterItem, len(ids))
	for i, id := range ids {
		items[i] = DeadLetterItem{ID: id, Code: code, Error: reason}
	}
	return items
}

// Stream 流定义
type Stream string

const (
	StreamCompanyVectors Stream = "stream:company:vectors"
)

// DLQStream 获取对应的死信队列流名称
func (s Stream) DLQStream() string {
	return "dlq:" + string(s)
}

// ConsumerGroup 消费者组定义
type ConsumerGroup string

const (
	ConsumerGroupVectorIngest ConsumerGroup = "cg-vector-ingest"
)

// WithPrefix 按部署前缀区分消费者组
func (g ConsumerGroup) WithPrefix(prefix string) ConsumerGroup {
	if prefix == "" {
		return g
	}
	return ConsumerGroup(prefix + "-" + string(g))
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig 默认退避配置
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// CalculateBackoff 计算退避时间
func (c BackoffConfig) CalculateBackoff(retryCount int) time.Duration {
	backoff := c.Initial
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.Max {
			backoff = c.Max
			break
		}
	}
	return backoff
}
