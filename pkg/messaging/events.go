// Package messaging 基于watermill的消息总线：出站消息发布和入站业务事件订阅。
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// 消息元数据键
const (
	MetadataEventName      = "event_name"
	MetadataCorrelationID  = "correlation_id"
	MetadataKey            = "key"
	MetadataIdempotencyKey = "idempotency_key"
	MetadataTimestamp      = "timestamp"
)

// Event 入站业务事件（对外导出）
// 例如检验系统回传的 lab.result，床位系统回传的 bed.assigned
type Event struct {
	ID            string            `json:"id"`             // 事件ID（UUID）
	Name          string            `json:"name"`           // 事件名，与等待点的event匹配
	CorrelationID string            `json:"correlation_id"` // 关联ID，为空时广播给所有等待者
	Payload       any               `json:"payload"`        // 事件负载
	Timestamp     time.Time         `json:"timestamp"`      // 事件时间
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent 创建事件
func NewEvent(name string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// WithMetadata 添加元数据
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// WithCorrelationID 设置关联ID
func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// ToMessage 编码为watermill消息
func (e *Event) ToMessage() (*message.Message, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := message.NewMessage(e.ID, payload)
	msg.Metadata.Set(MetadataEventName, e.Name)
	msg.Metadata.Set(MetadataCorrelationID, e.CorrelationID)
	msg.Metadata.Set(MetadataTimestamp, e.Timestamp.UTC().Format(time.RFC3339Nano))
	for k, v := range e.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

// EventFromMessage 从watermill消息解码事件
// 负载不是Event结构时，把整个负载当作事件payload，事件名取自元数据
func EventFromMessage(msg *message.Message) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil || evt.Name == "" {
		var raw any
		if err := json.Unmarshal(msg.Payload, &raw); err != nil {
			return nil, fmt.Errorf("解析事件失败: %w", err)
		}
		evt = Event{ID: msg.UUID, Payload: raw}
	}
	if evt.Name == "" {
		evt.Name = msg.Metadata.Get(MetadataEventName)
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = msg.Metadata.Get(MetadataCorrelationID)
	}
	if evt.ID == "" {
		evt.ID = msg.UUID
	}
	if evt.Name == "" {
		return nil, fmt.Errorf("事件缺少名称: message=%s", msg.UUID)
	}
	return &evt, nil
}
