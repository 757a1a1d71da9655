// Package types 定义引擎依赖的外部协作方接口，用于解耦引擎与传输层实现。
package types

import (
	"context"
	"time"
)

// OutboundMessage 待发布的消息（对外导出）
type OutboundMessage struct {
	Topic   string
	Key     string
	Payload any
	// IdempotencyKey 由实例ID和步骤ID派生，重复投递时下游据此去重
	IdempotencyKey string
}

// Publisher 消息发布协作方（对外导出）
// 返回nil即视为下游已确认
type Publisher interface {
	Publish(ctx context.Context, msg *OutboundMessage) error
}

// HTTPRequest 外部HTTP调用请求（对外导出）
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	// Timeout 单次调用超时，为0时由Sender决定
	Timeout        time.Duration
	IdempotencyKey string
}

// HTTPResponse 外部HTTP调用响应（对外导出）
type HTTPResponse struct {
	StatusCode int
	// Body 按JSON解码的响应体，非JSON时为原始字符串
	Body any
}

// Sender HTTP调用协作方（对外导出）
// 传输层错误通过error返回，非2xx响应正常返回由调用方判断
type Sender interface {
	Send(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// PublisherFunc 函数适配器
type PublisherFunc func(ctx context.Context, msg *OutboundMessage) error

// Publish 实现Publisher
func (f PublisherFunc) Publish(ctx context.Context, msg *OutboundMessage) error {
	return f(ctx, msg)
}

// SenderFunc 函数适配器
type SenderFunc func(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)

// Send 实现Sender
func (f SenderFunc) Send(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return f(ctx, req)
}
