package messaging

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// EventHandler 入站事件处理函数
type EventHandler func(ctx context.Context, evt *Event) error

// SubscriberConfig 入站订阅配置
type SubscriberConfig struct {
	// Topic 入站事件主题
	Topic string
	// MaxRetries 处理失败时的重试次数，耗尽后丢弃并记录日志
	MaxRetries int
}

// EventSubscriber 把入站topic上的事件交给处理函数（对外导出）
type EventSubscriber struct {
	router *message.Router
	cfg    SubscriberConfig
}

// NewEventSubscriber 创建入站事件订阅者
func NewEventSubscriber(sub message.Subscriber, logger watermill.LoggerAdapter, cfg SubscriberConfig, handler EventHandler) (*EventSubscriber, error) {
	if cfg.Topic == "" {
		cfg.Topic = "his.workflow.events"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("创建消息路由器失败: %w", err)
	}

	router.AddMiddleware(
		dropAfterRetries(cfg.Topic),
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: 50 * time.Millisecond,
			Logger:          logger,
		}.Middleware,
		middleware.Recoverer,
	)

	router.AddNoPublisherHandler(
		"his_workflow_inbound_events",
		cfg.Topic,
		sub,
		func(msg *message.Message) error {
			evt, err := EventFromMessage(msg)
			if err != nil {
				// 格式错误的消息重试也无意义
				log.Printf("❌ [事件订阅] 丢弃无法解析的消息 %s: %v", msg.UUID, err)
				return nil
			}
			return handler(msg.Context(), evt)
		},
	)

	return &EventSubscriber{router: router, cfg: cfg}, nil
}

func dropAfterRetries(topic string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil {
				log.Printf("❌ [事件订阅] topic=%s 消息 %s 处理失败，已放弃: %v", topic, msg.UUID, err)
				return nil, nil
			}
			return out, nil
		}
	}
}

// Run 启动订阅，阻塞到ctx结束
func (s *EventSubscriber) Run(ctx context.Context) error {
	log.Printf("✅ [事件订阅] 开始监听 topic=%s", s.cfg.Topic)
	return s.router.Run(ctx)
}

// Running 路由器启动完成后关闭
func (s *EventSubscriber) Running() <-chan struct{} {
	return s.router.Running()
}

// Close 停止订阅
func (s *EventSubscriber) Close() error {
	return s.router.Close()
}

// PublishEvent 把事件发布到入站topic（CLI和测试使用）
func PublishEvent(pub message.Publisher, topic string, evt *Event) error {
	msg, err := evt.ToMessage()
	if err != nil {
		return err
	}
	if err := pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}
