package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/LENAX/his-workflow/pkg/core/types"
)

// PublisherConfig 发布重试配置
type PublisherConfig struct {
	// MaxRetries 单次Publish内部的重试次数，不含首次
	MaxRetries uint64
	// InitialInterval 首次重试间隔
	InitialInterval time.Duration
	// DefaultTopic 消息未指定topic时使用
	DefaultTopic string
}

// Publisher 基于watermill的 types.Publisher 实现（对外导出）
type Publisher struct {
	pub message.Publisher
	cfg PublisherConfig
}

// NewPublisher 创建发布者
func NewPublisher(pub message.Publisher, cfg PublisherConfig) *Publisher {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	return &Publisher{pub: pub, cfg: cfg}
}

// Publish 发布出站消息，发布失败时按指数退避重试
func (p *Publisher) Publish(ctx context.Context, out *types.OutboundMessage) error {
	topic := out.Topic
	if topic == "" {
		topic = p.cfg.DefaultTopic
	}
	if topic == "" {
		return fmt.Errorf("消息缺少topic")
	}

	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	// 同一幂等键的重复投递使用相同的消息ID
	id := uuid.NewString()
	if out.IdempotencyKey != "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(out.IdempotencyKey)).String()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		msg := message.NewMessage(id, payload)
		msg.Metadata.Set(MetadataKey, out.Key)
		msg.Metadata.Set(MetadataIdempotencyKey, out.IdempotencyKey)
		msg.Metadata.Set(MetadataTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
		msg.SetContext(ctx)
		if err := p.pub.Publish(topic, msg); err != nil {
			log.Printf("⚠️ [消息发布] topic=%s 第%d次发布失败: %v", topic, attempt, err)
			return err
		}
		return nil
	}, policy)
}

var _ types.Publisher = (*Publisher)(nil)
