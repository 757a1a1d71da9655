package messaging

import (
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// BusConfig 进程内消息总线配置
type BusConfig struct {
	// OutputBuffer 每个订阅者的缓冲区大小
	OutputBuffer int64
	Debug        bool
	Trace        bool
}

// Bus 进程内消息总线（对外导出）
// 出站消息和入站事件共用同一个gochannel，接入真实broker时替换Publisher/Subscriber即可。
// Publish阻塞到所有订阅者ack，同一topic上的事件按发布顺序逐条处理；
// 订阅者的处理函数不能向自己订阅的topic发布消息
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// NewBus 创建消息总线
func NewBus(cfg BusConfig) *Bus {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 256
	}
	logger := watermill.NewStdLogger(cfg.Debug, cfg.Trace)
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.OutputBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publisher 底层watermill发布者
func (b *Bus) Publisher() message.Publisher {
	return b.pubsub
}

// Subscriber 底层watermill订阅者
func (b *Bus) Subscriber() message.Subscriber {
	return b.pubsub
}

// Logger watermill日志适配器
func (b *Bus) Logger() watermill.LoggerAdapter {
	return b.logger
}

// Close 关闭总线
func (b *Bus) Close() error {
	if err := b.pubsub.Close(); err != nil {
		return err
	}
	log.Printf("✅ [消息总线] 已关闭")
	return nil
}
