// Package events 提供了向 Kafka 发布聊天领域事件的功能。
package events

import (
	"context"
	"encoding/json"
	"time"

	"movie-mate-go/internal/config"
	"movie-mate-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// ChatCompletedEvent 在一次编排流程（含推荐落库）成功结束后发布。
type ChatCompletedEvent struct {
	ChatID    uint      `json:"chatId,omitempty"`
	MessageID uint      `json:"messageId,omitempty"`
	Mode      string    `json:"mode"`
	Genres    []string  `json:"genres,omitempty"`
	MovieIDs  []int64   `json:"movieIds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 定义了事件发布接口。发布是尽力而为的：
// 失败只记录日志，绝不让当前请求失败。
type Publisher interface {
	PublishChatCompleted(ctx context.Context, ev ChatCompletedEvent)
	// Close 刷出未发送的消息并释放底层连接，停机时调用。
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher 创建一个 Kafka 事件发布器。
// Brokers 未配置时返回 nil，调用方按未启用处理。
func NewKafkaPublisher(cfg config.KafkaConfig) Publisher {
	if cfg.Brokers == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 事件发布器初始化成功")
	return &kafkaPublisher{writer: writer}
}

// PublishChatCompleted 发布一条聊天完成事件。
func (p *kafkaPublisher) PublishChatCompleted(ctx context.Context, ev ChatCompletedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("无法序列化聊天完成事件: %v", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		log.Errorf("发布聊天完成事件失败: %v", err)
	}
}

// Close 关闭底层的 Kafka writer。
func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}
