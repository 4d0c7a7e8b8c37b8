// Package kafka 提供了与 Kafka 消息队列交互的功能，用于传递用量事件。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"pai-smart-chat/internal/config"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// UsageProcessor 处理从 Kafka 读到的用量事件。
type UsageProcessor interface {
	Process(ctx context.Context, ev tasks.UsageEvent) error
}

// messageWriter 是 kafka.Writer 中生产者用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 发布用量事件。
type Producer struct {
	w messageWriter
}

// NewProducer 创建 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg.Brokers)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Infof("Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return &Producer{w: w}
}

// PublishUsage 发送一个用量事件，按用户分区以保证同一用户的事件有序。
func (p *Producer) PublishUsage(ctx context.Context, ev tasks.UsageEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.UserID), Value: value})
}

// Close 刷新并关闭生产者。
func (p *Producer) Close() error {
	return p.w.Close()
}

// StartConsumer 消费用量事件直到 ctx 结束。处理成功或消息无法解析时提交 offset，
// 处理失败时不提交，让消费组重新投递。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor UsageProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("Kafka 消费者已停止")
			} else {
				log.Error("从 Kafka 读取消息失败", err)
			}
			return
		}
		if handle(ctx, m, processor) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handle 处理一条消息，返回是否应提交 offset。
func handle(ctx context.Context, m kafka.Message, processor UsageProcessor) bool {
	var ev tasks.UsageEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}
	if err := processor.Process(ctx, ev); err != nil {
		log.Errorf("处理用量事件失败: user=%s channel=%s err=%v", ev.UserID, ev.Channel, err)
		return false
	}
	return true
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

