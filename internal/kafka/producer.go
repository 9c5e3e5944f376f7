package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"carechat-go/internal/config"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// 关闭前等待在途消息落地的时间（毫秒）。
const flushTimeoutMs = 15 * 1000

// MessageProducer 是消息流水线的出站端：入站消息进 messages 主题，
// 推送事件进 outgoing 主题，key 决定分区，保证同一收件人的事件有序。
type MessageProducer interface {
	SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error
	Close()
}

type confluentKafkaProducer struct {
	producer *kafka.Producer
	cfg      config.KafkaConfig
}

// NewConfluentKafkaProducer 基于 confluent-kafka-go 创建生产者。
func NewConfluentKafkaProducer(cfg config.KafkaConfig) (MessageProducer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"security.protocol": cfg.Protocol,
	}
	if cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", cfg.ClientID)
	}

	p, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	return &confluentKafkaProducer{producer: p, cfg: cfg}, nil
}

// SendMessage 同步等待投递回执后返回。消息流水线把持久化建立在
// “已写入主题”之上，所以这里不做 fire-and-forget。
func (p *confluentKafkaProducer) SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error {
	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          payload,
		Timestamp:      time.Now(),
	}

	if err := p.producer.Produce(kafkaMsg, deliveryChan); err != nil {
		// Produce 的同步错误只代表本地入队失败（如队列已满），
		// 真正的投递结果经 deliveryChan 回报。
		return fmt.Errorf("消息入队失败 (主题 %s): %w", topic, err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("投递回执类型异常: %T %v", e, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("投递到主题 %s 失败: %w", topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待主题 %s 的投递回执时上下文取消: %w", topic, ctx.Err())
	}
}

// Close 刷出在途消息后关闭生产者。
func (p *confluentKafkaProducer) Close() {
	if p.producer == nil {
		return
	}
	log.Println("正在关闭 Kafka 生产者...")
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		log.Printf("警告: flush 超时后仍有 %d 条消息未落地", remaining)
	}
	p.producer.Close()
	log.Println("Kafka 生产者已关闭")
}
