package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"

	"carechat-go/internal/config"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// MessageHandler 处理一条已消费的消息。返回 nil 才提交位点：
// 处理失败的消息留在原位，下次轮询重试。
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer 是消息流水线的入站端。chatserver 用两个实例分别
// 消费 messages 主题（落库 + 扇出）和 outgoing 主题（hub 推送）。
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
}

// NewConfluentKafkaConsumer 创建消费者。group ID 在 Consume 时传入，
// 同一份配置可以起多个组。
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) (MessageConsumer, error) {
	return &confluentKafkaConsumer{cfg: cfg}, nil
}

// Consume 阻塞消费，直到上下文取消或遇到致命错误。
// 位点手动提交，且只在 handler 成功后提交，保证至少一次处理。
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("消费者未指定任何主题")
	}
	c.groupID = groupID

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "false",
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("创建消费者失败 (组 %s): %w", groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		return fmt.Errorf("订阅主题 %v 失败 (组 %s): %w", topics, groupID, err)
	}

	log.Printf("消费者组 %s 已启动，订阅主题: %v", groupID, topics)

	for {
		select {
		case <-ctx.Done():
			log.Printf("消费者组 %s 收到退出信号", groupID)
			return nil
		default:
		}

		ev := c.consumer.Poll(1000)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Printf("处理消息失败 (组 %s, 主题 %s, 位点 %v): %v",
					groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
				continue
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Printf("提交位点失败 (组 %s, 主题 %s, 位点 %v): %v",
					groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
			}
		case kafka.Error:
			log.Printf("消费者错误 (组 %s): %v (code=%d fatal=%t retriable=%t)",
				groupID, e, e.Code(), e.IsFatal(), e.IsRetriable())
			if e.IsFatal() {
				return e
			}
		case kafka.PartitionEOF:
			// 读到分区末尾，继续轮询即可。
		case kafka.AssignedPartitions:
			log.Printf("消费者组 %s 分配到分区: %v", groupID, e.Partitions)
			c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Printf("消费者组 %s 的分区被回收: %v", groupID, e.Partitions)
			c.consumer.Unassign()
		default:
		}
	}
}

// Close 关闭底层消费者。
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		log.Printf("关闭消费者失败 (组 %s): %v", c.groupID, err)
	}
	c.consumer = nil
}
