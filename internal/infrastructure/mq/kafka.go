package mq

import (
	"fmt"

	"creditsystem/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 消息投递接口，OutboxSender 依赖它
type Publisher interface {
	Send(topic, key, value string) error
	Close() error
}

// KafkaPublisher 基于 sarama 同步生产者的实现
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaProducerConfig 生产者配置：等待所有副本确认，按 key 哈希分区
func NewKafkaProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	return kafkaConfig
}

// NewKafkaPublisher 创建 Kafka 生产者
func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return &KafkaPublisher{producer: producer}, nil
}

// NewPublisherWithProducer 复用已有的生产者（测试中传入 sarama mocks）
func NewPublisherWithProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Send 发送消息到 Kafka，key 决定分区，同一账户的事件保持有序
func (p *KafkaPublisher) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
