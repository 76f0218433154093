// Package kafka 提供投影变更通知的 Kafka 生产者
//
// 下游 (API 层缓存、搜索索引) 订阅投影变更 topic 以获知
// 哪类实体在哪个区块范围内发生了变化。通知只做提示，
// 不携带行数据，消费方自行回查投影库。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/bountylab/bounty-indexer/pkg/logger"
)

// 投影变更通知 Topic
//
// Partition Key: contract_address (同一合约的变更保序)
const (
	// TopicBountyChanged 赏金任务投影变更
	TopicBountyChanged = "bounty-projection-changed"

	// TopicSubmissionChanged 漏洞提交投影变更
	TopicSubmissionChanged = "submission-projection-changed"

	// TopicHunterChanged 猎人统计投影变更
	TopicHunterChanged = "hunter-projection-changed"
)

// EntityType 投影实体类型
type EntityType string

const (
	EntityTypeBounty     EntityType = "bounty"
	EntityTypeSubmission EntityType = "submission"
	EntityTypeHunter     EntityType = "hunter"
)

// topicFor 实体类型到 topic 的映射
func topicFor(entity EntityType) (string, error) {
	switch entity {
	case EntityTypeBounty:
		return TopicBountyChanged, nil
	case EntityTypeSubmission:
		return TopicSubmissionChanged, nil
	case EntityTypeHunter:
		return TopicHunterChanged, nil
	default:
		return "", fmt.Errorf("unknown entity type: %s", entity)
	}
}

// ProjectionChange 一个已提交批次内某类实体的变更摘要
type ProjectionChange struct {
	ChainID         int64      `json:"chain_id"`
	ContractAddress string     `json:"contract_address"`
	EntityType      EntityType `json:"entity_type"`
	FromBlock       uint64     `json:"from_block"`
	ToBlock         uint64     `json:"to_block"`
	EventCount      int        `json:"event_count"`
	OccurredAt      int64      `json:"occurred_at"`
}

// Notifier 投影变更通知接口
//
// 通知是尽力而为的: 发布失败只记日志，不影响批次提交。
type Notifier interface {
	NotifyProjectionChange(ctx context.Context, change *ProjectionChange) error
}

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// NotifyProjectionChange 发送投影变更通知
func (p *Producer) NotifyProjectionChange(ctx context.Context, change *ProjectionChange) error {
	topic, err := topicFor(change.EntityType)
	if err != nil {
		return err
	}

	if change.OccurredAt == 0 {
		change.OccurredAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(change)
	if err != nil {
		return err
	}

	return p.send(topic, change.ContractAddress, data)
}
