package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	return config
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("kafka publisher initialized", "brokers", brokers, "topic", topic)
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish keys messages by request id so one request's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.RequestID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(e.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send to kafka: %w", err)
	}

	p.logger.DebugContext(ctx, "event sent to kafka",
		"topic", p.topic, "partition", partition, "offset", offset, "event_type", e.Type)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

type KafkaConsumer struct {
	consumer sarama.ConsumerGroup
	topic    string
	handler  *ConsumerGroupHandler
	logger   *slog.Logger
}

func NewKafkaConsumer(brokers []string, group, topic string, handle Handler, logger *slog.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, group, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &KafkaConsumer{
		consumer: consumerGroup,
		topic:    topic,
		handler:  &ConsumerGroupHandler{Handle: handle, Logger: logger},
		logger:   logger,
	}, nil
}

// Start consumes until ctx is done, rejoining the group after rebalances.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumer.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("error consuming borrow events", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumer.Close()
}

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler.
type ConsumerGroupHandler struct {
	Handle Handler
	Logger *slog.Logger
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks every message, including ones that fail to decode;
// notifications are best effort and never replayed.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var e domain.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			h.Logger.Error("failed to unmarshal borrow event",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			session.MarkMessage(msg, "")
			continue
		}

		h.Handle(session.Context(), e)
		session.MarkMessage(msg, "")
	}
	return nil
}
