package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/fraudshield/internal/geo"
)

// ErrEmptyMessage is returned when there is nothing to publish.
var ErrEmptyMessage = errors.New("ingest: empty message")

// Producer publishes submissions partitioned by the payer's region.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	geo      geo.Resolver
	logger   *slog.Logger
}

// NewProducer connects a synchronous producer to brokers.
func NewProducer(brokers []string, topic string, resolver geo.Resolver, logger *slog.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewManualPartitioner

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p := NewProducerWith(sp, topic, resolver, logger)
	p.logger.Info("kafka producer created", "topic", topic, "brokers", brokers)
	return p, nil
}

// NewProducerWith wraps an existing sarama producer.
func NewProducerWith(sp sarama.SyncProducer, topic string, resolver geo.Resolver, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{producer: sp, topic: topic, geo: resolver, logger: logger}
}

// Topic returns the default topic.
func (p *Producer) Topic() string { return p.topic }

// Send publishes message to topic, or to the default topic when topic is
// empty. The partition is chosen from the region of the message's "ip".
func (p *Producer) Send(ctx context.Context, topic string, message json.RawMessage) (int32, int64, error) {
	if len(message) == 0 || string(message) == "null" {
		return 0, 0, ErrEmptyMessage
	}
	if topic == "" {
		topic = p.topic
	}

	var peek struct {
		IP string `json:"ip"`
	}
	_ = json.Unmarshal(message, &peek)
	state := p.geo.Lookup(ctx, peek.IP).Region

	msg := buildMessage(topic, state, message)

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	resultCh := make(chan result, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		resultCh <- result{partition, offset, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			p.logger.Error("kafka send failed", "topic", topic, "state", state, "error", res.err)
			return 0, 0, fmt.Errorf("ingest: send: %w", res.err)
		}
		p.logger.Debug("kafka send succeeded",
			"topic", topic,
			"region", ClassifyState(state),
			"partition", res.partition,
			"offset", res.offset,
		)
		return res.partition, res.offset, nil
	case <-ctx.Done():
		p.logger.Warn("kafka send cancelled", "topic", topic)
		return 0, 0, ctx.Err()
	}
}

// Close shuts the underlying producer down.
func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func buildMessage(topic, state string, value []byte) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(ClassifyState(state)),
		Value:     sarama.ByteEncoder(value),
		Partition: Partition(state),
	}
}
