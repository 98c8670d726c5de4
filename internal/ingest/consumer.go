package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/pipeline"
)

// Assessor runs one submission through the pipeline.
type Assessor interface {
	Run(ctx context.Context, s pipeline.Submission) (*pipeline.Bundle, *pipeline.Failure)
}

// Consumer feeds a topic's submissions into the pipeline.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *claimHandler
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewConsumer joins groupID on brokers.
func NewConsumer(brokers []string, groupID, topic string, assessor Assessor, logger *slog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	c := NewConsumerWith(group, topic, assessor, logger)
	c.logger.Info("kafka consumer created", "group_id", groupID, "topic", topic)
	return c, nil
}

// NewConsumerWith wraps an existing consumer group.
func NewConsumerWith(group sarama.ConsumerGroup, topic string, assessor Assessor, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		group:   group,
		topic:   topic,
		handler: &claimHandler{assessor: assessor, logger: logger},
		logger:  logger,
	}
}

// Start consumes until ctx is cancelled. It returns immediately.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume returns on every rebalance; loop to rejoin.
			if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("kafka consume failed", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer group error", "error", err)
		}
	}()
}

// Close leaves the group and waits for in-flight messages.
func (c *Consumer) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		err := c.group.Close()
		c.wg.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		c.logger.Info("kafka consumer closed")
		return err
	case <-ctx.Done():
		c.logger.Warn("kafka consumer close timed out")
		return ctx.Err()
	}
}

type claimHandler struct {
	assessor Assessor
	logger   *slog.Logger
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes messages one at a time. Every message is marked,
// including ones that could not be decoded or assessed: a submission is
// never replayed automatically.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *claimHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	log := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	var s pipeline.Submission
	if err := json.Unmarshal(msg.Value, &s); err != nil {
		metrics.IngestMessagesTotal.WithLabelValues("poison").Inc()
		log.Error("undecodable kafka message", "error", err, "raw_message", string(msg.Value))
		return
	}

	bundle, failure := h.assessor.Run(logging.WithLogger(ctx, log), s)
	if failure != nil {
		metrics.IngestMessagesTotal.WithLabelValues("failed").Inc()
		log.Warn("kafka submission not assessed",
			"transaction_id", failure.TransactionID,
			"stage", failure.Stage,
			"kind", failure.Kind,
			"message", failure.Message,
		)
		return
	}

	metrics.IngestMessagesTotal.WithLabelValues("assessed").Inc()
	log.Info("kafka submission assessed",
		"transaction_id", bundle.TransactionID,
		"is_fraud", bundle.IsFraud(),
	)
}
