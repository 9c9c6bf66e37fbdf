package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// DeadLetterHandler обрабатывает dead letter из Kafka
type DeadLetterHandler func(ctx context.Context, dl domain.DeadLetter) error

// Consumer читает DLQ topic через consumer group
type Consumer struct {
	consumer sarama.ConsumerGroup
	topics   []string
	handler  DeadLetterHandler
	logger   *log.Entry
	wg       sync.WaitGroup
}

// NewDeadLetterConsumer создает consumer DLQ topic
func NewDeadLetterConsumer(brokers []string, groupID, topic string, handler DeadLetterHandler) (*Consumer, error) {
	if topic == "" {
		topic = TopicDeadLetters
	}
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer: consumer,
		topics:   []string{topic},
		handler:  handler,
		logger:   log.WithField("component", "kafka-dlq-consumer"),
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при rebalance, поэтому вызывается в цикле
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			logger := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.handleMessage(session.Context(), message); err != nil {
				// Сообщение не маркируется и будет прочитано снова после rebalance.
				logger.WithError(err).Error("dead letter processing failed")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage возвращает ошибку только для сообщений, которые стоит перечитать.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	if kind := headerValue(message, HeaderMessageType); kind != "" && kind != MessageTypeDeadLetter {
		c.logger.WithField("message_type", kind).Debug("non dead letter message skipped")
		return nil
	}

	dl, err := ParseDeadLetter(message)
	if err != nil {
		c.logger.WithError(err).WithField("offset", message.Offset).Warn("malformed dead letter skipped")
		return nil
	}

	if err := c.handler(ctx, dl); err != nil {
		return fmt.Errorf("handle dead letter %s/%s: %w", dl.Queue, dl.JobID, err)
	}
	c.logger.WithFields(log.Fields{
		"queue":  dl.Queue,
		"job_id": dl.JobID,
	}).Info("dead letter handled")
	return nil
}
