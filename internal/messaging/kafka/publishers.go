package kafka

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka publisher is not initialized")

// GuardrailPublisher отправляет события guardrail в Kafka topic.
type GuardrailPublisher struct {
	producer *Producer
	topic    string
	source   string
}

// NewGuardrailPublisher создаёт паблишер guardrail-событий. source — имя сервиса-источника.
func NewGuardrailPublisher(producer *Producer, topic, source string) *GuardrailPublisher {
	if topic == "" {
		topic = TopicGuardrailEvents
	}
	return &GuardrailPublisher{producer: producer, topic: topic, source: source}
}

// PublishGuardrail публикует событие с ключом по коду guardrail.
func (p *GuardrailPublisher) PublishGuardrail(ctx context.Context, event domain.GuardrailEvent) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.PublishEvent(p.topic, event.Code, NewGuardrailMessage(event, p.source), map[string]string{
		HeaderMessageType: MessageTypeGuardrail,
		HeaderSource:      p.source,
	})
}

// DeadLetterPublisher отправляет задачи, исчерпавшие попытки, в DLQ topic.
type DeadLetterPublisher struct {
	producer *Producer
	topic    string
}

// NewDeadLetterPublisher создаёт DLQ-паблишер для воркеров outbox и remediation.
func NewDeadLetterPublisher(producer *Producer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = TopicDeadLetters
	}
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

// PublishDeadLetter публикует dead letter с ключом по id задачи.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.PublishEvent(p.topic, dl.JobID, NewDeadLetterMessage(dl), map[string]string{
		HeaderMessageType: MessageTypeDeadLetter,
		HeaderQueue:       dl.Queue,
	})
}

var _ domain.DeadLetterPublisher = (*DeadLetterPublisher)(nil)
