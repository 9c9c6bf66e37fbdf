package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// Topics для Kafka
const (
	TopicGuardrailEvents = "billing.guardrail.events"
	TopicDeadLetters     = "billing.dlq"
)

// Kafka headers
const (
	HeaderMessageType = "x-message-type"
	HeaderQueue       = "x-queue"
	HeaderSource      = "x-source"
)

// Типы сообщений в заголовке x-message-type.
const (
	MessageTypeGuardrail  = "billing.guardrail"
	MessageTypeDeadLetter = "billing.dead_letter"
)

// GuardrailMessage — событие guardrail в том виде, в каком оно уходит в topic.
type GuardrailMessage struct {
	Code        string         `json:"code"`
	Component   string         `json:"component"`
	Source      string         `json:"source,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	PublishedAt time.Time      `json:"published_at"`
}

// NewGuardrailMessage создает сообщение из события guardrail.
func NewGuardrailMessage(event domain.GuardrailEvent, source string) GuardrailMessage {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return GuardrailMessage{
		Code:        event.Code,
		Component:   event.Component,
		Source:      source,
		Fields:      event.Fields,
		OccurredAt:  occurred,
		PublishedAt: time.Now().UTC(),
	}
}

// DeadLetterMessage — задача, исчерпавшая попытки.
type DeadLetterMessage struct {
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error"`
	DeadAt       time.Time       `json:"dead_at"`
	PublishedAt  time.Time       `json:"published_at"`
}

// NewDeadLetterMessage создает сообщение из dead letter.
func NewDeadLetterMessage(dl domain.DeadLetter) DeadLetterMessage {
	msg := DeadLetterMessage{
		Queue:        dl.Queue,
		JobID:        dl.JobID,
		JobType:      dl.JobType,
		AttemptCount: dl.AttemptCount,
		LastError:    dl.LastError,
		DeadAt:       dl.DeadAt,
		PublishedAt:  time.Now().UTC(),
	}
	if json.Valid(dl.Payload) {
		msg.Payload = json.RawMessage(dl.Payload)
	}
	return msg
}

// DeadLetter возвращает доменное представление сообщения.
func (m DeadLetterMessage) DeadLetter() domain.DeadLetter {
	return domain.DeadLetter{
		Queue:        m.Queue,
		JobID:        m.JobID,
		JobType:      m.JobType,
		Payload:      []byte(m.Payload),
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		DeadAt:       m.DeadAt,
	}
}

// ParseDeadLetter парсит dead letter из сообщения
func ParseDeadLetter(message *sarama.ConsumerMessage) (domain.DeadLetter, error) {
	var msg DeadLetterMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if msg.JobID == "" || msg.Queue == "" {
		return domain.DeadLetter{}, fmt.Errorf("dead letter at offset %d has no job id or queue", message.Offset)
	}
	return msg.DeadLetter(), nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
