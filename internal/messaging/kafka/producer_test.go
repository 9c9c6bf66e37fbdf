package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

func newTestProducer(mockProducer *mocks.SyncProducer) *Producer {
	return &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}
}

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicGuardrailEvents {
			t.Errorf("unexpected topic %s", msg.Topic)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderSource {
			t.Errorf("unexpected headers %v", msg.Headers)
		}
		return nil
	})

	producer := newTestProducer(mockProducer)
	err := producer.PublishEvent(TopicGuardrailEvents, "billing.lease_fenced", map[string]string{"a": "b"},
		map[string]string{HeaderSource: "billing-service"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := newTestProducer(mockProducer)
	if err := producer.PublishEvent(TopicDeadLetters, "job-1", map[string]string{}, nil); err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newTestProducer(mockProducer)

	if err := producer.PublishEvent(TopicDeadLetters, "job-1", make(chan int), nil); err == nil {
		t.Fatal("expected marshal error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGuardrailPublisher(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded GuardrailMessage
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Code != "billing.lease_fenced" || decoded.Source != "billing-service" {
			t.Errorf("unexpected guardrail message %#v", decoded)
		}
		if decoded.OccurredAt.IsZero() {
			t.Error("occurred_at should be stamped")
		}
		return nil
	})

	publisher := NewGuardrailPublisher(newTestProducer(mockProducer), "", "billing-service")
	err := publisher.PublishGuardrail(context.Background(), domain.GuardrailEvent{
		Code:      "billing.lease_fenced",
		Component: "checkout-orchestrator",
		Fields:    map[string]any{"operation_key": "op-1"},
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDeadLetterPublisher(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetters {
			t.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "job-1" {
			t.Errorf("unexpected key %s", key)
		}
		return nil
	})

	publisher := NewDeadLetterPublisher(newTestProducer(mockProducer), "")
	err := publisher.PublishDeadLetter(context.Background(), domain.DeadLetter{
		Queue:        "outbox",
		JobID:        "job-1",
		JobType:      domain.OutboxJobExpireCheckoutSession,
		Payload:      []byte(`{"providerCheckoutSessionId":"cs_1"}`),
		AttemptCount: 5,
		LastError:    "provider unavailable",
		DeadAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishers_NilProducer(t *testing.T) {
	if err := NewDeadLetterPublisher(nil, "").PublishDeadLetter(context.Background(), domain.DeadLetter{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
	if err := NewGuardrailPublisher(nil, "", "svc").PublishGuardrail(context.Background(), domain.GuardrailEvent{Code: "x"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestPublishers_CanceledContext(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewDeadLetterPublisher(newTestProducer(mockProducer), "").PublishDeadLetter(ctx, domain.DeadLetter{JobID: "job-1"}); err == nil {
		t.Fatal("expected context error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDeadLetterMessageRoundTrip(t *testing.T) {
	dl := domain.DeadLetter{
		Queue:        "remediation",
		JobID:        "task-1",
		JobType:      domain.RemediationKindCancelDuplicateSubscription,
		Payload:      []byte(`{"providerSubscriptionId":"sub_2"}`),
		AttemptCount: 3,
		LastError:    "boom",
	}
	raw, err := json.Marshal(NewDeadLetterMessage(dl))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseDeadLetter(&sarama.ConsumerMessage{Value: raw})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.JobID != "task-1" || parsed.Queue != "remediation" || string(parsed.Payload) != string(dl.Payload) {
		t.Fatalf("unexpected dead letter %#v", parsed)
	}

	if _, err := ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte(`{"queue":"outbox"}`)}); err == nil {
		t.Fatal("expected error for dead letter without job id")
	}
	if _, err := ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestProducer_PingWithoutClient(t *testing.T) {
	producer := newTestProducer(mocks.NewSyncProducer(t, nil))
	defer func() { _ = producer.Close() }()

	if err := producer.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error for producer without client")
	}

	var nilProducer *Producer
	if err := nilProducer.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error for nil producer")
	}
}
