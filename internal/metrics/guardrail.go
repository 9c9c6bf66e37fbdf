package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// GuardrailSink — внешний получатель событий guardrail (например, Kafka).
type GuardrailSink interface {
	PublishGuardrail(ctx context.Context, event domain.GuardrailEvent) error
}

// GuardrailOption настраивает GuardrailRecorder.
type GuardrailOption func(*GuardrailRecorder)

// WithGuardrailLogger задает logger.
func WithGuardrailLogger(logger *log.Entry) GuardrailOption {
	return func(r *GuardrailRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithGuardrailSink добавляет внешнего получателя событий.
func WithGuardrailSink(sink GuardrailSink) GuardrailOption {
	return func(r *GuardrailRecorder) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

// WithGuardrailClock подменяет источник времени.
func WithGuardrailClock(clock func() time.Time) GuardrailOption {
	return func(r *GuardrailRecorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// GuardrailRecorder пишет события guardrail в лог, счетчик Prometheus и внешние sink.
// Ошибка sink не влияет на вызывающего.
type GuardrailRecorder struct {
	events *prometheus.CounterVec
	logger *log.Entry
	sinks  []GuardrailSink
	clock  func() time.Time
}

// NewGuardrailRecorder создает recorder в указанном registerer.
func NewGuardrailRecorder(registerer prometheus.Registerer, opts ...GuardrailOption) *GuardrailRecorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &GuardrailRecorder{
		events: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_guardrail_events_total",
			Help: "Total number of billing guardrail events grouped by code and component",
		}, []string{"code", "component"}),
		logger: log.WithField("component", "billing-guardrail"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordBillingGuardrail регистрирует событие.
func (r *GuardrailRecorder) RecordBillingGuardrail(ctx context.Context, event domain.GuardrailEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock()
	}
	r.events.WithLabelValues(event.Code, event.Component).Inc()

	fields := log.Fields{"guardrail_code": event.Code, "guardrail_component": event.Component}
	for k, v := range event.Fields {
		fields[k] = v
	}
	r.logger.WithFields(fields).Warn("billing guardrail triggered")

	for _, sink := range r.sinks {
		if err := sink.PublishGuardrail(ctx, event); err != nil {
			r.logger.WithError(err).WithField("guardrail_code", event.Code).Warn("failed to publish guardrail event")
		}
	}
}

var _ domain.GuardrailRecorder = (*GuardrailRecorder)(nil)
