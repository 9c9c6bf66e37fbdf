package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики оркестратора checkout.
type CheckoutMetrics struct {
	// Исходы StartCheckout и claimOrReplay
	checkoutOutcomes *prometheus.CounterVec
	claimOutcomes    *prometheus.CounterVec

	// Вызовы провайдера
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	recoveries       *prometheus.CounterVec
	checkoutDuration prometheus.Histogram

	// Gauge для checkout, ожидающих ответа провайдера
	inFlight prometheus.Gauge
}

// NewCheckoutMetrics создаёт метрики checkout в DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer создаёт метрики checkout в указанном registerer.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkoutOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_checkout_outcomes_total",
			Help: "Total number of checkout requests grouped by outcome",
		}, []string{"outcome"}),
		claimOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_checkout_claim_outcomes_total",
			Help: "Total number of idempotency claims grouped by outcome",
		}, []string{"outcome"}),
		providerCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_provider_calls_total",
			Help: "Total number of payment provider calls grouped by operation and result",
		}, []string{"operation", "result"}),
		providerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "billing_provider_call_duration_seconds",
			Help:    "Duration of payment provider calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"operation"}),
		recoveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_checkout_recoveries_total",
			Help: "Total number of pending checkout recoveries grouped by result",
		}, []string{"result"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "billing_checkout_duration_seconds",
			Help:    "Duration of checkout requests in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "billing_checkout_provider_in_flight",
			Help: "Number of checkout provider calls currently in flight",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckoutOutcome увеличивает счётчик исходов checkout.
func (m *CheckoutMetrics) RecordCheckoutOutcome(outcome string) {
	if m == nil {
		return
	}
	m.checkoutOutcomes.WithLabelValues(outcome).Inc()
}

// RecordClaimOutcome увеличивает счётчик исходов claimOrReplay.
func (m *CheckoutMetrics) RecordClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.claimOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProviderCall записывает результат и длительность вызова провайдера.
func (m *CheckoutMetrics) RecordProviderCall(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, result).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRecovery увеличивает счётчик восстановлений.
func (m *CheckoutMetrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(result).Inc()
}

// RecordCheckoutDuration записывает время выполнения checkout.
func (m *CheckoutMetrics) RecordCheckoutDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordProviderInFlightStarted увеличивает число вызовов провайдера в полете.
func (m *CheckoutMetrics) RecordProviderInFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RecordProviderInFlightFinished уменьшает число вызовов провайдера в полете.
func (m *CheckoutMetrics) RecordProviderInFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
