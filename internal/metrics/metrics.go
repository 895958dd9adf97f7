package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infergate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CreditsDebitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_credits_debited_total",
			Help: "Total credits debited from wallets",
		},
		[]string{"provider", "model"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infergate_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infergate_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infergate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_fallbacks_total",
			Help: "Total number of requests served by a fallback model",
		},
		[]string{"requested_model", "served_model"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infergate_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
	)

	InsufficientCreditsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infergate_insufficient_credits_total",
			Help: "Total number of requests rejected for insufficient credits",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_active_streams",
			Help: "Number of active streaming connections",
		},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordDebit(provider, model string, credits float64) {
	CreditsDebitedTotal.WithLabelValues(provider, model).Add(credits)
}

func RecordFallback(requestedModel, servedModel string) {
	FallbacksTotal.WithLabelValues(requestedModel, servedModel).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func SetCircuitBreakerState(model string, state int) {
	CircuitBreakerState.WithLabelValues(model).Set(float64(state))
}
