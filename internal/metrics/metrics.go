// Package metrics exposes Prometheus metrics for the prediction service. Contract activity is
// counted from the event log; HTTP traffic is recorded by the server middleware.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/events"
)

const namespace = "slippage"

// Recorder holds every collector on its own registry
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	predictionsTotal   prometheus.Counter
	verificationsTotal *prometheus.CounterVec
	missDifference     prometheus.Histogram
	compensationPaid   prometheus.Counter
	depositsTotal      prometheus.Counter
	withdrawalsTotal   prometheus.Counter
	adminChanges       *prometheus.CounterVec

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	circuitBreaker  prometheus.Gauge
	poolBalance     prometheus.Gauge
}

// NewRecorder registers all collectors on a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events appended to the log, by name",
		}, []string{"event"}),
		predictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_submitted_total",
			Help:      "Accepted prediction submissions",
		}),
		verificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Completed verifications by outcome",
		}, []string{"result"}),
		missDifference: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "miss_difference_bp",
			Help:      "Predicted vs actual slippage difference of inaccurate predictions",
			Buckets:   []float64{11, 15, 25, 50, 100, 250, 500, 1000, 10000},
		}),
		compensationPaid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_paid_raw_total",
			Help:      "Compensation paid out of the pool in raw settlement units",
		}),
		depositsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_raw_total",
			Help:      "Funds deposited into the pool in raw settlement units",
		}),
		withdrawalsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_withdrawals_total",
			Help:      "Emergency withdrawals executed by the owner",
		}),
		adminChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_changes_total",
			Help:      "Administrative configuration changes by kind",
		}, []string{"kind"}),
		requestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		circuitBreaker: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_circuit_breaker_state",
			Help:      "Oracle circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		poolBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_balance_raw",
			Help:      "Settlement currency held by the pool in raw units",
		}),
	}
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Observe counts one event record; subscribe it to the event log
func (r *Recorder) Observe(rec events.Record) {
	r.eventsTotal.WithLabelValues(rec.Name).Inc()

	switch ev := rec.Event.(type) {
	case events.PredictionSubmitted:
		r.predictionsTotal.Inc()
	case events.VerificationResult:
		if ev.IsAccurate {
			r.verificationsTotal.WithLabelValues("accurate").Inc()
		} else {
			r.verificationsTotal.WithLabelValues("inaccurate").Inc()
		}
	case events.VerificationFailed:
		r.missDifference.Observe(float64(ev.Difference))
	case events.CompensationPaid:
		r.compensationPaid.Add(toFloat(ev.Amount))
	case events.FundsDeposited:
		r.depositsTotal.Add(toFloat(ev.Amount))
	case events.EmergencyWithdrawal:
		r.withdrawalsTotal.Inc()
	case events.RelayerUpdated:
		r.adminChanges.WithLabelValues("relayer").Inc()
	case events.PriceFeedUpdated:
		r.adminChanges.WithLabelValues("price_feed").Inc()
	case events.RegistryAddressSet:
		r.adminChanges.WithLabelValues("registry").Inc()
	case events.OwnershipTransferred:
		r.adminChanges.WithLabelValues("owner").Inc()
	}
}

// ObserveRequest records one HTTP request
func (r *Recorder) ObserveRequest(route string, status int, elapsed time.Duration) {
	r.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RateLimited counts a rejected request
func (r *Recorder) RateLimited() { r.rateLimited.Inc() }

// SetBreakerState publishes the oracle breaker state
func (r *Recorder) SetBreakerState(s circuitbreaker.State) {
	r.circuitBreaker.Set(float64(s))
}

// SetPoolBalance publishes the pool's settlement balance
func (r *Recorder) SetPoolBalance(balance *big.Int) {
	r.poolBalance.Set(toFloat(balance))
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
