package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Dispatch
	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Send outcomes by result (sent, transient, terminal).",
		},
		[]string{"outcome"},
	)
	throttleStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_throttle_stops_total",
			Help: "Dispatch runs stopped because the identity budget was exhausted.",
		},
		[]string{"identity"},
	)
	retriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_retries_scheduled_total",
			Help: "Total number of attempt retries enqueued.",
		},
	)
	rewriteFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_rewrite_fallbacks_total",
			Help: "Rewrites that failed and fell back to the rendered body.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Duration of a single campaign dispatch run (seconds).",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	claimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_claim_conflicts_total",
			Help: "Dispatch runs skipped because another worker held the campaign.",
		},
	)

	// Risk
	riskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_risk_score",
			Help: "Latest risk score per campaign.",
		},
		[]string{"campaign_id"},
	)
	riskPauses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_risk_pauses_total",
			Help: "Campaigns paused automatically on a critical risk score.",
		},
	)

	// Campaigns
	campaignStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaigns_status_count",
			Help: "Current count of campaigns by status.",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			dispatchAttempts,
			throttleStops,
			retriesScheduled,
			rewriteFallbacks,
			runDuration,
			claimConflicts,

			riskScore,
			riskPauses,

			campaignStatus,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Dispatch ---
func IncDispatchOutcome(outcome string)      { dispatchAttempts.WithLabelValues(outcome).Inc() }
func IncThrottleStop(identity string)        { throttleStops.WithLabelValues(identity).Inc() }
func IncRetryScheduled()                     { retriesScheduled.Inc() }
func IncRewriteFallback()                    { rewriteFallbacks.Inc() }
func IncClaimConflict()                      { claimConflicts.Inc() }
func ObserveRunDuration(d time.Duration)     { runDuration.Observe(d.Seconds()) }
func SetCampaignStatusCount(s string, n int) { campaignStatus.WithLabelValues(s).Set(float64(n)) }

// --- Risk ---
func SetRiskScore(campaignID, score int) {
	riskScore.WithLabelValues(strconv.Itoa(campaignID)).Set(float64(score))
}
func IncRiskPause() { riskPauses.Inc() }
