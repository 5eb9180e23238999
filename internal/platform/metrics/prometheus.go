package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Assessment metrics
	assessmentsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessments_started_total",
			Help: "Total number of assessments started",
		},
	)

	answersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answers_submitted_total",
			Help: "Total number of accepted answers by flow stage",
		},
		[]string{"stage"},
	)

	assessmentsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessments_completed_total",
			Help: "Total number of finished assessments by final risk level",
		},
		[]string{"risk_level"},
	)

	emergencyProtocols = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_protocols_total",
			Help: "Total number of emergency protocols issued",
		},
		[]string{"type"},
	)

	fraudRecommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraud_recommendations_total",
			Help: "Final fraud recommendations of finished assessments",
		},
		[]string{"recommendation"},
	)

	answerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answer_rejections_total",
			Help: "Total number of rejected answer submissions",
		},
		[]string{"reason"},
	)

	stepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assessment_step_duration_seconds",
			Help:    "Time to process one answer including persistence",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency keyed by the route template,
// so ids in the path do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)
			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

func RecordAssessmentStarted() {
	assessmentsStarted.Inc()
}

func RecordAnswerSubmitted(stage string) {
	answersSubmitted.WithLabelValues(stage).Inc()
}

func RecordAssessmentCompleted(riskLevel string) {
	assessmentsCompleted.WithLabelValues(riskLevel).Inc()
}

func RecordEmergencyProtocol(protocolType string) {
	emergencyProtocols.WithLabelValues(protocolType).Inc()
}

func RecordFraudRecommendation(recommendation string) {
	fraudRecommendations.WithLabelValues(recommendation).Inc()
}

func RecordAnswerRejected(reason string) {
	answerRejections.WithLabelValues(reason).Inc()
}

func RecordStepDuration(d time.Duration) {
	stepDuration.Observe(d.Seconds())
}
