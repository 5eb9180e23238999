package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordFunctions(t *testing.T) {
	tests := []struct {
		name    string
		counter prometheus.Counter
		record  func()
	}{
		{"started", assessmentsStarted, RecordAssessmentStarted},
		{"answer", answersSubmitted.WithLabelValues("triage"), func() { RecordAnswerSubmitted("triage") }},
		{"completed", assessmentsCompleted.WithLabelValues("high"), func() { RecordAssessmentCompleted("high") }},
		{"emergency", emergencyProtocols.WithLabelValues("suicide_risk"), func() { RecordEmergencyProtocol("suicide_risk") }},
		{"fraud", fraudRecommendations.WithLabelValues("flag"), func() { RecordFraudRecommendation("flag") }},
		{"rejection", answerRejections.WithLabelValues("busy"), func() { RecordAnswerRejected("busy") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counterValue(t, tt.counter)
			tt.record()
			if got := counterValue(t, tt.counter); got != before+1 {
				t.Errorf("expected %v, got %v", before+1, got)
			}
		})
	}
}

func TestRecordStepDuration(t *testing.T) {
	m := &dto.Metric{}
	stepDuration.Write(m)
	before := m.GetHistogram().GetSampleCount()

	RecordStepDuration(15 * time.Millisecond)

	m = &dto.Metric{}
	stepDuration.Write(m)
	if got := m.GetHistogram().GetSampleCount(); got != before+1 {
		t.Errorf("expected %d samples, got %d", before+1, got)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/assessments/:id/progress", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/assessments/:id/progress", "200")
	before := counterValue(t, counter)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/assessments/abc/progress", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := counterValue(t, counter); got != before+1 {
		t.Errorf("expected route counter %v, got %v", before+1, got)
	}

	conflict := httpRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "409")
	before = counterValue(t, conflict)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := counterValue(t, conflict); got != before+1 {
		t.Error("expected error status to be counted after the error is committed")
	}
}

func TestHandler_Exposes(t *testing.T) {
	RecordAssessmentStarted()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "assessments_started_total") {
		t.Error("expected assessments_started_total in scrape output")
	}
}

