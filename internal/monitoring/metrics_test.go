package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"captcha_engine/internal/model"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveAttempt("ocr", model.TypeImage, "success", 120*time.Millisecond)
	m.ObserveAttempt("ocr", model.TypeImage, "success", 80*time.Millisecond)
	m.ObserveAttempt("2captcha", model.TypeImage, "skipped", 0)
	m.ObserveSolve(model.TypeImage, "success", 200*time.Millisecond)

	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("ocr", "image", "success")); got != 2 {
		t.Fatalf("ocr attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("2captcha", "image", "skipped")); got != 1 {
		t.Fatalf("skipped attempts = %v", got)
	}
	// skipped attempts do not create a duration series
	if n := testutil.CollectAndCount(m.AttemptDuration); n != 1 {
		t.Fatalf("duration series = %d", n)
	}
	if got := testutil.ToFloat64(m.SolvesTotal.WithLabelValues("image", "success")); got != 1 {
		t.Fatalf("solves = %v", got)
	}
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetricsWithRegistry(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	NewMetricsWithRegistry(reg)
}
