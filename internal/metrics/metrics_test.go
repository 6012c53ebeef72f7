package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func delta(t *testing.T, collector prometheus.Collector, observe func()) float64 {
	t.Helper()

	before := testutil.ToFloat64(collector)
	observe()
	after := testutil.ToFloat64(collector)
	return after - before
}

func TestObserveDispatchRecordsStatus(t *testing.T) {
	start := time.Now().Add(-time.Second)

	if inc := delta(t, dispatchAttemptsTotal.WithLabelValues("https://a.example", "tx_detail", "success"), func() {
		ObserveDispatch("https://a.example", "tx_detail", nil, start)
	}); inc != 1 {
		t.Fatalf("expected success counter increment, got %v", inc)
	}

	if inc := delta(t, dispatchAttemptsTotal.WithLabelValues("https://a.example", "tx_detail", "error"), func() {
		ObserveDispatch("https://a.example", "tx_detail", errors.New("timeout"), start)
	}); inc != 1 {
		t.Fatalf("expected error counter increment, got %v", inc)
	}
}

func TestSetInFlight(t *testing.T) {
	SetInFlight(17)
	if got := testutil.ToFloat64(dispatchInFlight); got != 17 {
		t.Fatalf("expected in-flight gauge 17, got %v", got)
	}
	SetInFlight(0)
	if got := testutil.ToFloat64(dispatchInFlight); got != 0 {
		t.Fatalf("expected in-flight gauge 0, got %v", got)
	}
}

func TestSetEndpointScore(t *testing.T) {
	SetEndpointScore("https://b.example", 0.83)
	if got := testutil.ToFloat64(endpointHealthScore.WithLabelValues("https://b.example")); got != 0.83 {
		t.Fatalf("expected health score 0.83, got %v", got)
	}
}
