package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchesTotal == nil || fetchDurationSeconds == nil ||
		admissionRejectsTotal == nil || poolTargetSize == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveFetch("auto", "ok", 250*time.Millisecond, 1024)
	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("auto", "ok")); val != 1 {
		t.Errorf("expected fetchesTotal{auto,ok} to be 1, got %f", val)
	}

	ObserveAdmissionReject("queue_full")
	if val := testutil.ToFloat64(admissionRejectsTotal.WithLabelValues("queue_full")); val != 1 {
		t.Errorf("expected admissionRejectsTotal{queue_full} to be 1, got %f", val)
	}

	SetPool("speed", 3, 2)
	if val := testutil.ToFloat64(poolTargetSize.WithLabelValues("speed")); val != 3 {
		t.Errorf("expected poolTargetSize{speed} to be 3, got %f", val)
	}
	if val := testutil.ToFloat64(poolInUse.WithLabelValues("speed")); val != 2 {
		t.Errorf("expected poolInUse{speed} to be 2, got %f", val)
	}

	SetAdmission(4, 1)
	if val := testutil.ToFloat64(admissionInFlight); val != 4 {
		t.Errorf("expected admissionInFlight to be 4, got %f", val)
	}
}

func TestObserversAreNoOpsBeforeInit(t *testing.T) {
	// Must not panic even when collectors were never initialized; the
	// guards rely on the package-level nil checks.
	saved := fetchesTotal
	fetchesTotal = nil
	defer func() { fetchesTotal = saved }()

	ObserveFetch("direct", "error", time.Second, 0)
}
