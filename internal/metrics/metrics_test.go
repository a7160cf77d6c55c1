package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestsTotal_Increments(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal)
	RequestsTotal.Inc()
	after := testutil.ToFloat64(RequestsTotal)
	if after != before+1 {
		t.Errorf("RequestsTotal: got %f, want %f", after, before+1)
	}
}

func TestRecordTerminal_CompleteAndFailed(t *testing.T) {
	beforeOK := testutil.ToFloat64(RequestsTerminal.WithLabelValues("complete"))
	beforeFail := testutil.ToFloat64(RequestsTerminal.WithLabelValues("failed"))

	RecordTerminal(true)
	RecordTerminal(false)

	if got := testutil.ToFloat64(RequestsTerminal.WithLabelValues("complete")); got != beforeOK+1 {
		t.Errorf("complete: got %f, want %f", got, beforeOK+1)
	}
	if got := testutil.ToFloat64(RequestsTerminal.WithLabelValues("failed")); got != beforeFail+1 {
		t.Errorf("failed: got %f, want %f", got, beforeFail+1)
	}
}

func TestRecordStageLatency_ObservesSample(t *testing.T) {
	RecordStageLatency("DETECTION", 50*time.Millisecond)

	count := testutil.CollectAndCount(StageLatency)
	if count == 0 {
		t.Error("expected at least one stage latency series")
	}
}

func TestRecordFragmentResult_IncrementsByStatus(t *testing.T) {
	before := testutil.ToFloat64(FragmentResults.WithLabelValues("OK"))
	RecordFragmentResult("OK")
	after := testutil.ToFloat64(FragmentResults.WithLabelValues("OK"))
	if after != before+1 {
		t.Errorf("FragmentResults[OK]: got %f, want %f", after, before+1)
	}
}

func TestRecordFragmentRetry_IncrementsByProvider(t *testing.T) {
	before := testutil.ToFloat64(FragmentRetries.WithLabelValues("provider-a"))
	RecordFragmentRetry("provider-a")
	after := testutil.ToFloat64(FragmentRetries.WithLabelValues("provider-a"))
	if after != before+1 {
		t.Errorf("FragmentRetries[provider-a]: got %f, want %f", after, before+1)
	}
}

func TestRecordProviderLatency_ObservesSample(t *testing.T) {
	RecordProviderLatency("provider-b", 120*time.Millisecond)
	count := testutil.CollectAndCount(ProviderLatency, "router_provider_latency_seconds")
	if count == 0 {
		t.Error("expected at least one provider latency series")
	}
}

func TestRecordAggregation_ObservesBothScores(t *testing.T) {
	RecordAggregation(0.92, 0.81)
	if testutil.CollectAndCount(PrivacyScore) == 0 {
		t.Error("expected a privacy score sample")
	}
	if testutil.CollectAndCount(QualityScore) == 0 {
		t.Error("expected a quality score sample")
	}
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("provider-c", 1.0)
	if got := testutil.ToFloat64(ProviderCircuitState.WithLabelValues("provider-c")); got != 1.0 {
		t.Errorf("circuit state: got %f, want 1.0", got)
	}
	SetCircuitState("provider-c", 0.0)
	if got := testutil.ToFloat64(ProviderCircuitState.WithLabelValues("provider-c")); got != 0.0 {
		t.Errorf("circuit state: got %f, want 0.0", got)
	}
}

func TestHandler_ServesExpositionFormat(t *testing.T) {
	RequestsTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}
