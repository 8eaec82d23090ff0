package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRecordDispatchOutcome_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispatchOutcome(OutcomePosted)
	c.RecordDispatchOutcome(OutcomePosted)
	c.RecordDispatchOutcome(OutcomeDeferred)

	got := map[string]float64{}
	for _, m := range gather(t, reg, "postpilot_dispatch_outcome_total") {
		got[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	if got[OutcomePosted] != 2 || got[OutcomeDeferred] != 1 {
		t.Errorf("outcome counts = %v", got)
	}
}

func TestRecordDispatchScan(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispatchScan(5, 2*time.Second)
	c.RecordDispatchScan(3, time.Second)

	if v := gather(t, reg, "postpilot_dispatch_claimed_total")[0].GetCounter().GetValue(); v != 8 {
		t.Errorf("claimed_total = %v, want 8", v)
	}
	if n := gather(t, reg, "postpilot_dispatch_scan_duration_seconds")[0].GetHistogram().GetSampleCount(); n != 2 {
		t.Errorf("scan duration sample count = %d, want 2", n)
	}
}

func TestRecordPublishLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublishLatency(250 * time.Millisecond)

	h := gather(t, reg, "postpilot_publish_latency_seconds")[0].GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 0.25 {
		t.Errorf("histogram count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestRecordAutopilotResultAndRefreshed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAutopilotResult(AutopilotScheduled)
	c.RecordAutopilotResult(AutopilotSkipped)
	c.RecordMetricsRefreshed(42)

	if n := len(gather(t, reg, "postpilot_autopilot_account_total")); n != 2 {
		t.Errorf("autopilot label series = %d, want 2", n)
	}
	if v := gather(t, reg, "postpilot_metrics_refreshed_total")[0].GetCounter().GetValue(); v != 42 {
		t.Errorf("metrics_refreshed_total = %v, want 42", v)
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("同じレジストリへの二重登録はpanicするべき")
		}
	}()
	NewCollector(reg)
}
