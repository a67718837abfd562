package core

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestHealthLoggerMetricsSnapshot(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir)
	defer l.Close()

	kp, _ := GenerateKeyPair()
	if res := l.ApplyGenesis(kp.Address(), 5000); res != ResultOK {
		t.Fatalf("ApplyGenesis: %v", res)
	}

	h, err := NewHealthLogger(l, nil, nil, filepath.Join(dir, "events.log"))
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	m := h.MetricsSnapshot()
	if m.TotalSupply != 5000 {
		t.Fatalf("TotalSupply = %v, want 5000", m.TotalSupply)
	}
	if m.StateHash == "" {
		t.Fatal("expected a non-empty state hash in the snapshot")
	}
}

func TestHealthLoggerLogEventIncrementsErrorCounter(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir)
	defer l.Close()

	h, err := NewHealthLogger(l, nil, nil, filepath.Join(dir, "events.log"))
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	before := testGatherCounter(t, h)
	h.LogEvent(logrus.ErrorLevel, "synthetic failure for test coverage")
	after := testGatherCounter(t, h)
	if after != before+1 {
		t.Fatalf("expected error counter to increment by 1: before %v after %v", before, after)
	}
}

func testGatherCounter(t *testing.T, h *HealthLogger) float64 {
	t.Helper()
	mfs, err := h.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "ledger_log_errors_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
