package ra

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestF_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, func(h *harness) {
		h.ca.delay = true
		h.opts = []Option{WithMetrics(m)}
	})

	h.process(h.ir(100))
	if _, err := h.ra.ProcessRequest(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("ProcessRequest failed: %v", err)
	}

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("ir", outcomeWaiting)); got != 1 {
		t.Errorf("waiting ir requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("undecodable", outcomeError)); got != 1 {
		t.Errorf("undecodable requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamExchanges.WithLabelValues(upstreamDelayed)); got != 1 {
		t.Errorf("delayed exchanges = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Pending); got != 1 {
		t.Errorf("pending transactions = %v, want 1", got)
	}

	h.now = h.now.Add(2 * time.Hour)
	h.ra.sweep()
	if got := testutil.ToFloat64(m.Pending); got != 0 {
		t.Errorf("pending transactions after expiry = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.Duration); n != 1 {
		t.Errorf("duration histograms = %d, want 1", n)
	}
}

func TestU_Metrics_Nil(t *testing.T) {
	var m *Metrics
	m.request("ir", outcomeOK, time.Now())
	m.upstream(upstreamResponse)
	m.pending(3)
}
