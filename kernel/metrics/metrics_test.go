package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ocapkernel/kernel/kernel/internal/tassert"
	"github.com/ocapkernel/kernel/kernel/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	tassert.CheckFatal(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	tassert.CheckFatal(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveCrankIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ObserveCrank(5 * time.Millisecond)
	c.ObserveCrank(10 * time.Millisecond)

	families, err := reg.Gather()
	tassert.CheckFatal(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "ocapkernel_cranks_total" {
			found = true
			tassert.Fatalf(t, f.Metric[0].GetCounter().GetValue() == 2, "expected 2 cranks recorded")
		}
	}
	tassert.Fatalf(t, found, "expected ocapkernel_cranks_total to be registered")
}

func TestSetGaugesReflectLatestValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetGCActionSetSize(3)
	c.SetCompromisedVats(1)
	c.SetRunQueueDepth("send", 4)

	families, err := reg.Gather()
	tassert.CheckFatal(t, err)
	var sawGC, sawCompromised bool
	for _, f := range families {
		switch f.GetName() {
		case "ocapkernel_gc_action_set_size":
			sawGC = true
			tassert.Fatalf(t, f.Metric[0].GetGauge().GetValue() == 3, "expected gc set size 3")
		case "ocapkernel_compromised_vats":
			sawCompromised = true
			tassert.Fatalf(t, f.Metric[0].GetGauge().GetValue() == 1, "expected compromised vats 1")
		}
	}
	tassert.Fatalf(t, sawGC && sawCompromised, "expected both gauges registered")
}
