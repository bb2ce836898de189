package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
)

func TestObserveScheduled_IncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveScheduled("billing", false)
	m.ObserveScheduled("billing", true)

	if got := testutil.CollectAndCount(reg); got == 0 {
		t.Error("expected at least one metric family to be registered")
	}
}

func TestObserveDelivery_RecordsOutcomeAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveDelivery("billing", "succeeded", 10*time.Millisecond)
	m.ObserveAdvance("billing")
	m.ObserveStoreError("put")

	if got := testutil.CollectAndCount(reg); got == 0 {
		t.Error("expected registered metrics to report a nonzero sample count")
	}
}

func TestNilMetrics_MethodsAreNoOps(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveScheduled("billing", false)
	m.ObserveDelivery("billing", "succeeded", time.Millisecond)
	m.ObserveAdvance("billing")
	m.ObserveStoreError("put")
}
