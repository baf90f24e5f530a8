package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.ScanCycles.Inc()
	prom.Metrics.SignalsDetected.Inc()
	prom.Metrics.TradesOpened.Inc()
	prom.Metrics.TradesRejected.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.RungsFired.Inc()
	prom.Metrics.StopOuts.Inc()
	prom.Metrics.FundingExits.Inc()
	prom.Metrics.VelocityExits.Inc()
	prom.Metrics.PumpExits.Inc()

	assertValue(t, prom.scanCycles, 1)
	assertValue(t, prom.signalsDetected, 1)
	assertValue(t, prom.tradesOpened, 1)
	assertValue(t, prom.tradesRejected, 1)
	assertValue(t, prom.ordersPlaced, 1)
	assertValue(t, prom.ordersFailed, 1)
	assertValue(t, prom.rungsFired, 1)
	assertValue(t, prom.stopOuts, 1)
	assertValue(t, prom.fundingExits, 1)
	assertValue(t, prom.velocityExits, 1)
	assertValue(t, prom.pumpExits, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OpenPositions.Set(12)
	prom.Metrics.Equity.Set(1050.5)
	prom.Metrics.MarginInUse.Set(300)

	assertValue(t, prom.openPositions, 12)
	assertValue(t, prom.equity, 1050.5)
	assertValue(t, prom.marginInUse, 300)
}

func assertValue(t *testing.T, collector prometheus.Collector, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(collector); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
