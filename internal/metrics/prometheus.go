package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "moonshot_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry

	scanCycles      prometheus.Counter
	signalsDetected prometheus.Counter
	tradesOpened    prometheus.Counter
	tradesRejected  prometheus.Counter
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	rungsFired      prometheus.Counter
	stopOuts        prometheus.Counter
	fundingExits    prometheus.Counter
	velocityExits   prometheus.Counter
	pumpExits       prometheus.Counter

	openPositions prometheus.Gauge
	equity        prometheus.Gauge
	marginInUse   prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	newGauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}

	p := &Prometheus{
		registry:        registry,
		scanCycles:      newCounter("scan_cycles_total", "Total number of scan cycles executed."),
		signalsDetected: newCounter("signals_detected_total", "Total number of fused trade signals."),
		tradesOpened:    newCounter("trades_opened_total", "Total number of positions opened."),
		tradesRejected:  newCounter("trades_rejected_total", "Total number of candidates rejected at admission."),
		ordersPlaced:    newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of order placement failures."),
		rungsFired:      newCounter("take_profit_rungs_fired_total", "Total number of take-profit rungs fired."),
		stopOuts:        newCounter("stop_outs_total", "Total number of stop-loss exits."),
		fundingExits:    newCounter("funding_exits_total", "Total number of funding-driven exits."),
		velocityExits:   newCounter("velocity_exits_total", "Total number of velocity-reversal exits."),
		pumpExits:       newCounter("instant_pump_locks_total", "Total number of instant-pump profit locks."),
		openPositions:   newGauge("open_positions", "Number of currently open positions."),
		equity:          newGauge("account_equity_usd", "Last observed account equity in USD."),
		marginInUse:     newGauge("margin_in_use_usd", "Margin locked in open positions in USD."),
	}

	registry.MustRegister(
		p.scanCycles, p.signalsDetected, p.tradesOpened, p.tradesRejected,
		p.ordersPlaced, p.ordersFailed, p.rungsFired, p.stopOuts, p.fundingExits,
		p.velocityExits, p.pumpExits,
		p.openPositions, p.equity, p.marginInUse,
	)

	p.Metrics = &Metrics{
		ScanCycles:      promCounter{p.scanCycles},
		SignalsDetected: promCounter{p.signalsDetected},
		TradesOpened:    promCounter{p.tradesOpened},
		TradesRejected:  promCounter{p.tradesRejected},
		OrdersPlaced:    promCounter{p.ordersPlaced},
		OrdersFailed:    promCounter{p.ordersFailed},
		RungsFired:      promCounter{p.rungsFired},
		StopOuts:        promCounter{p.stopOuts},
		FundingExits:    promCounter{p.fundingExits},
		VelocityExits:   promCounter{p.velocityExits},
		PumpExits:       promCounter{p.pumpExits},
		OpenPositions:   promGauge{p.openPositions},
		Equity:          promGauge{p.equity},
		MarginInUse:     promGauge{p.marginInUse},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
