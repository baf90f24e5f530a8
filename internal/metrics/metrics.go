package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	ScanCycles      Counter
	SignalsDetected Counter
	TradesOpened    Counter
	TradesRejected  Counter
	OrdersPlaced    Counter
	OrdersFailed    Counter
	RungsFired      Counter
	StopOuts        Counter
	FundingExits    Counter
	VelocityExits   Counter
	PumpExits       Counter

	OpenPositions Gauge
	Equity        Gauge
	MarginInUse   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		ScanCycles:      c,
		SignalsDetected: c,
		TradesOpened:    c,
		TradesRejected:  c,
		OrdersPlaced:    c,
		OrdersFailed:    c,
		RungsFired:      c,
		StopOuts:        c,
		FundingExits:    c,
		VelocityExits:   c,
		PumpExits:       c,
		OpenPositions:   g,
		Equity:          g,
		MarginInUse:     g,
	}
}
