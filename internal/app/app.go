package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"moonshot-bot/internal/alerts"
	"moonshot-bot/internal/config"
	"moonshot-bot/internal/exchange/rest"
	"moonshot-bot/internal/exchange/ws"
	"moonshot-bot/internal/exec"
	"moonshot-bot/internal/exitmgr"
	"moonshot-bot/internal/market"
	"moonshot-bot/internal/metrics"
	"moonshot-bot/internal/pairs"
	"moonshot-bot/internal/position"
	"moonshot-bot/internal/regime"
	"moonshot-bot/internal/scanner"
	"moonshot-bot/internal/server"
	"moonshot-bot/internal/sizing"
	"moonshot-bot/internal/state/sqlite"
	"moonshot-bot/internal/timescale"

	"go.uber.org/zap"
)

// App wires the full bot: market feed, regime detection, signal
// scanning, sizing, execution, exit monitoring and the operator
// surface.
type App struct {
	cfg *config.Config
	log *zap.Logger

	store    *sqlite.Store
	rest     *rest.Client
	feed     *market.Feed
	regime   *regime.Detector
	filter   *pairs.Filter
	detector *scanner.Detector
	sizer    *sizing.Sizer
	tracker  *position.Tracker
	executor *exec.Executor
	exits    *exitmgr.Manager
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	tsdb     *timescale.Writer
	server   *server.Server

	startedAt  time.Time
	cycles     atomic.Uint64
	lastEquity atomic.Uint64

	mu       sync.Mutex
	cooldown map[string]time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg *config.Config, creds config.Credentials, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	restClient := rest.New(cfg.Exchange.BaseURL, creds.APIKey, creds.APISecret, cfg.Exchange.RecvWindowMS, cfg.Exchange.Timeout, log)
	wsClient := ws.New(cfg.Exchange.WSURL, cfg.Exchange.WSReconnect, cfg.Exchange.WSPingInterval, log)
	feed := market.NewFeed(restClient, wsClient, log)

	prom := metrics.NewPrometheus()
	tracker := position.NewTracker(store, cfg.Sizing.MaxConcurrentTrades, log)
	executor := exec.New(restClient, store, log)
	exits := exitmgr.New(cfg.Exit, feed, tracker, executor, prom.Metrics, log)
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale init: %w", err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		rest:     restClient,
		feed:     feed,
		regime:   regime.NewDetector(cfg.Regime, cfg.Scan, feed, log),
		filter:   pairs.NewFilter(cfg.Pairs),
		detector: scanner.NewDetector(cfg.Scan.MinSignalsRequired),
		sizer:    sizing.New(cfg.Sizing, store, log),
		tracker:  tracker,
		executor: executor,
		exits:    exits,
		metrics:  prom.Metrics,
		alerts:   alertsClient,
		tsdb:     tsdb,
		cooldown: make(map[string]time.Time),
		stopped:  make(chan struct{}),
	}
	a.exits.SetCloseHook(a.onPositionClosed)
	a.exits.SetRungHook(func(p *position.Position, rung position.Rung) {
		a.alerts.NotifyRung(p, rung.TriggerPct)
	})
	a.server = server.New(cfg.Server, a, prom.Handler(), a.Stop, log)
	return a, nil
}

// Stop triggers a graceful shutdown, callable from the control surface
// or a signal handler.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.startedAt = time.Now().UTC()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := a.feed.RefreshSymbols(runCtx); err != nil {
		return fmt.Errorf("load contract universe: %w", err)
	}
	if err := a.feed.RefreshUniverse(runCtx); err != nil {
		return fmt.Errorf("load tickers: %w", err)
	}
	if err := a.tracker.Load(runCtx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if err := a.sizer.Load(runCtx); err != nil {
		return fmt.Errorf("restore sizing snapshot: %w", err)
	}
	if err := a.feed.Start(runCtx); err != nil {
		return fmt.Errorf("start market stream: %w", err)
	}
	if err := a.reconcile(runCtx); err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	a.exits.Start(runCtx)
	restored := a.tracker.List()
	for _, p := range restored {
		a.exits.Watch(p.ID)
	}
	a.metrics.OpenPositions.Set(float64(len(restored)))

	a.tsdb.Start(runCtx)
	a.alerts.NotifyStartup(len(restored))

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	a.log.Info("moonshot bot running",
		zap.Duration("scan_interval", a.cfg.Scan.Interval),
		zap.Int("restored_positions", len(restored)))

	ticker := time.NewTicker(a.cfg.Scan.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return a.drain()
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("control server: %w", err)
			}
		case <-ticker.C:
			if err := a.scanCycle(runCtx); err != nil {
				if runCtx.Err() != nil {
					return a.drain()
				}
				a.log.Warn("scan cycle failed", zap.Error(err))
			}
		}
	}
}

// drain stops the exit monitors and reports what remains open. Open
// positions stay on the venue with their resting stops; a restart
// reloads them from the store.
func (a *App) drain() error {
	open := a.tracker.Count()
	a.log.Info("shutting down", zap.Int("open_positions", open))
	a.exits.Stop()
	a.alerts.NotifyShutdown(open)
	if err := a.tsdb.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	return nil
}

// reconcile compares restored positions against the venue. A tracked
// position the venue no longer holds was closed while the bot was
// down; it is finalized locally. Venue positions the bot does not
// track are reported but left alone.
func (a *App) reconcile(ctx context.Context) error {
	risks, err := a.rest.PositionRisks(ctx)
	if err != nil {
		return err
	}
	bySymbol := make(map[string]rest.PositionRisk, len(risks))
	for _, r := range risks {
		bySymbol[r.Symbol] = r
	}
	tracked := make(map[string]bool)
	for _, p := range a.tracker.List() {
		tracked[p.Symbol] = true
		risk, ok := bySymbol[p.Symbol]
		if !ok {
			a.log.Warn("tracked position missing on venue, finalizing",
				zap.String("id", p.ID), zap.String("symbol", p.Symbol))
			err := a.tracker.Update(ctx, p.ID, func(pos *position.Position) error {
				pos.Status = position.StatusClosed
				pos.ExitReason = "closed_while_down"
				pos.ClosedAt = time.Now().UTC()
				pos.Quantity = 0
				return nil
			})
			if err != nil {
				return err
			}
			continue
		}
		if risk.LiquidationPrice > 0 {
			err := a.tracker.Update(ctx, p.ID, func(pos *position.Position) error {
				pos.LiquidationPrice = risk.LiquidationPrice
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	for _, r := range risks {
		if !tracked[r.Symbol] {
			a.log.Warn("venue position not managed by bot",
				zap.String("symbol", r.Symbol),
				zap.Float64("amount", r.PositionAmt))
		}
	}
	return nil
}

func (a *App) onPositionClosed(p *position.Position) {
	a.alerts.NotifyClose(p)
	a.metrics.OpenPositions.Set(float64(a.tracker.Count()))
	a.metrics.MarginInUse.Set(a.tracker.MarginInUse())
	a.recordPosition(p, 0)
	a.log.Info("trade finished",
		zap.String("symbol", p.Symbol),
		zap.String("status", string(p.Status)),
		zap.String("reason", p.ExitReason),
		zap.Float64("realized_pnl", p.RealizedPnL))
}

// Status implements server.Source.
func (a *App) Status() server.Status {
	now := time.Now().UTC()
	return server.Status{
		Running:       true,
		StartedAt:     a.startedAt,
		UptimeSeconds: now.Sub(a.startedAt).Seconds(),
		Regime:        string(a.regime.Current().Classification),
		ScanCycles:    a.cycles.Load(),
		LastScan:      a.feed.LastRefresh(),
		OpenPositions: a.tracker.Count(),
		MarginInUse:   a.tracker.MarginInUse(),
		Equity:        a.equity(),
	}
}

// Positions implements server.Source.
func (a *App) Positions() []*position.Position {
	return a.tracker.List()
}

func (a *App) setEquity(v float64) {
	a.lastEquity.Store(math.Float64bits(v))
}

func (a *App) equity() float64 {
	return math.Float64frombits(a.lastEquity.Load())
}

func (a *App) inCooldown(symbol string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.cooldown[symbol]
	return ok && now.Before(until)
}

func (a *App) setCooldown(symbol string, now time.Time) {
	if a.cfg.Scan.EntryCooldown <= 0 {
		return
	}
	a.mu.Lock()
	a.cooldown[symbol] = now.Add(a.cfg.Scan.EntryCooldown)
	a.mu.Unlock()
}
