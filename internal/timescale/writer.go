package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"moonshot-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// RegimeSnapshot records one market regime evaluation.
type RegimeSnapshot struct {
	Time           time.Time
	Classification string
	Multiplier     float64
	ADX            float64
	ATRRatio       float64
	PairsSampled   int
}

// PositionSnapshot records the state of one position at a point in
// time: on open, on every monitor pass, and on close.
type PositionSnapshot struct {
	Time           time.Time
	PositionID     string
	Symbol         string
	Side           string
	Status         string
	EntryPrice     float64
	MarkPrice      float64
	Quantity       float64
	Margin         float64
	Leverage       int
	StopLoss       float64
	UnrealizedPnL  float64
	RealizedPnL    float64
	TrailingActive bool
	ExitReason     string
}

// SignalEvent records one detection, whether or not it became a trade.
type SignalEvent struct {
	Time       time.Time
	Symbol     string
	Direction  string
	Score      int
	Confidence float64
	Signals    string
	Entered    bool
}

// Writer streams bot telemetry into TimescaleDB hypertables. Writes
// are queued and flushed by a single goroutine; a full queue drops
// rather than blocking the trading path.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	regimes   chan RegimeSnapshot
	positions chan PositionSnapshot
	signals   chan SignalEvent
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		regimes:   make(chan RegimeSnapshot, queueSize),
		positions: make(chan PositionSnapshot, queueSize),
		signals:   make(chan SignalEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRegime(snap RegimeSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.regimes <- snap:
	default:
		w.noteDrop()
	}
}

func (w *Writer) EnqueuePosition(snap PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snap:
	default:
		w.noteDrop()
	}
}

func (w *Writer) EnqueueSignal(event SignalEvent) {
	if w == nil {
		return
	}
	select {
	case w.signals <- event:
	default:
		w.noteDrop()
	}
}

func (w *Writer) noteDrop() {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("timescale queue full, dropping telemetry")
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.regimes:
			w.writeRegime(ctx, snap)
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case event := <-w.signals:
			w.writeSignal(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		classification TEXT NOT NULL,
		multiplier DOUBLE PRECISION NOT NULL,
		adx DOUBLE PRECISION NOT NULL,
		atr_ratio DOUBLE PRECISION NOT NULL,
		pairs_sampled INTEGER NOT NULL
	)`, w.table("regime_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		margin DOUBLE PRECISION NOT NULL,
		leverage INTEGER NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		trailing_active BOOLEAN NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT ''
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		score INTEGER NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		signals TEXT NOT NULL,
		entered BOOLEAN NOT NULL
	)`, w.table("signal_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"regime_snapshots", "position_snapshots", "signal_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeRegime(ctx context.Context, snap RegimeSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, classification, multiplier, adx, atr_ratio, pairs_sampled
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("regime_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Classification,
		snap.Multiplier,
		snap.ADX,
		snap.ATRRatio,
		snap.PairsSampled,
	); err != nil && w.log != nil {
		w.log.Warn("timescale regime insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, symbol, side, status, entry_price, mark_price, quantity,
		margin, leverage, stop_loss, unrealized_pnl, realized_pnl, trailing_active, exit_reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.PositionID,
		snap.Symbol,
		snap.Side,
		snap.Status,
		snap.EntryPrice,
		snap.MarkPrice,
		snap.Quantity,
		snap.Margin,
		snap.Leverage,
		snap.StopLoss,
		snap.UnrealizedPnL,
		snap.RealizedPnL,
		snap.TrailingActive,
		snap.ExitReason,
	); err != nil && w.log != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeSignal(ctx context.Context, event SignalEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, direction, score, confidence, signals, entered
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("signal_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Symbol,
		event.Direction,
		event.Score,
		event.Confidence,
		event.Signals,
		event.Entered,
	); err != nil && w.log != nil {
		w.log.Warn("timescale signal insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
