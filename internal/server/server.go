package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/position"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Status is the payload served on GET /status.
type Status struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Regime        string    `json:"regime"`
	ScanCycles    uint64    `json:"scan_cycles"`
	LastScan      time.Time `json:"last_scan"`
	OpenPositions int       `json:"open_positions"`
	MarginInUse   float64   `json:"margin_in_use"`
	Equity        float64   `json:"equity"`
}

// PositionView is one open position on GET /positions.
type PositionView struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	Quantity       float64   `json:"quantity"`
	Margin         float64   `json:"margin"`
	Leverage       int       `json:"leverage"`
	StopLoss       float64   `json:"stop_loss"`
	HighWater      float64   `json:"high_water"`
	LowWater       float64   `json:"low_water"`
	TrailingActive bool      `json:"trailing_active"`
	RealizedPnL    float64   `json:"realized_pnl"`
	OpenedAt       time.Time `json:"opened_at"`
}

// Source is the slice of bot state the HTTP surface reads.
type Source interface {
	Status() Status
	Positions() []*position.Position
}

// Server exposes the operator surface: health, status, open positions,
// metrics and the stop switch.
type Server struct {
	cfg     config.ServerConfig
	source  Source
	metrics http.Handler
	stop    func()
	log     *zap.Logger
	httpSrv *http.Server
}

func New(cfg config.ServerConfig, source Source, metricsHandler http.Handler, stop func(), log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		source:  source,
		metrics: metricsHandler,
		stop:    stop,
		log:     log,
	}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.Status())
	})
	r.GET("/positions", func(c *gin.Context) {
		open := s.source.Positions()
		views := make([]PositionView, 0, len(open))
		for _, p := range open {
			views = append(views, PositionView{
				ID:             p.ID,
				Symbol:         p.Symbol,
				Side:           string(p.Side),
				EntryPrice:     p.EntryPrice,
				Quantity:       p.Quantity,
				Margin:         p.Margin,
				Leverage:       p.Leverage,
				StopLoss:       p.StopLoss,
				HighWater:      p.HighWater,
				LowWater:       p.LowWater,
				TrailingActive: p.TrailingActive,
				RealizedPnL:    p.RealizedPnL,
				OpenedAt:       p.OpenedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"positions": views, "count": len(views)})
	})
	r.POST("/stop", func(c *gin.Context) {
		s.log.Info("stop requested via control surface")
		if s.stop != nil {
			s.stop()
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("control server listening", zap.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
