package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Server    ServerConfig    `yaml:"server"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Scan      ScanConfig      `yaml:"scan"`
	Regime    RegimeConfig    `yaml:"regime"`
	Pairs     PairsConfig     `yaml:"pairs"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Exit      ExitConfig      `yaml:"exit"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	Testnet        bool          `yaml:"testnet"`
	RecvWindowMS   int64         `yaml:"recv_window_ms"`
	WSReconnect    time.Duration `yaml:"ws_reconnect_delay"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// ScanConfig holds the baseline detection thresholds. The regime detector
// scales these per cycle, so the values here describe trending conditions.
type ScanConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Concurrency        int           `yaml:"concurrency"`
	MinSignalsRequired int           `yaml:"min_signals_required"`
	EntryCooldown      time.Duration `yaml:"entry_cooldown"`

	VolumeSpikeRatio  float64 `yaml:"volume_spike_ratio"`
	PriceVelocity5m   float64 `yaml:"price_velocity_5m_pct"`
	PriceVelocity1m   float64 `yaml:"price_velocity_1m_pct"`
	OISurge15m        float64 `yaml:"oi_surge_15m_pct"`
	FundingMaxForLong float64 `yaml:"funding_max_for_long"`
	FundingMinForLong float64 `yaml:"funding_min_for_long"`
	FundingMinShort   float64 `yaml:"funding_min_for_short"`
	BreakoutATRMult   float64 `yaml:"breakout_atr_mult"`
	ImbalanceRatio    float64 `yaml:"imbalance_ratio"`
}

type RegimeConfig struct {
	ReferencePairs   []string      `yaml:"reference_pairs"`
	ADXPeriod        int           `yaml:"adx_period"`
	ATRPeriod        int           `yaml:"atr_period"`
	EMAPeriod        int           `yaml:"ema_period"`
	ADXTrending      float64       `yaml:"adx_trending"`
	ADXChoppy        float64       `yaml:"adx_choppy"`
	ATRExtremeMult   float64       `yaml:"atr_extreme_mult"`
	ChoppyMultiplier float64       `yaml:"choppy_multiplier"`
	ExtremeMult      float64       `yaml:"extreme_multiplier"`
	CandleWindow     int           `yaml:"candle_window"`
	MaxDataAge       time.Duration `yaml:"max_data_age"`
}

type PairsConfig struct {
	QuoteAssets      []string      `yaml:"quote_assets"`
	Stablecoins      []string      `yaml:"stablecoins"`
	MinVolume24hUSD  float64       `yaml:"min_volume_24h_usd"`
	HotVolume24hUSD  float64       `yaml:"hot_volume_24h_usd"`
	HotMoverPct      float64       `yaml:"hot_mover_pct"`
	MegaMoverPct     float64       `yaml:"mega_mover_pct"`
	MinListingAge    time.Duration `yaml:"min_listing_age"`
	MaxSpreadPercent float64       `yaml:"max_spread_pct"`
}

type SizingConfig struct {
	MinMarginUSD         float64        `yaml:"min_margin_usd"`
	MaxMarginPercent     float64        `yaml:"max_margin_pct"`
	MaxConcurrentTrades  int            `yaml:"max_concurrent_trades"`
	CapitalBudgetPercent float64        `yaml:"capital_budget_pct"`
	RecalcEquityChange   float64        `yaml:"recalc_equity_change_pct"`
	RecalcMaxInterval    time.Duration  `yaml:"recalc_max_interval"`
	Leverage             LeverageConfig `yaml:"leverage"`
}

type LeverageConfig struct {
	Default int `yaml:"default"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

type ExitConfig struct {
	MonitorInterval    time.Duration      `yaml:"monitor_interval"`
	InitialStopPct     float64            `yaml:"initial_stop_pct"`
	LiquidationBuffer  float64            `yaml:"liquidation_buffer_pct"`
	TrailingDistance   float64            `yaml:"trailing_distance_pct"`
	TightTrailDistance float64            `yaml:"tight_trailing_distance_pct"`
	Ladder             []RungConfig       `yaml:"ladder"`
	Funding            FundingExitConfig  `yaml:"funding"`
	Velocity           VelocityExitConfig `yaml:"velocity"`
	MaxHold            time.Duration      `yaml:"max_hold"`
}

type RungConfig struct {
	TriggerPct    float64 `yaml:"trigger_pct"`
	CloseFraction float64 `yaml:"close_fraction"`
	Action        string  `yaml:"action"`
}

type FundingExitConfig struct {
	MaxRate         float64       `yaml:"max_rate"`
	SustainWindow   time.Duration `yaml:"sustain_window"`
	PartialClosePct float64       `yaml:"partial_close_pct"`
	ProfitPartial   float64       `yaml:"profit_partial_pct"`
	ProfitFullBelow float64       `yaml:"profit_full_below_pct"`
}

// VelocityExitConfig tunes the pump-and-dump guards: the velocity
// reversal thresholds apply over the trailing window, the pump fields
// bound the one-time profit lock right after entry.
type VelocityExitConfig struct {
	Window          time.Duration `yaml:"window"`
	PartialClose    float64       `yaml:"partial_close_velocity_pct"`
	FullClose       float64       `yaml:"full_close_velocity_pct"`
	PartialClosePct float64       `yaml:"partial_close_pct"`
	PumpProfitPct   float64       `yaml:"pump_profit_pct"`
	PumpWindow      time.Duration `yaml:"pump_window"`
	PumpClosePct    float64       `yaml:"pump_close_pct"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.BaseURL == "" {
		if cfg.Exchange.Testnet {
			cfg.Exchange.BaseURL = "https://testnet.binancefuture.com"
		} else {
			cfg.Exchange.BaseURL = "https://fapi.binance.com"
		}
	}
	if cfg.Exchange.WSURL == "" {
		if cfg.Exchange.Testnet {
			cfg.Exchange.WSURL = "wss://stream.binancefuture.com/ws"
		} else {
			cfg.Exchange.WSURL = "wss://fstream.binance.com/ws"
		}
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RecvWindowMS == 0 {
		cfg.Exchange.RecvWindowMS = 5000
	}
	if cfg.Exchange.WSReconnect == 0 {
		cfg.Exchange.WSReconnect = 3 * time.Second
	}
	if cfg.Exchange.WSPingInterval == 0 {
		cfg.Exchange.WSPingInterval = 30 * time.Second
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8050"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/moonshot-bot.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	applyScanDefaults(&cfg.Scan)
	applyRegimeDefaults(&cfg.Regime)
	applyPairsDefaults(&cfg.Pairs)
	applySizingDefaults(&cfg.Sizing)
	applyExitDefaults(&cfg.Exit)
}

func applyScanDefaults(scan *ScanConfig) {
	if scan.Interval == 0 {
		scan.Interval = 10 * time.Second
	}
	if scan.Concurrency == 0 {
		scan.Concurrency = 8
	}
	if scan.MinSignalsRequired == 0 {
		scan.MinSignalsRequired = 4
	}
	if scan.EntryCooldown == 0 {
		scan.EntryCooldown = 5 * time.Minute
	}
	if scan.VolumeSpikeRatio == 0 {
		scan.VolumeSpikeRatio = 2.0
	}
	if scan.PriceVelocity5m == 0 {
		scan.PriceVelocity5m = 1.5
	}
	if scan.PriceVelocity1m == 0 {
		scan.PriceVelocity1m = 0.5
	}
	if scan.OISurge15m == 0 {
		scan.OISurge15m = 5.0
	}
	if scan.FundingMaxForLong == 0 {
		scan.FundingMaxForLong = 0.003
	}
	if scan.FundingMinForLong == 0 {
		scan.FundingMinForLong = -0.0002
	}
	if scan.FundingMinShort == 0 {
		scan.FundingMinShort = 0.002
	}
	if scan.BreakoutATRMult == 0 {
		scan.BreakoutATRMult = 1.5
	}
	if scan.ImbalanceRatio == 0 {
		scan.ImbalanceRatio = 0.65
	}
}

func applyRegimeDefaults(reg *RegimeConfig) {
	if len(reg.ReferencePairs) == 0 {
		reg.ReferencePairs = []string{"BTCUSDT", "ETHUSDT"}
	}
	if reg.ADXPeriod == 0 {
		reg.ADXPeriod = 14
	}
	if reg.ATRPeriod == 0 {
		reg.ATRPeriod = 14
	}
	if reg.EMAPeriod == 0 {
		reg.EMAPeriod = 20
	}
	if reg.ADXTrending == 0 {
		reg.ADXTrending = 25
	}
	if reg.ADXChoppy == 0 {
		reg.ADXChoppy = 20
	}
	if reg.ATRExtremeMult == 0 {
		reg.ATRExtremeMult = 3.0
	}
	if reg.ChoppyMultiplier == 0 {
		reg.ChoppyMultiplier = 1.3
	}
	if reg.ExtremeMult == 0 {
		reg.ExtremeMult = 1.6
	}
	if reg.CandleWindow == 0 {
		reg.CandleWindow = 50
	}
	if reg.MaxDataAge == 0 {
		reg.MaxDataAge = 5 * time.Minute
	}
}

func applyPairsDefaults(pairs *PairsConfig) {
	if len(pairs.QuoteAssets) == 0 {
		pairs.QuoteAssets = []string{"USDT", "USDC"}
	}
	if len(pairs.Stablecoins) == 0 {
		pairs.Stablecoins = []string{"USDCUSDT", "TUSDUSDT", "DAIUSDT", "FDUSDUSDT", "USDPUSDT"}
	}
	if pairs.MinVolume24hUSD == 0 {
		pairs.MinVolume24hUSD = 100_000
	}
	if pairs.HotVolume24hUSD == 0 {
		pairs.HotVolume24hUSD = 50_000
	}
	if pairs.HotMoverPct == 0 {
		pairs.HotMoverPct = 10
	}
	if pairs.MegaMoverPct == 0 {
		pairs.MegaMoverPct = 20
	}
	if pairs.MaxSpreadPercent == 0 {
		pairs.MaxSpreadPercent = 0.5
	}
}

func applySizingDefaults(sizing *SizingConfig) {
	if sizing.MinMarginUSD == 0 {
		sizing.MinMarginUSD = 1.0
	}
	if sizing.MaxMarginPercent == 0 {
		sizing.MaxMarginPercent = 5.0
	}
	if sizing.MaxConcurrentTrades == 0 {
		sizing.MaxConcurrentTrades = 30
	}
	if sizing.CapitalBudgetPercent == 0 {
		sizing.CapitalBudgetPercent = 100.0
	}
	if sizing.RecalcEquityChange == 0 {
		sizing.RecalcEquityChange = 10.0
	}
	if sizing.RecalcMaxInterval == 0 {
		sizing.RecalcMaxInterval = 24 * time.Hour
	}
	if sizing.Leverage.Default == 0 {
		sizing.Leverage.Default = 15
	}
	if sizing.Leverage.Min == 0 {
		sizing.Leverage.Min = 10
	}
	if sizing.Leverage.Max == 0 {
		sizing.Leverage.Max = 20
	}
}

func applyExitDefaults(exit *ExitConfig) {
	if exit.MonitorInterval == 0 {
		exit.MonitorInterval = 2 * time.Second
	}
	if exit.InitialStopPct == 0 {
		exit.InitialStopPct = 3.5
	}
	if exit.LiquidationBuffer == 0 {
		exit.LiquidationBuffer = 1.5
	}
	if exit.TrailingDistance == 0 {
		exit.TrailingDistance = 3.0
	}
	if exit.TightTrailDistance == 0 {
		exit.TightTrailDistance = 2.0
	}
	if len(exit.Ladder) == 0 {
		exit.Ladder = []RungConfig{
			{TriggerPct: 5, CloseFraction: 0.30, Action: "move_stop_breakeven"},
			{TriggerPct: 10, CloseFraction: 0.25, Action: "arm_trailing"},
			{TriggerPct: 20, CloseFraction: 0.25, Action: "tighten_trailing"},
			{TriggerPct: 50, CloseFraction: 1.0, Action: "close_remaining"},
		}
	}
	if exit.Velocity.Window == 0 {
		exit.Velocity.Window = time.Minute
	}
	if exit.Velocity.PartialClose == 0 {
		exit.Velocity.PartialClose = -2.0
	}
	if exit.Velocity.FullClose == 0 {
		exit.Velocity.FullClose = -3.0
	}
	if exit.Velocity.PartialClosePct == 0 {
		exit.Velocity.PartialClosePct = 50
	}
	if exit.Velocity.PumpProfitPct == 0 {
		exit.Velocity.PumpProfitPct = 5.0
	}
	if exit.Velocity.PumpWindow == 0 {
		exit.Velocity.PumpWindow = 10 * time.Minute
	}
	if exit.Velocity.PumpClosePct == 0 {
		exit.Velocity.PumpClosePct = 50
	}
	if exit.Funding.MaxRate == 0 {
		exit.Funding.MaxRate = 0.001
	}
	if exit.Funding.SustainWindow == 0 {
		exit.Funding.SustainWindow = 30 * time.Minute
	}
	if exit.Funding.PartialClosePct == 0 {
		exit.Funding.PartialClosePct = 50
	}
	if exit.Funding.ProfitPartial == 0 {
		exit.Funding.ProfitPartial = 5
	}
	if exit.Funding.ProfitFullBelow == 0 {
		exit.Funding.ProfitFullBelow = 2
	}
	if exit.MaxHold == 0 {
		exit.MaxHold = 168 * time.Hour
	}
}

func validate(cfg *Config) error {
	if cfg.Scan.MinSignalsRequired < 1 || cfg.Scan.MinSignalsRequired > 6 {
		return errors.New("scan.min_signals_required must be between 1 and 6")
	}
	if cfg.Sizing.MinMarginUSD <= 0 {
		return errors.New("sizing.min_margin_usd must be > 0")
	}
	if cfg.Sizing.MaxMarginPercent <= 0 || cfg.Sizing.MaxMarginPercent > 100 {
		return errors.New("sizing.max_margin_pct must be in (0, 100]")
	}
	if cfg.Sizing.MaxConcurrentTrades <= 0 {
		return errors.New("sizing.max_concurrent_trades must be > 0")
	}
	if cfg.Sizing.Leverage.Min > cfg.Sizing.Leverage.Max {
		return errors.New("sizing.leverage.min exceeds sizing.leverage.max")
	}
	if cfg.Sizing.Leverage.Default < cfg.Sizing.Leverage.Min || cfg.Sizing.Leverage.Default > cfg.Sizing.Leverage.Max {
		return errors.New("sizing.leverage.default outside [min, max]")
	}
	if cfg.Exit.InitialStopPct <= 0 {
		return errors.New("exit.initial_stop_pct must be > 0")
	}
	if cfg.Exit.TightTrailDistance > cfg.Exit.TrailingDistance {
		return errors.New("exit.tight_trailing_distance_pct exceeds exit.trailing_distance_pct")
	}
	if cfg.Exit.Velocity.PartialClose >= 0 || cfg.Exit.Velocity.FullClose >= 0 {
		return errors.New("exit.velocity close thresholds must be negative")
	}
	if cfg.Exit.Velocity.FullClose > cfg.Exit.Velocity.PartialClose {
		return errors.New("exit.velocity.full_close_velocity_pct must not exceed partial_close_velocity_pct")
	}
	return validateLadder(cfg.Exit.Ladder)
}

func validateLadder(ladder []RungConfig) error {
	if !sort.SliceIsSorted(ladder, func(i, j int) bool {
		return ladder[i].TriggerPct < ladder[j].TriggerPct
	}) {
		return errors.New("exit.ladder trigger_pct must be strictly ascending")
	}
	for i, rung := range ladder {
		if i > 0 && rung.TriggerPct == ladder[i-1].TriggerPct {
			return errors.New("exit.ladder trigger_pct must be strictly ascending")
		}
		if rung.TriggerPct <= 0 {
			return fmt.Errorf("exit.ladder[%d].trigger_pct must be > 0", i)
		}
		if rung.CloseFraction <= 0 || rung.CloseFraction > 1 {
			return fmt.Errorf("exit.ladder[%d].close_fraction must be in (0, 1]", i)
		}
		if rung.Action == "close_remaining" && rung.CloseFraction != 1 {
			return fmt.Errorf("exit.ladder[%d] close_remaining requires close_fraction 1.0", i)
		}
	}
	if n := len(ladder); n > 0 && ladder[n-1].CloseFraction != 1 {
		return errors.New("exit.ladder final rung must close the full remainder")
	}
	return nil
}
