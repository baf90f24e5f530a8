package pairs

import (
	"sort"
	"strings"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/market"
)

// Filter narrows the contract universe to symbols worth scanning.
// Liquidity floors are relaxed for fast movers: a pair already moving
// hard gets a lower volume bar, and an outsized mover bypasses the
// volume check entirely.
type Filter struct {
	cfg         config.PairsConfig
	quoteAssets map[string]struct{}
	stablecoins map[string]struct{}
}

func NewFilter(cfg config.PairsConfig) *Filter {
	quotes := make(map[string]struct{}, len(cfg.QuoteAssets))
	for _, q := range cfg.QuoteAssets {
		quotes[strings.ToUpper(q)] = struct{}{}
	}
	stables := make(map[string]struct{}, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stables[strings.ToUpper(s)] = struct{}{}
	}
	return &Filter{cfg: cfg, quoteAssets: quotes, stablecoins: stables}
}

// Eligible returns the symbols to scan this cycle, largest 24h movers
// first. Symbols with an open position are skipped, re-entry is handled
// by the exit path, not the scanner.
func (f *Filter) Eligible(universe []market.Ticker, open map[string]bool, now time.Time) []string {
	eligible := make([]market.Ticker, 0, len(universe))
	for _, t := range universe {
		if !f.admits(t, now) {
			continue
		}
		if open[t.Symbol] {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return abs(eligible[i].PriceChangePct) > abs(eligible[j].PriceChangePct)
	})
	symbols := make([]string, 0, len(eligible))
	for _, t := range eligible {
		symbols = append(symbols, t.Symbol)
	}
	return symbols
}

func (f *Filter) admits(t market.Ticker, now time.Time) bool {
	if t.Status != "" && t.Status != "TRADING" {
		return false
	}
	if t.ContractType != "" && t.ContractType != "PERPETUAL" {
		return false
	}
	if t.QuoteAsset != "" {
		if _, ok := f.quoteAssets[strings.ToUpper(t.QuoteAsset)]; !ok {
			return false
		}
	}
	if _, ok := f.stablecoins[strings.ToUpper(t.Symbol)]; ok {
		return false
	}
	if f.cfg.MinListingAge > 0 && !t.ListedAt.IsZero() && now.Sub(t.ListedAt) < f.cfg.MinListingAge {
		return false
	}
	if t.SpreadPct > f.cfg.MaxSpreadPercent {
		return false
	}
	return f.volumeAdmits(t)
}

func (f *Filter) volumeAdmits(t market.Ticker) bool {
	move := abs(t.PriceChangePct)
	switch {
	case move > f.cfg.MegaMoverPct:
		return true
	case move > f.cfg.HotMoverPct:
		return t.QuoteVolume >= f.cfg.HotVolume24hUSD
	}
	return t.QuoteVolume >= f.cfg.MinVolume24hUSD
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
