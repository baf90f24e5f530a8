package pairs

import (
	"testing"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/market"
)

func testFilter() *Filter {
	return NewFilter(config.PairsConfig{
		QuoteAssets:      []string{"USDT"},
		Stablecoins:      []string{"USDCUSDT"},
		MinVolume24hUSD:  100_000,
		HotVolume24hUSD:  50_000,
		HotMoverPct:      10,
		MegaMoverPct:     20,
		MinListingAge:    24 * time.Hour,
		MaxSpreadPercent: 0.5,
	})
}

func ticker(symbol string, volume, changePct float64) market.Ticker {
	return market.Ticker{
		Symbol:         symbol,
		QuoteVolume:    volume,
		PriceChangePct: changePct,
		QuoteAsset:     "USDT",
		ContractType:   "PERPETUAL",
		Status:         "TRADING",
		ListedAt:       time.Now().Add(-30 * 24 * time.Hour),
		SpreadPct:      0.1,
	}
}

func TestEligibleEnforcesVolumeFloor(t *testing.T) {
	f := testFilter()
	universe := []market.Ticker{
		ticker("GOODUSDT", 200_000, 3),
		ticker("THINUSDT", 40_000, 3),
	}
	got := f.Eligible(universe, nil, time.Now())
	if len(got) != 1 || got[0] != "GOODUSDT" {
		t.Fatalf("expected only GOODUSDT, got %v", got)
	}
}

func TestHotMoverUsesRelaxedFloor(t *testing.T) {
	f := testFilter()
	universe := []market.Ticker{ticker("HOTUSDT", 60_000, 12)}
	got := f.Eligible(universe, nil, time.Now())
	if len(got) != 1 {
		t.Fatalf("hot mover above relaxed floor must pass, got %v", got)
	}
	universe = []market.Ticker{ticker("COLDUSDT", 60_000, 3)}
	if got := f.Eligible(universe, nil, time.Now()); len(got) != 0 {
		t.Fatalf("slow mover below main floor must fail, got %v", got)
	}
}

func TestMegaMoverBypassesVolume(t *testing.T) {
	f := testFilter()
	universe := []market.Ticker{ticker("MEGAUSDT", 10_000, -25)}
	got := f.Eligible(universe, nil, time.Now())
	if len(got) != 1 || got[0] != "MEGAUSDT" {
		t.Fatalf("mega mover must bypass volume floor, got %v", got)
	}
}

func TestStablecoinAndQuoteExclusions(t *testing.T) {
	f := testFilter()
	stable := ticker("USDCUSDT", 5_000_000, 1)
	wrongQuote := ticker("BTCBUSD", 5_000_000, 1)
	wrongQuote.QuoteAsset = "BUSD"
	got := f.Eligible([]market.Ticker{stable, wrongQuote}, nil, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected exclusions, got %v", got)
	}
}

func TestNewListingExcluded(t *testing.T) {
	f := testFilter()
	fresh := ticker("NEWUSDT", 500_000, 5)
	fresh.ListedAt = time.Now().Add(-2 * time.Hour)
	if got := f.Eligible([]market.Ticker{fresh}, nil, time.Now()); len(got) != 0 {
		t.Fatalf("expected new listing excluded, got %v", got)
	}
}

func TestWideSpreadExcluded(t *testing.T) {
	f := testFilter()
	wide := ticker("WIDEUSDT", 500_000, 5)
	wide.SpreadPct = 0.9
	if got := f.Eligible([]market.Ticker{wide}, nil, time.Now()); len(got) != 0 {
		t.Fatalf("expected wide spread excluded, got %v", got)
	}
}

func TestOpenPositionsSkipped(t *testing.T) {
	f := testFilter()
	universe := []market.Ticker{ticker("OPENUSDT", 500_000, 5)}
	got := f.Eligible(universe, map[string]bool{"OPENUSDT": true}, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected open position skipped, got %v", got)
	}
}

func TestEligibleSortsByAbsoluteMove(t *testing.T) {
	f := testFilter()
	universe := []market.Ticker{
		ticker("SLOWUSDT", 500_000, 2),
		ticker("FASTUSDT", 500_000, -9),
		ticker("MIDUSDT", 500_000, 4),
	}
	got := f.Eligible(universe, nil, time.Now())
	want := []string{"FASTUSDT", "MIDUSDT", "SLOWUSDT"}
	if len(got) != len(want) {
		t.Fatalf("expected %d symbols, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}
