// Command verify checks exchange connectivity and credentials without
// starting the bot: it pulls contract metadata, the account summary and
// any live positions, and optionally inspects one symbol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/exchange/rest"
	"moonshot-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "optional config path for exchange settings")
	symbol := flag.String("symbol", "", "print market details for one symbol")
	envFile := flag.String("env", ".env", "path to env file with credentials")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fatal(err)
	}

	baseURL := "https://fapi.binance.com"
	timeout := 10 * time.Second
	var recvWindow int64 = 5000
	logCfg := config.LoggingConfig{Level: "info"}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		baseURL = cfg.Exchange.BaseURL
		timeout = cfg.Exchange.Timeout
		recvWindow = cfg.Exchange.RecvWindowMS
		logCfg = cfg.Log
	}
	log := logging.New(logCfg)

	creds, err := config.LoadCredentials()
	if err != nil {
		fatal(err)
	}
	client := rest.New(baseURL, creds.APIKey, creds.APISecret, recvWindow, timeout, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	infos, err := client.ExchangeInfo(ctx)
	if err != nil {
		fatal(fmt.Errorf("exchange info: %w", err))
	}
	fmt.Printf("contracts: %d\n", len(infos))

	account, err := client.Account(ctx)
	if err != nil {
		fatal(fmt.Errorf("account: %w", err))
	}
	fmt.Printf("equity: %.2f USD (available %.2f, unrealized %.2f)\n",
		account.Equity, account.AvailableBalance, account.UnrealizedPnL)

	risks, err := client.PositionRisks(ctx)
	if err != nil {
		fatal(fmt.Errorf("position risk: %w", err))
	}
	fmt.Printf("live positions: %d\n", len(risks))
	for _, r := range risks {
		fmt.Printf("  %-14s amt %.6g entry %.6g mark %.6g liq %.6g %dx\n",
			r.Symbol, r.PositionAmt, r.EntryPrice, r.MarkPrice, r.LiquidationPrice, r.Leverage)
	}

	if *symbol != "" {
		inspect(ctx, client, infos, *symbol, log)
	}
}

func inspect(ctx context.Context, client *rest.Client, infos []rest.SymbolInfo, symbol string, log *zap.Logger) {
	var info rest.SymbolInfo
	for _, s := range infos {
		if s.Symbol == symbol {
			info = s
			break
		}
	}
	if info.Symbol == "" {
		fatal(fmt.Errorf("symbol %s not listed", symbol))
	}
	fmt.Printf("%s: %s %s, price precision %d, qty precision %d, min notional %.2f\n",
		info.Symbol, info.ContractType, info.Status,
		info.PricePrecision, info.QuantityPrecision, info.MinNotional)

	premium, err := client.PremiumIndex(ctx, symbol)
	if err != nil {
		log.Warn("premium index unavailable", zap.Error(err))
		return
	}
	fmt.Printf("mark %.6g, funding %.6f, next funding %s\n",
		premium.MarkPrice, premium.LastFundingRate, premium.NextFundingTime.Format(time.RFC3339))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
