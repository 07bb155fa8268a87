package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/internal/config"
	"github.com/solinex/clearmatch/internal/engine"
	"github.com/solinex/clearmatch/internal/exchange"
	"github.com/solinex/clearmatch/internal/journal"
	"github.com/solinex/clearmatch/internal/ledger"
	"github.com/solinex/clearmatch/internal/liquidation"
	"github.com/solinex/clearmatch/internal/scheduler"
	"github.com/solinex/clearmatch/internal/verify"
	"github.com/solinex/clearmatch/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	adminID, err := uuid.Parse(cfg.AdminID)
	if err != nil {
		zapLogger.Fatal("Invalid admin id", zap.Error(err))
	}

	jrn, err := journal.Open(zapLogger.Sugar(), cfg.JournalPath)
	if err != nil {
		zapLogger.Fatal("Failed to open journal", zap.Error(err))
	}
	defer jrn.Close()

	led := ledger.NewService(zapLogger)
	eng := engine.New(zapLogger, led, jrn)
	for _, m := range cfg.Markets {
		if err := eng.InitializeMarket(engine.MarketConfig{
			Symbol:        m.Symbol,
			BaseCurrency:  m.Base,
			QuoteCurrency: m.Quote,
		}); err != nil {
			zapLogger.Fatal("Failed to initialize market", zap.String("symbol", m.Symbol), zap.Error(err))
		}
	}

	guard := liquidation.NewGuard(zapLogger, led, jrn, liquidation.Config{
		Enabled:                 cfg.Liquidation.Enabled,
		MinCreationRatioPct:     cfg.Liquidation.MinCreationRatioPct,
		LiquidationThresholdPct: cfg.Liquidation.LiquidationThresholdPct,
		CooldownSeconds:         cfg.Liquidation.CooldownSeconds,
		LiquidationDiscountPct:  cfg.Liquidation.LiquidationDiscountPct,
		CloseFactorPct:          cfg.Liquidation.CloseFactorPct,
		CollateralCurrency:      cfg.Liquidation.CollateralCurrency,
	})

	ver := verify.NewVerifier(led, led, zapLogger)
	sched := scheduler.New(zapLogger, cfg.Scheduler.Workers)
	ex := exchange.New(zapLogger, led, ver, eng, guard, sched, exchange.SingleAdmin{Admin: adminID})
	for _, symbol := range eng.Markets() {
		stats, err := ex.GetMarketStats(symbol)
		if err != nil {
			zapLogger.Fatal("Failed to read market stats", zap.String("symbol", symbol), zap.Error(err))
		}
		zapLogger.Info("market ready", zap.String("symbol", symbol), zap.Bool("open", stats.MarketOpen))
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		zapLogger.Info("metrics listener started", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			zapLogger.Error("metrics listener exited", zap.Error(err))
		}
	}()

	zapLogger.Info("clearmatch core running",
		zap.Strings("markets", eng.Markets()),
		zap.Int("scheduler_workers", cfg.Scheduler.Workers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	if err := jrn.Flush(); err != nil {
		zapLogger.Error("journal flush failed", zap.Error(err))
	}
}
