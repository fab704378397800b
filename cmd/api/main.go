package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/api"
	"github.com/example/transfer-infra/internal/config"
	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/notify"
	"github.com/example/transfer-infra/internal/quote"
	"github.com/example/transfer-infra/internal/security"
	"github.com/example/transfer-infra/internal/store"
	"github.com/example/transfer-infra/internal/transfer"
	"github.com/example/transfer-infra/pkg/audit"
)

const defaultOracleURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		st, err = store.OpenSQLite(cfg.StorePath)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	fallbackPrice := quote.DefaultFallbackPrice
	if cfg.FallbackPriceUSD != "" {
		fallbackPrice, err = decimal.NewFromString(cfg.FallbackPriceUSD)
		if err != nil {
			return err
		}
	}

	oracleURL := cfg.OracleURL
	if oracleURL == "" {
		oracleURL = defaultOracleURL
	}
	quotes := quote.NewService(
		quote.NewCoinGeckoOracle(oracleURL, cfg.QuoteTimeout),
		quote.NewSampleFetcher(cfg.CurrencySampleURL, cfg.QuoteTimeout),
		fallbackPrice,
		logger,
	)

	l := ledger.NewLedger(st, ledger.RandomSeed)
	wallets, err := st.Wallets(ctx)
	if err != nil {
		return err
	}
	l.Hydrate(wallets)

	var notifier transfer.Notifier
	if tg := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID); tg.Enabled() {
		notifier = tg
	}

	auditor := audit.NewChainLogger()

	svc := transfer.NewService(transfer.Params{
		Quotes:   quotes,
		Ledger:   l,
		Store:    st,
		Notifier: notifier,
		Auditor:  auditor,
		Logger:   logger,
	})
	requests, err := st.Requests(ctx)
	if err != nil {
		return err
	}
	svc.Hydrate(requests)
	logger.Info("state hydrated", "wallets", len(wallets), "requests", len(requests))

	var rateLimiter *security.RedisTokenBucket
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if cfg.RateLimitCapacity > 0 {
			rateLimiter = &security.RedisTokenBucket{
				Redis:      redisClient,
				Prefix:     "transfer_api",
				Capacity:   cfg.RateLimitCapacity,
				RefillRate: cfg.RateLimitRefill,
			}
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Transfers:    svc,
		Wallets:      l,
		Quotes:       quotes,
		Auditor:      auditor,
		RateLimiter:  rateLimiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("transfer api listening", "addr", cfg.APIAddr, "store", cfg.StoreDriver, "tls", cfg.TLSCertFile != "")

	if cfg.TLSCertFile != "" {
		if err := security.VerifyTLSFiles(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return err
		}
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		})
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
		err = srv.ListenAndServeTLS("", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
