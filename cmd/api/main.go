package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"escrowflow/account"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/httpapi"
	"escrowflow/logger"
	"escrowflow/payee"
	"escrowflow/payment"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(err)
	}

	log, err := logger.New(os.Getenv("APP_ENV") == "development")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	accountRepo := account.NewRepository(pool)
	accountSvc := account.NewService(accountRepo, cfg.JWT.Secret)

	paymentGW := payment.NewStripeGateway(cfg.Stripe.SecretKey, log)
	payeeGW := payee.NewStripeGateway(
		cfg.Stripe.SecretKey,
		cfg.Stripe.OnboardingRefreshURL,
		cfg.Stripe.OnboardingReturnURL,
		log,
	)

	ledger := escrow.NewRepository(pool)
	engine := escrow.NewEngine(ledger, accountRepo, paymentGW, payeeGW, cfg.Stripe.Currency, log)

	images, err := httpapi.NewLocalImageStore(cfg.Uploads.Dir)
	if err != nil {
		log.Fatal("bootstrap image store", zap.Error(err))
	}

	handlers := httpapi.NewHandlers(engine, accountSvc, images, log)
	router := httpapi.NewRouter(handlers, accountSvc)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("api listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}
