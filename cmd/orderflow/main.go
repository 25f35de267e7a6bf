// Package main запускает HTTP-сервер сервиса заказов и выпуска NF-e.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/orderflow/internal/config"
	"github.com/mmeshcher/orderflow/internal/fiscal"
	"github.com/mmeshcher/orderflow/internal/handler"
	"github.com/mmeshcher/orderflow/internal/idempotency"
	"github.com/mmeshcher/orderflow/internal/mail"
	"github.com/mmeshcher/orderflow/internal/repository"
	"github.com/mmeshcher/orderflow/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	taxRate, err := cfg.TaxRatePercent()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var keys idempotency.Store
	if cfg.RedisAddress != "" {
		store := idempotency.NewRedisStore(cfg.RedisAddress, "orderflow")
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer store.Close()
		keys = store
	} else {
		sugar.Warn("REDIS_ADDRESS is not set, idempotency keys are kept in memory")
		keys = idempotency.NewMemoryStore()
	}

	if cfg.FiscalAuthorityAddress == "" {
		sugar.Warn("FISCAL_AUTHORITY_ADDRESS is not set, document generation will fail")
	}
	if cfg.MailServiceAddress == "" {
		sugar.Warn("MAIL_SERVICE_ADDRESS is not set, document delivery will fail")
	}

	generator := fiscal.NewGenerator(fiscal.NewHTTPAuthority(cfg.FiscalAuthorityAddress, cfg.ExternalTimeout), cfg.ExternalTimeout)
	dispatcher := mail.NewDispatcher(mail.NewHTTPSender(cfg.MailServiceAddress, cfg.ExternalTimeout), cfg.ExternalTimeout)

	svc := service.NewService(repo, generator, dispatcher, keys, taxRate, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting orderflow server",
			"addr", cfg.RunAddress,
			"tax_rate", taxRate.String(),
			"external_timeout", cfg.ExternalTimeout.String(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
