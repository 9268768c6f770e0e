package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/stratos-labs/ai-gateway"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/internal/version"
)

const registryRefreshInterval = time.Hour

func serve(ctx context.Context) error {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logging.Logger

	cfg, err := gateway.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	gw, err := gateway.New(cfg, st)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.StartRegistryRefresh(ctx, registryRefreshInterval)

	srv := &http.Server{
		Addr:         ":" + cfg.ListenAddr,
		Handler:      newRouter(gw),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamMaxDuration() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err.Error())
		}
	}()

	log.Info("gateway listening",
		"version", version.Short(),
		"addr", srv.Addr,
		"providers", gw.ProviderNames(),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info("server stopped")
	return nil
}
