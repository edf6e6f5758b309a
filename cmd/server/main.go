package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketdata/internal/app"
	"marketdata/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := app.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	go a.Monitor.Run(ctx)

	if len(cfg.Warmup) > 0 {
		go func() {
			if err := a.Service.WarmupCache(ctx, cfg.Warmup); err != nil {
				log.Warn("startup warmup incomplete", "error", err)
				return
			}
			log.Info("cache warmed", "symbols", len(cfg.Warmup))
		}()
	}

	closing := make(chan struct{})
	h := &api{
		svc:       a.Service,
		log:       log,
		timeout:   time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
		wsRefresh: time.Duration(cfg.Server.WSRefreshSec) * time.Second,
		closing:   closing,
	}
	var handler http.Handler = h.routes()
	handler = limitBody(cfg.Server.MaxBodyBytes, handler)
	handler = recoverPanic(log, handler)
	handler = withGzip(handler)
	handler = withJSONHeaders(handler)
	handler = withRequestLog(log, handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() { close(closing) })

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}

	log.Info("shutting down")
	grace := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	return errors.Join(err, a.Close(shutdownCtx))
}
