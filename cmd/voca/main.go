package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/voca/pkg/voca"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := voca.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := voca.NewEngine(ctx, cfg)
	if err != nil {
		slog.Error("engine_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		slog.Error("engine_start_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http_listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http_server_failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := engine.Stop(); err != nil {
		slog.Warn("drain_incomplete", slog.String("error", err.Error()))
	}
}
