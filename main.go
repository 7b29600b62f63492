package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"upfweb/internal/config"
	"upfweb/internal/logging"
	"upfweb/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default $UPF_CONFIG)")
	listen := flag.String("listen", "", "Listen address, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log := logging.Must(cfg.Log)
	defer log.Sync()

	app, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("UPF console listening",
			zap.String("addr", cfg.Listen),
			zap.String("api", cfg.API.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
		return
	}
	log.Info("server stopped")
}
