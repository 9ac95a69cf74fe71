// Command orchestrator runs the AceStream engine pool control plane:
// provisioning, health monitoring, autoscaling, VPN supervision and the
// in-process streaming multiplexer, all behind one HTTP API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/krinkuto11/acestream-orchestrator/internal/api"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetLogLoggerLevel(config.LookupLogLevel())
	slog.Info("starting orchestrator",
		"vpn_mode", cfg.VPNMode,
		"max_replicas", cfg.MaxReplicas,
		"min_free_replicas", cfg.MinFreeReplicas,
		"engine_image", cfg.EngineImage,
		"listen_addr", cfg.ListenAddr,
		"multiplexer_chunk_size", humanize.Bytes(uint64(cfg.MultiplexerChunkSize)),
	)

	log := slog.Default()

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		slog.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Run(ctx)

	srv := api.New(api.Deps{
		APIKey:      cfg.APIKey,
		Store:       orch.Store,
		Provisioner: orch.Provisioner,
		Autoscaler:  orch.Autoscaler,
		Selector:    orch.Selector,
		Multiplexer: orch.Multiplexer,
		Breaker:     orch.Breaker,
		Events:      orch.Events,
		VPNStatus:   orch.VPNStatuses,
		EngineImage: cfg.EngineImage,
		Log:         log,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := orch.Shutdown(); err != nil {
		slog.Error("orchestrator shutdown error", "error", err)
	}
}
