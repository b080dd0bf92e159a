package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forked/forked/internal/api"
	"github.com/forked/forked/internal/config"
	"github.com/forked/forked/internal/forkengine"
	"github.com/forked/forked/internal/gatewayclient"
	"github.com/forked/forked/internal/identity"
	"github.com/forked/forked/internal/ingest"
	"github.com/forked/forked/internal/lineage"
	"github.com/forked/forked/internal/retention"
	"github.com/forked/forked/internal/rewind"
	"github.com/forked/forked/internal/store"
	"github.com/forked/forked/internal/telemetry"
)

const (
	ingestPort = 7999
	apiPort    = 8000
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Forked daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runServe wires together every Forked component and blocks until
// SIGINT/SIGTERM.
func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		cfg = config.Default()
	}

	keeper, err := identity.Load(defaultIdentityPath())
	if err != nil {
		slog.Error("identity.load_failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(defaultStorePath())
	if err != nil {
		slog.Error("store.open_failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	telEnabled, telEndpoint := cfg.TelemetryView()
	shutdownTelemetry, err := telemetry.Init(context.Background(), telEnabled, telEndpoint, Version)
	if err != nil {
		slog.Warn("telemetry.init_failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry.shutdown_failed", "error", err)
		}
	}()

	lineageEngine := lineage.NewEngine(st, cfg.PromotionMaxEvents)

	ingestor := ingest.New(st, lineageEngine)
	ingestServer := ingest.NewServer(ingestor, ingestPort)

	rewindEngine := rewind.New(st)

	gwClient := gatewayclient.New(cfg.GatewayURL(), cfg.GatewayToken, keeper, gatewayclient.ClientMeta{
		ID:         "forked",
		Version:    Version,
		Platform:   runtime.GOOS,
		Mode:       "daemon",
		InstanceID: keeper.DeviceID(),
	})

	forkEngine := forkengine.New(st, lineageEngine, rewindEngine, gwClient, cfg)

	apiServer := api.New(st, rewindEngine, forkEngine, cfg, apiPort, time.Now())

	sweeper := retention.New(st, cfg, cfg.RetentionCron)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(ctx)
	go forkEngine.RunReaper(ctx)

	stopWatch := make(chan struct{})
	go func() {
		if err := cfg.Watch(stopWatch); err != nil {
			slog.Warn("config.watch_failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ingestServer.Serve(); err != nil {
			slog.Error("ingest.serve_failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := apiServer.Serve(); err != nil {
			slog.Error("api.serve_failed", "error", err)
		}
	}()

	slog.Info("forked serving",
		"version", Version,
		"ingestPort", ingestPort,
		"apiPort", apiPort,
		"device", keeper.DeviceID(),
		"gateway", cfg.GatewayURL(),
	)

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)
	close(stopWatch)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("ingest.shutdown_error", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("api.shutdown_error", "error", err)
	}
	wg.Wait()
}
