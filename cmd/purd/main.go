package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"purchain/config"
	"purchain/core"
	"purchain/core/genesis"
	"purchain/crypto"
	"purchain/observability/logging"
	"purchain/observability/metrics"
	"purchain/observability/otel"
	"purchain/storage"
)

const (
	genesisPathEnv = "PUR_GENESIS"
	envName        = "PUR_ENV"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides PUR_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.LogLevel))}
	if strings.TrimSpace(cfg.LogFile) != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups))
	}
	if env := strings.TrimSpace(os.Getenv(envName)); env != "" {
		cfg.Environment = env
	}
	logger := logging.Setup("purd", cfg.Environment, logOpts...)

	if err := run(cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv), logger); err != nil {
		logger.Error("purd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, genesisPath string, logger *slog.Logger) error {
	schedule, err := cfg.Schedule()
	if err != nil {
		return fmt.Errorf("resolve protocol parameters: %w", err)
	}
	shutdownTelemetry, err := otel.Start(context.Background(), telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db, err := storage.NewCachedDB(ldb, cfg.DBCacheEntries)
	if err != nil {
		_ = ldb.Close()
		return err
	}
	defer db.Close()

	chainMetrics := metrics.Chain()
	mgr, err := core.NewChainStateManager(core.Config{
		DB:                  db,
		Schedule:            schedule,
		Verifier:            crypto.RejectAll,
		AccountCacheEntries: cfg.AccountCacheEntries,
		Logger:              logger,
		Metrics:             chainMetrics,
	})
	if err != nil {
		return fmt.Errorf("open chain state: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, ok := mgr.Tip(); !ok {
		if genesisPath == "" {
			return fmt.Errorf("empty data directory %s and no genesis file configured", cfg.DataDir)
		}
		spec, err := genesis.LoadSpec(genesisPath)
		if err != nil {
			return err
		}
		p := schedule.ForHeight(0)
		blk, err := spec.Block(p)
		if err != nil {
			return err
		}
		if err := mgr.Bootstrap(rootCtx, blk, spec.Allocations(p)); err != nil {
			return fmt.Errorf("bootstrap genesis: %w", err)
		}
	}
	chainMetrics.SetHeight(mgr.Height())
	tip, _ := mgr.Tip()
	logger.Info("Chain state ready",
		slog.Uint64("height", mgr.Height()),
		slog.String("tip", fmt.Sprintf("%x", tip)),
		slog.Any("active_forks", schedule.ActiveForks(mgr.Height())))

	var server *http.Server
	serverErr := make(chan error, 1)
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics", slog.String("address", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-rootCtx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("serve metrics: %w", err)
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Forcing metrics shutdown", slog.Any("error", err))
		}
	}
	return nil
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath prefers the flag, then the environment, then the config.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(cfgPath)
}

func telemetryConfig(cfg *config.Config) otel.Config {
	return otel.Config{
		Service:     "purd",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(cfg.Telemetry.Endpoint),
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	}
}
