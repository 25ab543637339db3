// Package main is the entry point for the event relay server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/eventrelay/internal/buildinfo"
	"github.com/nugget/eventrelay/internal/config"
	"github.com/nugget/eventrelay/internal/events"
	"github.com/nugget/eventrelay/internal/metrics"
	"github.com/nugget/eventrelay/internal/relay"
	"github.com/nugget/eventrelay/internal/store"
	"github.com/nugget/eventrelay/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("eventrelay - signed-event publish/subscribe relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the relay server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting eventrelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "db_path", cfg.DBPath)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.Open(db)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.DBPath)

	var bus *events.Bus
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		bus = events.New()
		collector = metrics.New(bus)
	}

	validator := relay.NewValidator(cfg.Ingest.FutureTolerance)
	pool := relay.NewVerifyPool(cfg.Ingest.VerifyWorkers)
	registry := relay.NewRegistry()

	pipeline := relay.NewPipeline(st, validator, pool, func(e *relay.Event, seq int64) {
		// The sole broadcast point: invoked synchronously by
		// Pipeline.Submit only on a genuinely new commit or an
		// ephemeral accept (seq == 0 in that case).
		hasSeq := relay.Classify(e.Kind) != relay.KindEphemeral
		registry.Publish(e, seq, hasSeq)
	})

	server := transport.NewServer(cfg.Listen.Address, cfg.Listen.Port, pipeline, st, registry, logger, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if collector != nil {
		go collector.Run(ctx)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", collector.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("eventrelay stopped")
}
