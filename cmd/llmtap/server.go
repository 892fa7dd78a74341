package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/database"
	"github.com/llmtap/llmtap/internal/logging"
	"github.com/llmtap/llmtap/internal/proxy"
	"github.com/llmtap/llmtap/internal/recorder"
	"github.com/llmtap/llmtap/internal/server"
	"github.com/llmtap/llmtap/internal/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// For testing
var newDatabaseFromConfig = database.NewFromConfig

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the recording proxy server",
	Long:  `Start the proxy server: forward requests to the upstream, record exchanges, and serve usage statistics.`,
	Run:   runServer,
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		osExit(1)
		return
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		osExit(1)
		return
	}
	defer func() { _ = logger.Sync() }()

	db, err := newDatabaseFromConfig(databaseConfig(cfg))
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		osExit(1)
		return
	}
	defer func() { _ = db.Close() }()

	rec := recorder.New(db, logger)
	forwarder := proxy.NewForwarder(proxy.ForwarderConfig{
		UpstreamBaseURL:    cfg.UpstreamBaseURL,
		UpstreamTimeout:    cfg.UpstreamTimeout,
		MaxStoredBodyBytes: cfg.MaxStoredBodyBytes,
	}, rec, logger)
	statsHandler := stats.NewHandler(stats.NewAggregator(db), logger)
	srv := server.New(cfg.ListenAddr, forwarder, statsHandler, logger)

	logger.Info("starting llmtap",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("upstream", cfg.UpstreamBaseURL),
		zap.String("db_driver", cfg.DBDriver))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			osExit(1)
			return
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			osExit(1)
			return
		}
	}
}

// databaseConfig maps the process configuration onto the database factory
// configuration.
func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Driver:          database.DriverType(cfg.DBDriver),
		Path:            cfg.DatabasePath,
		DatabaseURL:     cfg.DatabaseURL,
		MaxOpenConns:    cfg.DatabasePoolSize,
		MaxIdleConns:    cfg.DatabaseMaxIdle,
		ConnMaxLifetime: cfg.DatabaseConnMaxLife,
	}
}
