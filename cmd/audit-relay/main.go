// Package main is the entry point for the SAP audit relay agent.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sap-audit-relay/internal/archive"
	"sap-audit-relay/internal/config"
	"sap-audit-relay/internal/dedup"
	"sap-audit-relay/internal/forward"
	"sap-audit-relay/internal/logging"
	"sap-audit-relay/internal/poller"
	"sap-audit-relay/internal/sap"
	"sap-audit-relay/internal/status"
	"sap-audit-relay/internal/storage"
)

func main() {
	// Setup structured logging. The level is rebuilt from the config once
	// it loads; this logger covers config loading itself.
	slog.SetDefault(buildLogger(os.Getenv("RELAY_LOG_LEVEL")))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"url", logging.RedactURL(cfg.SAP.URL),
		"username", logging.MaskString(cfg.SAP.Username, 1, 1),
		"timezone", cfg.Location().String(),
		"poll_interval", cfg.Poll.Interval,
		"audit_file", cfg.Archive.Path,
		"collector", cfg.Forward.Address,
		"protocol", cfg.Forward.Protocol,
		"redis_mirror", cfg.Dedup.Redis.Enabled,
		"kafka_mirror", cfg.Forward.Kafka.Enabled,
		"clickhouse_mirror", cfg.Storage.ClickHouse.Enabled,
		"s3_offload", cfg.Archive.S3.Enabled,
	)

	// Initialize components
	client := sap.NewClient(cfg.SAP, cfg.Location(), logger.With("component", "sap"))

	index := dedup.NewIndex(logger.With("component", "dedup"))
	var redisMirror *dedup.RedisMirror
	if cfg.Dedup.Redis.Enabled {
		redisMirror, err = dedup.NewRedisMirror(cfg.Dedup.Redis)
		if err != nil {
			slog.Warn("redis mirror unavailable, running without it", "error", err)
			redisMirror = nil
		} else {
			index.AttachMirror(redisMirror, cfg.Dedup.Redis.Timeout)
		}
	}

	arch, err := archive.Open(cfg.Archive.Path, cfg.Archive.MaxSizeBytes, cfg.Archive.BackupMaxAge, logger.With("component", "archive"))
	if err != nil {
		slog.Error("cannot open audit file", "path", cfg.Archive.Path, "error", err)
		os.Exit(1)
	}

	if cfg.Archive.S3.Enabled {
		offloader, err := archive.NewS3Offloader(context.Background(), cfg.Archive.S3, logger.With("component", "s3"))
		if err != nil {
			slog.Warn("s3 offload unavailable, backups stay local", "error", err)
		} else {
			arch.AttachOffloader(offloader)
		}
	}

	sender := forward.NewSender(cfg.Forward, logger.With("component", "forward"))

	var kafkaSender *forward.KafkaSender
	if cfg.Forward.Kafka.Enabled {
		kafkaSender = forward.NewKafkaSender(cfg.Forward.Kafka, logger.With("component", "kafka"))
	}

	var chMirror *storage.ClickHouseMirror
	if cfg.Storage.ClickHouse.Enabled {
		chMirror, err = storage.NewClickHouseMirror(cfg.Storage.ClickHouse, logger.With("component", "clickhouse"))
		if err != nil {
			slog.Warn("clickhouse mirror unavailable, running without it", "error", err)
			chMirror = nil
		}
	}

	statusWriter := status.NewWriter(cfg.Status, logger)

	p := poller.New(client, index, arch, sender,
		poller.Config{
			Interval:        cfg.Poll.Interval,
			InitialLookback: cfg.Poll.InitialLookback,
		},
		cfg.Location(),
		logger.With("component", "poller"),
	)
	p.AttachStatus(statusWriter)
	if kafkaSender != nil {
		p.AttachKafka(kafkaSender)
	}
	if chMirror != nil {
		p.AttachStorage(chMirror)
	}

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("poller stopped unexpectedly", "error", err)
	}
	slog.Info("shutdown signal received")

	// Teardown: forwarder first, then mirrors, then the audit file.
	if err := sender.Close(); err != nil {
		slog.Error("forwarder close error", "error", err)
	}
	if kafkaSender != nil {
		if err := kafkaSender.Close(); err != nil {
			slog.Error("kafka mirror close error", "error", err)
		}
	}
	if chMirror != nil {
		if err := chMirror.Close(); err != nil {
			slog.Error("clickhouse mirror close error", "error", err)
		}
	}
	if redisMirror != nil {
		if err := redisMirror.Close(); err != nil {
			slog.Error("redis mirror close error", "error", err)
		}
	}
	if err := arch.Close(); err != nil {
		slog.Error("audit file close error", "error", err)
	}

	// Log final metrics
	stats := p.Stats()
	slog.Info("shutdown complete",
		"cycles", stats.Cycles,
		"fetched", stats.Fetched,
		"unique", stats.Unique,
		"duplicates", stats.Duplicates,
		"forwarded", stats.Forwarded,
		"forward_errors", stats.ForwardErrors,
		"fetch_failures", stats.FetchFailures,
	)

	fetchMetrics := client.Metrics()
	archMetrics := arch.Metrics()
	sendMetrics := sender.Metrics()
	slog.Info("component metrics",
		"fetch_retries", fetchMetrics.Retries,
		"seen_size", index.Len(),
		"rotations", archMetrics.Rotations,
		"backups_expired", archMetrics.BackupsExpired,
		"collector_dials", sendMetrics.Dials,
		"records_dropped", sendMetrics.Dropped,
	)
}

func buildLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
