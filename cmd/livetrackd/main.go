package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/opsgrid/livetrack/internal/auth"
	"github.com/opsgrid/livetrack/internal/cache"
	"github.com/opsgrid/livetrack/internal/changefeed"
	"github.com/opsgrid/livetrack/internal/changefeed/ws"
	"github.com/opsgrid/livetrack/internal/config"
	"github.com/opsgrid/livetrack/internal/database"
	"github.com/opsgrid/livetrack/internal/httpapi"
	"github.com/opsgrid/livetrack/internal/influx"
	"github.com/opsgrid/livetrack/internal/logging"
	"github.com/opsgrid/livetrack/internal/monitor"
	intOtel "github.com/opsgrid/livetrack/internal/otel"
	"github.com/opsgrid/livetrack/internal/presence"
	"github.com/opsgrid/livetrack/internal/session"
	"github.com/opsgrid/livetrack/internal/store"

	"github.com/redis/go-redis/v9"
)

// Version can be set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	slogManager := logging.NewManager()
	slogManager.Setup(nil, "info", nil, nil)
	logger := slogManager.Logger()

	if err := config.Load("."); err != nil {
		logger.Warn("Failed to load config, using defaults", "error", err)
	} else {
		logger.Info("Loaded config")
	}

	logsDir := viper.GetString("logsDir")
	if _, err := os.Stat(logsDir); os.IsNotExist(err) {
		os.Mkdir(logsDir, 0755)
	}
	logFilePath := logging.LogFilePath(logsDir, "livetrackd", time.Now())
	logFile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		logger.Error("Failed to open log file, logging to stdout only", "error", err, "path", logFilePath)
	}

	var otelProvider *intOtel.Provider
	var otelLogProvider *sdklog.LoggerProvider
	if viper.GetBool("otel.enabled") {
		otelCfg := intOtel.Config{
			Enabled:      true,
			ServiceName:  "livetrackd",
			BatchTimeout: 5 * time.Second,
			Endpoint:     viper.GetString("otel.endpoint"),
			Insecure:     viper.GetBool("otel.insecure"),
		}
		if logFile != nil {
			otelCfg.LogWriter = logFile
		}
		otelProvider, err = intOtel.New(otelCfg)
		if err != nil {
			logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			otelLogProvider = otelProvider.LoggerProvider()
			logger.Info("OTel provider initialized", "endpoint", viper.GetString("otel.endpoint"))
		}
	}

	var gelfWriter io.Writer
	if viper.GetBool("graylog.enabled") {
		gw, err := logging.NewGelfWriter(viper.GetString("graylog.address"))
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err, "address", viper.GetString("graylog.address"))
		} else {
			gelfWriter = gw
		}
	}

	var logSink io.Writer
	if logFile != nil {
		logSink = logFile
		defer logFile.Close()
	}
	slogManager.Setup(logSink, viper.GetString("logLevel"), otelLogProvider, gelfWriter)
	logger = slogManager.Logger()
	slog.SetDefault(logger)
	logger.Info("Starting livetrackd", "version", Version, "log", logFilePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	dbManager := database.NewManager(zlog)
	if err := dbManager.Connect(); err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	if err := dbManager.Setup(); err != nil {
		return fmt.Errorf("database setup: %w", err)
	}
	if dbManager.IsLocal {
		logger.Warn("Running on embedded SQLite, data is local to this process")
	}

	hub, err := changefeed.NewHub(logger)
	if err != nil {
		return fmt.Errorf("changefeed hub: %w", err)
	}
	st := store.NewGorm(dbManager.DB, hub, logger)

	var redisClient *redis.Client
	if viper.GetBool("redis.enabled") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
	}
	tracker := presence.New(ctx, redisClient, viper.GetDuration("presence.ttl"), logger)

	gate := session.NewRoleGate(st, config.CommanderEmails(), logger)
	authClient := auth.New(
		viper.GetString("auth.baseUrl"),
		viper.GetString("auth.apiKey"),
		viper.GetString("auth.redirectUrl"),
	)
	verifier := cache.NewUserCache(authClient, viper.GetDuration("auth.cacheTtl"))

	var influxManager *influx.Manager
	if viper.GetBool("influx.enabled") {
		backupPath := filepath.Join(logsDir, "influx_backup.lp.gz")
		influxManager = influx.NewManager(zlog, backupPath)
		if err := influxManager.Connect(); err != nil {
			logger.Error("Failed to connect to InfluxDB, stats shipping disabled", "error", err)
			influxManager = nil
		} else {
			defer influxManager.Close()
		}
	}

	monitorService := monitor.NewService(monitor.Dependencies{
		DB:              dbManager.DB,
		Hub:             hub,
		Influx:          influxManager,
		Logger:          logger,
		IsDatabaseValid: func() bool { return dbManager.IsValid },
	})
	if err := monitorService.Start(); err != nil {
		logger.Error("Failed to start monitor", "error", err)
	}
	defer monitorService.Stop()

	slogManager.Context = func() []slog.Attr {
		return []slog.Attr{
			slog.Bool("dbLocal", dbManager.IsLocal),
			slog.Bool("monitorRunning", monitorService.IsRunning()),
		}
	}

	wsHandler := ws.NewHandler(hub, st, tracker, logger)
	server := httpapi.New(st, gate, verifier, tracker, wsHandler, logger)

	addr := viper.GetString("server.listen")
	logger.Info("Listening", "addr", addr)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	if otelProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down OTel provider", "error", err)
		}
	}
	logger.Info("Shutdown complete")
	return nil
}
