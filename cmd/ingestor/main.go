package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/archive"
	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/consumer"
	"github.com/gosight/bugscout/internal/enricher"
	"github.com/gosight/bugscout/internal/handler"
	"github.com/gosight/bugscout/internal/ingest"
	"github.com/gosight/bugscout/internal/insights"
	"github.com/gosight/bugscout/internal/producer"
	"github.com/gosight/bugscout/internal/server"
	"github.com/gosight/bugscout/internal/storage"
	"github.com/gosight/bugscout/internal/validation"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/bugscout.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting BugScout Ingestor...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.Open(ctx, cfg.Database.URL, storage.WithMaxOpenConns(cfg.Database.MaxOpenConns))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Database initialized")

	// Redis is optional: without it credentials are not cached and rate limiting is off
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis initialized")
	}
	validator := validation.NewValidator(store, rdb, cfg.Redis.APIKeyTTL, cfg.RateLimit.RequestsPerSecond)

	eventEnricher := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
	defer eventEnricher.Close()

	// Alerts are optional
	var detector *insights.Processor
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics["alerts"] != "" {
		alerts, err := producer.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka producer")
		}
		defer alerts.Close()
		detector = insights.NewProcessorWithAlerts(store, cfg.Insights, alerts)
		log.Info().Str("topic", cfg.Kafka.Topics["alerts"]).Msg("Kafka alert producer initialized")
	} else {
		detector = insights.NewProcessor(store, cfg.Insights)
	}

	opts := []ingest.Option{ingest.WithEnricher(eventEnricher)}

	// ClickHouse archive is optional
	if cfg.ClickHouse.Addr != "" {
		ch, err := storage.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
		}
		defer ch.Close()
		if err := ch.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate ClickHouse")
		}
		archiver := archive.NewArchiver(ch, cfg.Archive)
		defer archiver.Stop()
		opts = append(opts, ingest.WithArchiver(archiver))
		log.Info().Msg("ClickHouse archive initialized")
	}

	httpService := ingest.NewService(validator, store, detector, append(opts, ingest.WithRateLimiter(validator))...)

	// Kafka ingest consumer is optional
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics["ingest"] != "" {
		queueService := ingest.NewService(validator, store, detector, opts...)
		kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, queueService)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
		}
		defer kafkaConsumer.Close()
		go kafkaConsumer.Start(ctx)
	}

	// gRPC health
	var healthServer *server.HealthServer
	if cfg.Server.GRPCPort > 0 {
		healthServer = server.NewHealthServer()
		go func() {
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to listen for gRPC")
			}
			log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC health server")
			if err := healthServer.Serve(lis); err != nil {
				log.Fatal().Err(err).Msg("Failed to serve gRPC")
			}
		}()
		healthServer.SetServing(true)
		go healthServer.Watch(ctx, store, 10*time.Second)
	}

	// HTTP server
	router := handler.NewRouter(
		handler.NewHTTPHandler(httpService),
		handler.NewDashboard(store, cfg.Dashboard.AuthToken),
		cfg.Server.CORSOrigins,
		promhttp.Handler(),
	)
	if cfg.Dashboard.AuthToken == "" {
		log.Warn().Msg("Dashboard auth token not set, dashboard API is disabled")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down servers...")
	if healthServer != nil {
		healthServer.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	log.Info().Msg("Servers stopped")
}
