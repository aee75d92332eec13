package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"example.com/backstage/services/ingest/internal/api"
	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the telemetry ingestion server",
	Long:  `Launches the HTTP server and MQTT subscriber that receive, validate and persist device telemetry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Telemetry Ingestion Service...")

	observability.Init()

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	var cache *infrastructure.Cache
	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err = infrastructure.NewCache(*cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing with in-process caching only")
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var messaging *infrastructure.Messaging
	if cfg.ServiceBus != nil && cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err = infrastructure.NewMessaging(*cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
			messaging = nil
		} else {
			defer messaging.Close()
		}
	}

	deadletter, err := infrastructure.NewDeadLetterLog(cfg.Quarantine.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer deadletter.Close()

	// --- Pipeline Setup ---
	dataStore := core.NewDataStore(db.DB)

	limiter := core.NewRateLimiterStore(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries)

	auth, err := core.NewAuthCache(dataStore, cache, core.AuthCacheConfig{
		PositiveTTL: cfg.AuthCache.PositiveTTL,
		NegativeTTL: cfg.AuthCache.NegativeTTL,
		MaxEntries:  cfg.AuthCache.MaxEntries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create auth cache: %w", err)
	}

	keymap, err := core.NewKeyMapCache(dataStore, core.KeyMapConfig{
		TTL:         cfg.KeyMap.TTL,
		NegativeTTL: cfg.KeyMap.NegativeTTL,
		MaxEntries:  cfg.KeyMap.MaxEntries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create key map cache: %w", err)
	}

	validator := core.NewValidator(core.ValidatorConfig{
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		RequireToken:    cfg.Ingest.RequireToken,
		FutureTolerance: cfg.Ingest.FutureTolerance,
	}, limiter, auth, keymap)

	quarantine := core.NewQuarantineSink(dataStore, cfg.Quarantine.QueueSize, logger)

	batch := core.NewBatchWriter(dataStore, core.BatchWriterConfig{
		FlushRows:     cfg.Batch.FlushRows,
		FlushInterval: cfg.Batch.FlushInterval,
		MaxRetries:    cfg.Batch.MaxRetries,
		RetryBackoff:  cfg.Batch.RetryBackoff,
	}, logger)
	batch.SetQuarantine(quarantine)
	batch.SetDeadLetter(deadletter)
	if messaging != nil {
		batch.SetPublisher(&serviceBusPublisher{messaging: messaging})
	}

	pipeline := core.NewPipeline(validator, batch, quarantine, dataStore, logger)

	// --- MQTT Subscriber ---
	var subscriber *infrastructure.MQTTSubscriber
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		subscriber, err = infrastructure.NewMQTTSubscriber(*cfg.MQTT, func(ctx context.Context, tenantID, deviceUID, messageType string, payload []byte) error {
			_, _, err := pipeline.Ingest(ctx, core.IngestRequest{
				TenantID:    tenantID,
				DeviceUID:   deviceUID,
				MessageType: messageType,
				Body:        payload,
				ReceivedAt:  time.Now(),
			})
			return err
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT subscriber: %w", err)
		}
		if err := subscriber.Start(); err != nil {
			return fmt.Errorf("failed to start MQTT subscriber: %w", err)
		}
	}

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	handlers := api.NewAPIHandlers(pipeline, auth, keymap, cfg.Ingest.MaxPayloadBytes, logger)
	api.SetupRoutes(router, handlers, cfg.Server.AdminAPIKey, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Telemetry Ingestion API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	// Stop accepting new messages first, then drain the pipeline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	if subscriber != nil {
		subscriber.Stop()
	}

	pipeline.Stop()

	logger.Info("Telemetry Ingestion Service shutdown complete")
	return nil
}

// serviceBusPublisher announces flushed batches on the service bus so
// downstream evaluators can react without polling the database.
type serviceBusPublisher struct {
	messaging *infrastructure.Messaging
}

func (p *serviceBusPublisher) PublishBatch(ctx context.Context, records []*core.TelemetryRecord) error {
	announcement := struct {
		Count     int       `json:"count"`
		RecordIDs []string  `json:"record_ids"`
		FlushedAt time.Time `json:"flushed_at"`
	}{
		Count:     len(records),
		FlushedAt: time.Now(),
	}
	for _, r := range records {
		announcement.RecordIDs = append(announcement.RecordIDs, r.ID)
	}
	return p.messaging.Publish(ctx, "telemetry.batch", announcement)
}
