package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
)

var (
	drainDryRun    bool
	drainBatchSize int
	drainKeep      bool
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay dead-lettered telemetry into the database",
	Long: `Reads the local dead-letter log written during database outages and
re-inserts its telemetry records. Run this after the database recovers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDrain()
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)

	// Command flags
	drainCmd.Flags().BoolVar(&drainDryRun, "dry-run", false, "Show what would be replayed without writing")
	drainCmd.Flags().IntVarP(&drainBatchSize, "batch-size", "b", 500, "Rows per bulk insert")
	drainCmd.Flags().BoolVar(&drainKeep, "keep", false, "Keep the log after a successful drain")
}

func runDrain() error {
	logger.Info("Starting dead-letter drain...")

	deadletter, err := infrastructure.NewDeadLetterLog(cfg.Quarantine.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer deadletter.Close()

	entries, err := deadletter.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read dead-letter log: %w", err)
	}

	if len(entries) == 0 {
		logger.Info("Dead-letter log is empty, nothing to drain")
		return nil
	}

	var records []*core.TelemetryRecord
	skipped := 0
	for _, entry := range entries {
		var record core.TelemetryRecord
		if err := json.Unmarshal(entry.Data, &record); err != nil || record.ID == "" {
			skipped++
			continue
		}
		records = append(records, &record)
	}

	logger.WithFields(logrus.Fields{
		"entries": len(entries),
		"records": len(records),
		"skipped": skipped,
	}).Info("Dead-letter log loaded")

	if drainDryRun {
		logger.Info("DRY RUN: No records will be written")
		for i, record := range records {
			if i >= 10 {
				logger.Infof("... and %d more records", len(records)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"record_id":  record.ID,
				"tenant_id":  record.TenantID,
				"device_uid": record.DeviceUID,
				"event_time": record.EventTime,
			}).Info("Would replay record")
		}
		return nil
	}

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	dataStore := core.NewDataStore(db.DB)

	inserted := 0
	failed := 0
	for start := 0; start < len(records); start += drainBatchSize {
		end := start + drainBatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := dataStore.InsertTelemetryBatch(ctx, chunk)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("records", len(chunk)).Error("Failed to insert chunk")
			failed += len(chunk)
			continue
		}
		inserted += len(chunk)
	}

	logger.WithFields(logrus.Fields{
		"inserted": inserted,
		"failed":   failed,
		"skipped":  skipped,
	}).Info("Drain completed")

	if failed > 0 {
		return fmt.Errorf("failed to replay %d records, log retained", failed)
	}

	if !drainKeep {
		if err := deadletter.Truncate(); err != nil {
			return fmt.Errorf("failed to truncate dead-letter log: %w", err)
		}
		logger.Info("Dead-letter log truncated")
	}

	return nil
}
