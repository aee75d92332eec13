package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"example.com/backstage/services/ingest/internal/utils"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	// Connect to database
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Auto-migrate all models
	logger.Info("Migrating models...")

	models := []interface{}{
		&core.Tenant{},
		&core.Device{},
		&core.DeviceModule{},
		&core.TelemetryRecord{},
		&core.QuarantineRecord{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	// Insert default data if needed
	if err := insertDefaultData(db); err != nil {
		logger.WithError(err).Warn("Failed to insert default data")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultData(db *infrastructure.Database) error {
	// Check if we have any tenants
	var count int64
	if err := db.DB.Model(&core.Tenant{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	logger.Info("Inserting default tenants...")

	defaultTenants := []core.Tenant{
		{
			Slug:        "staging-sandbox",
			DisplayName: "Staging Sandbox",
			Active:      true,
			DeviceLimit: 100,
		},
	}

	for _, tenant := range defaultTenants {
		if err := db.DB.Create(&tenant).Error; err != nil {
			logger.WithError(err).WithField("tenant", tenant.Slug).Warn("Failed to create tenant")
		} else {
			logger.WithField("tenant", tenant.Slug).Info("Created tenant")
		}
	}

	// Seed a test device only outside production.
	if !isProduction() {
		logger.Info("Creating test device...")

		device := core.Device{
			TenantID:           "staging-sandbox",
			DeviceUID:          "test-device-001",
			SiteID:             "site-a",
			Status:             core.DeviceStatusActive,
			TokenHash:          utils.HashToken("test-device-token"),
			SubscriptionStatus: core.SubscriptionActive,
		}
		if err := db.DB.Create(&device).Error; err != nil {
			logger.WithError(err).Warn("Failed to create test device")
		} else {
			logger.WithField("device_uid", device.DeviceUID).Info("Created test device")
		}

		module := core.DeviceModule{
			TenantID:  "staging-sandbox",
			DeviceUID: "test-device-001",
			Name:      "env-sensor",
			Active:    true,
			KeyMap: core.MetricKeyMap{
				"port_3_temp": "temperature",
				"port_4_hum":  "humidity",
			},
		}
		if err := db.DB.Create(&module).Error; err != nil {
			logger.WithError(err).Warn("Failed to create test device module")
		}
	}

	return nil
}

func isProduction() bool {
	// Simple check - you might want to make this more sophisticated
	return cfg.Database.DSN == "" ||
		cfg.Server.Port == 80 ||
		cfg.Server.Port == 443
}
