package core

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataStore defines the interface for data access operations.
type DataStore interface {
	// Registry reads (consumed by the caches)
	GetDevice(ctx context.Context, tenantID, deviceUID string) (*Device, error)
	ListActiveModules(ctx context.Context, tenantID, deviceUID string) ([]*DeviceModule, error)

	// Registry writes (provisioning/admin only, never the ingest path)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, slug string) (*Tenant, error)
	CreateModule(ctx context.Context, module *DeviceModule) error

	// Telemetry sink
	InsertTelemetryBatch(ctx context.Context, records []*TelemetryRecord) error
	TouchDeviceLastSeen(ctx context.Context, tenantID, deviceUID string) error

	// Quarantine sink
	InsertQuarantine(ctx context.Context, record *QuarantineRecord) error
	ListQuarantine(ctx context.Context, tenantID string, limit int) ([]*QuarantineRecord, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore returns a DataStore backed by the given gorm connection.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(c context.Context, ds DataStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (s *dataStore) GetDevice(ctx context.Context, tenantID, deviceUID string) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND device_uid = ?", tenantID, deviceUID).
		First(&d).Error
	return &d, err
}

func (s *dataStore) ListActiveModules(ctx context.Context, tenantID, deviceUID string) ([]*DeviceModule, error) {
	var modules []*DeviceModule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND device_uid = ? AND active = ?", tenantID, deviceUID, true).
		Order("id ASC").
		Find(&modules).Error
	return modules, err
}

func (s *dataStore) CreateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *dataStore) UpdateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *dataStore) CreateTenant(ctx context.Context, t *Tenant) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *dataStore) GetTenant(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	return &t, s.db.WithContext(ctx).Where("slug = ?", slug).First(&t).Error
}

func (s *dataStore) CreateModule(ctx context.Context, m *DeviceModule) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *dataStore) InsertTelemetryBatch(ctx context.Context, records []*TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	// Replays (dead-letter drains, QoS 1 redelivery) may carry rows that
	// already landed; skip those instead of failing the whole batch.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, len(records)).Error
}

func (s *dataStore) TouchDeviceLastSeen(ctx context.Context, tenantID, deviceUID string) error {
	return s.db.WithContext(ctx).Model(&Device{}).
		Where("tenant_id = ? AND device_uid = ?", tenantID, deviceUID).
		Update("last_seen", time.Now()).Error
}

func (s *dataStore) InsertQuarantine(ctx context.Context, r *QuarantineRecord) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *dataStore) ListQuarantine(ctx context.Context, tenantID string, limit int) ([]*QuarantineRecord, error) {
	var records []*QuarantineRecord
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return records, q.Find(&records).Error
}
