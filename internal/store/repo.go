package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&DeviceRecord{}, &CommandAudit{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repo{db: db}, nil
}

// UpsertDevice records a successful pairing handshake. The device id is the
// natural key; repeated pairings refresh name and owner.
func (r *Repo) UpsertDevice(ctx context.Context, deviceID, userID, deviceName string) error {
	now := time.Now().UTC()
	var rec DeviceRecord
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = DeviceRecord{
			DeviceID:   deviceID,
			UserID:     userID,
			DeviceName: deviceName,
			Online:     true,
			PairedAt:   now,
			LastSeen:   now,
		}
		return r.db.WithContext(ctx).Create(&rec).Error
	}
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&rec).Updates(map[string]any{
		"user_id":     userID,
		"device_name": deviceName,
		"online":      true,
		"last_seen":   now,
	}).Error
}

func (r *Repo) MarkOnline(ctx context.Context, deviceID string, online bool) error {
	updates := map[string]any{"online": online}
	if online {
		updates["last_seen"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&DeviceRecord{}).Where("device_id = ?", deviceID).Updates(updates).Error
}

func (r *Repo) TouchLastSeen(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Model(&DeviceRecord{}).Where("device_id = ?", deviceID).
		Update("last_seen", time.Now().UTC()).Error
}

func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repo) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	var rows []DeviceRecord
	if err := r.db.WithContext(ctx).Order("device_name asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) AppendAudit(ctx context.Context, row *CommandAudit) error {
	return r.db.WithContext(ctx).Create(row).Error
}

// ListAudit returns the most recent audit rows for a device, newest first.
func (r *Repo) ListAudit(ctx context.Context, deviceID string, limit int) ([]CommandAudit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []CommandAudit
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
