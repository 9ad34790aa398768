package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeviceRecord is the durable record of an enrolled endpoint, independent
// of whether its session is currently live.
type DeviceRecord struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID   string         `json:"device_id" gorm:"uniqueIndex;not null"`
	UserID     string         `json:"user_id" gorm:"index;not null"`
	DeviceName string         `json:"device_name"`
	Online     bool           `json:"online"`
	PairedAt   time.Time      `json:"paired_at"`
	LastSeen   time.Time      `json:"last_seen"`
	Meta       datatypes.JSON `json:"meta" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (DeviceRecord) TableName() string { return "ras_devices" }

func (d *DeviceRecord) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// CommandAudit records one dispatched command and its consent outcome.
// Every remote command leaves exactly one row, whatever the result.
type CommandAudit struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CommandID   string    `json:"command_id" gorm:"index;not null"`
	DeviceID    string    `json:"device_id" gorm:"index;not null"`
	UserID      string    `json:"user_id" gorm:"index"`
	Command     string    `json:"command" gorm:"type:text"`
	Description string    `json:"description" gorm:"type:text"`
	Outcome     string    `json:"outcome" gorm:"index;not null"`
	Detail      string    `json:"detail" gorm:"type:text"`
	LatencyMS   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

func (CommandAudit) TableName() string { return "ras_command_audit" }

func (a *CommandAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
