package models

import "time"

// UpdateStatus — конечный автомат OTA-апдейта:
// pending → deploying → {completed | failed}, плюс внешний терминал cancelled.
type UpdateStatus string

const (
	UpdateStatusPending   UpdateStatus = "pending"
	UpdateStatusDeploying UpdateStatus = "deploying"
	UpdateStatusCompleted UpdateStatus = "completed"
	UpdateStatusFailed    UpdateStatus = "failed"
	UpdateStatusCancelled UpdateStatus = "cancelled"
)

func (s UpdateStatus) Terminal() bool {
	switch s {
	case UpdateStatusCompleted, UpdateStatusFailed, UpdateStatusCancelled:
		return true
	}
	return false
}

// OTAUpdate — один staged-rollout прошивки. Список целей фиксируется в момент
// создания и позже не пересчитывается.
type OTAUpdate struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UpdateID string `gorm:"uniqueIndex;size:64;not null" json:"update_id"`

	TargetDeviceID string      `gorm:"size:64" json:"target_device_id,omitempty"` // одиночная цель
	TargetClass    DeviceClass `gorm:"size:32" json:"target_class,omitempty"`     // фильтр по классу

	Version      string `gorm:"size:64" json:"version"`
	ReleaseNotes string `gorm:"size:2048" json:"release_notes,omitempty"`
	PackageURL   string `gorm:"size:512" json:"package_url"`
	PackageSize  int64  `json:"package_size"`
	PackageHash  string `gorm:"size:128" json:"package_hash"`

	Mandatory      bool `json:"mandatory"`
	RolloutPercent int  `json:"rollout_percent"` // 0–100

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	Status UpdateStatus `gorm:"size:32;index" json:"status"`

	TargetDevices    []string `gorm:"serializer:json" json:"target_devices"`
	CompletedDevices []string `gorm:"serializer:json" json:"completed_devices"`
	FailedDevices    []string `gorm:"serializer:json" json:"failed_devices"`
}

// UpdateSpec — административный запрос на создание апдейта.
type UpdateSpec struct {
	TargetDeviceID string      `json:"target_device_id,omitempty"`
	TargetClass    DeviceClass `json:"target_class,omitempty"`
	Version        string      `json:"version"`
	ReleaseNotes   string      `json:"release_notes,omitempty"`
	PackageURL     string      `json:"package_url"`
	PackageSize    int64       `json:"package_size"`
	PackageHash    string      `json:"package_hash"`
	Mandatory      bool        `json:"mandatory"`
	RolloutPercent int         `json:"rollout_percent"`
	ScheduledAt    *time.Time  `json:"scheduled_at,omitempty"`
}

// UpdateNotice — то, что уходит устройству как update:available.
type UpdateNotice struct {
	UpdateID     string `json:"update_id"`
	Version      string `json:"version"`
	ReleaseNotes string `json:"release_notes,omitempty"`
	PackageURL   string `json:"package_url"`
	PackageSize  int64  `json:"package_size"`
	PackageHash  string `json:"package_hash"`
	Mandatory    bool   `json:"mandatory"`
}
