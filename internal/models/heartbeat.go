package models

import "time"

type NetworkStatus string

const (
	NetworkConnected    NetworkStatus = "connected"
	NetworkDisconnected NetworkStatus = "disconnected"
	NetworkLimited      NetworkStatus = "limited"
)

// Heartbeat — point-in-time снимок здоровья устройства. Каждый новый отчёт
// замещает предыдущий (last-write-wins), это не append-лог.
type Heartbeat struct {
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`

	BatteryLevel   int `json:"battery_level"`   // %
	SignalStrength int `json:"signal_strength"` // dBm

	MemoryUsage  float64 `json:"memory_usage"`  // %
	StorageUsage float64 `json:"storage_usage"` // %
	CPUUsage     float64 `json:"cpu_usage"`     // %

	NetworkStatus NetworkStatus `json:"network_status"`
	LastSyncAt    *time.Time    `json:"last_sync_at,omitempty"`

	ErrorCount    int  `json:"error_count"`
	WarningCount  int  `json:"warning_count"`
	UpdatePending bool `json:"update_pending"`
}

// HeartbeatReport — частичный входящий отчёт; отсутствующие числовые поля
// трактуются как 0, network_status — как connected.
type HeartbeatReport struct {
	Timestamp      *time.Time    `json:"timestamp,omitempty"`
	BatteryLevel   *int          `json:"battery_level,omitempty"`
	SignalStrength *int          `json:"signal_strength,omitempty"`
	MemoryUsage    *float64      `json:"memory_usage,omitempty"`
	StorageUsage   *float64      `json:"storage_usage,omitempty"`
	CPUUsage       *float64      `json:"cpu_usage,omitempty"`
	NetworkStatus  NetworkStatus `json:"network_status,omitempty"`
	LastSyncAt     *time.Time    `json:"last_sync_at,omitempty"`
	ErrorCount     *int          `json:"error_count,omitempty"`
	WarningCount   *int          `json:"warning_count,omitempty"`
	UpdatePending  *bool         `json:"update_pending,omitempty"`
}
