package models

import (
	"encoding/json"
	"time"
)

// EventPriority — приоритет offline-события; решает, что выживает при
// вытеснении по байтовому потолку.
type EventPriority string

const (
	PriorityLow      EventPriority = "low"
	PriorityMedium   EventPriority = "medium"
	PriorityHigh     EventPriority = "high"
	PriorityCritical EventPriority = "critical"
)

// Rank — числовой вес для сортировки (больше — ценнее).
func (p EventPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// OfflineEvent — одно событие в offline-очереди устройства.
type OfflineEvent struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   EventPriority   `json:"priority"`
	RetryCount int             `json:"retry_count"`
	Size       int64           `json:"size"` // байт, длина сериализованного payload
}

// SinkEnvelope — нормализованный конверт для downstream event sink-а.
type SinkEnvelope struct {
	SubjectID string          `json:"subject_id"`
	Location  string          `json:"location,omitempty"`
	EventType string          `json:"event_type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// QueueStatus — наблюдаемое состояние очереди для админ-API.
type QueueStatus struct {
	DeviceID     string     `json:"device_id"`
	Pending      int        `json:"pending"`
	TotalBytes   int64      `json:"total_bytes"`
	CeilingBytes int64      `json:"ceiling_bytes"`
	Utilization  float64    `json:"utilization"` // TotalBytes/CeilingBytes
	DrainActive  bool       `json:"drain_active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// SyncSummary — итог drain-а, уходит устройству как sync:complete.
type SyncSummary struct {
	SyncedCount int       `json:"synced_count"`
	FailedCount int       `json:"failed_count"`
	Remaining   int       `json:"remaining"`
	LastSync    time.Time `json:"last_sync"`
}
