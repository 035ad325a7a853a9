package models

import "encoding/json"

// Входящие сообщения от устройства (поверх транспорта).

// UpdateResponse — отчёт устройства об исходе OTA-апдейта.
type UpdateResponse struct {
	UpdateID string `json:"update_id"`
	Status   string `json:"status"` // completed|failed
	Error    string `json:"error,omitempty"`
}

// ErrorReport — сообщение устройства о внутренней ошибке.
type ErrorReport struct {
	Severity string          `json:"severity"` // info|warning|error|critical
	Message  string          `json:"message"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// ScanEvent — живое событие сканирования/сенсора.
type ScanEvent struct {
	Type     string          `json:"type,omitempty"` // scan по умолчанию
	Priority EventPriority   `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}
