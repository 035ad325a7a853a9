// Package heartbeat — liveness-мониторинг флота: приём отчётов, пороговые
// алерты и sweep по таймауту. Heartbeat — снапшот, не лог: новый отчёт
// замещает прежний (last-write-wins), ордеринг на этом слое не гарантируется.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"fleetd/internal/logs"
	"fleetd/internal/models"
	"fleetd/internal/notify"
	"fleetd/internal/registry"
)

// Пороговые значения алертов.
const (
	BatteryLowPct  = 20
	SignalWeakDBm  = -80
	MemoryHighPct  = 90.0
	StorageHighPct = 85.0
)

type Monitor struct {
	mu     sync.RWMutex
	latest map[string]models.Heartbeat

	reg      *registry.Registry
	notifier *notify.Notifier

	timeout   time.Duration // порог «молчания» до offline
	retention time.Duration // горизонт хранения снапшотов
	now       func() time.Time
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func NewMonitor(reg *registry.Registry, notifier *notify.Notifier, timeout, retention time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		latest:    map[string]models.Heartbeat{},
		reg:       reg,
		notifier:  notifier,
		timeout:   timeout,
		retention: retention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ingest принимает частичный отчёт. Неизвестное устройство — молчаливый
// no-op. Отчёт замещает прежний снапшот, обновляет registry и
// проверяет пороги; сработавшие уходят одной пачкой алертов.
func (m *Monitor) Ingest(deviceID string, rep models.HeartbeatReport) bool {
	if _, known := m.reg.Get(deviceID); !known {
		logs.Logger.Debugf("heartbeat from unknown device %s dropped", deviceID)
		return false
	}

	now := m.now()
	hb := models.Heartbeat{
		DeviceID:      deviceID,
		Timestamp:     now,
		ReceivedAt:    now,
		NetworkStatus: models.NetworkConnected,
	}
	if rep.Timestamp != nil {
		hb.Timestamp = *rep.Timestamp
	}
	if rep.BatteryLevel != nil {
		hb.BatteryLevel = *rep.BatteryLevel
	}
	if rep.SignalStrength != nil {
		hb.SignalStrength = *rep.SignalStrength
	}
	if rep.MemoryUsage != nil {
		hb.MemoryUsage = *rep.MemoryUsage
	}
	if rep.StorageUsage != nil {
		hb.StorageUsage = *rep.StorageUsage
	}
	if rep.CPUUsage != nil {
		hb.CPUUsage = *rep.CPUUsage
	}
	if rep.NetworkStatus != "" {
		hb.NetworkStatus = rep.NetworkStatus
	}
	hb.LastSyncAt = rep.LastSyncAt
	if rep.ErrorCount != nil {
		hb.ErrorCount = *rep.ErrorCount
	}
	if rep.WarningCount != nil {
		hb.WarningCount = *rep.WarningCount
	}
	if rep.UpdatePending != nil {
		hb.UpdatePending = *rep.UpdatePending
	}

	m.mu.Lock()
	m.latest[deviceID] = hb
	m.mu.Unlock()

	m.reg.Touch(deviceID, hb.BatteryLevel, hb.SignalStrength)
	m.notifier.Alerts(deviceID, hb.ReceivedAt, evaluate(hb))
	return true
}

// evaluate — все сработавшие пороги одной пачкой; алерты советуют, а не
// меняют lifecycle-статус.
func evaluate(hb models.Heartbeat) []notify.Alert {
	var alerts []notify.Alert
	if hb.BatteryLevel < BatteryLowPct {
		alerts = append(alerts, notify.Alert{
			Kind:    "battery_low",
			Message: fmt.Sprintf("battery at %d%%", hb.BatteryLevel),
		})
	}
	if hb.SignalStrength < SignalWeakDBm {
		alerts = append(alerts, notify.Alert{
			Kind:    "signal_weak",
			Message: fmt.Sprintf("signal at %d dBm", hb.SignalStrength),
		})
	}
	if hb.MemoryUsage > MemoryHighPct {
		alerts = append(alerts, notify.Alert{
			Kind:    "memory_high",
			Message: fmt.Sprintf("memory at %.1f%%", hb.MemoryUsage),
		})
	}
	if hb.StorageUsage > StorageHighPct {
		alerts = append(alerts, notify.Alert{
			Kind:    "storage_high",
			Message: fmt.Sprintf("storage at %.1f%%", hb.StorageUsage),
		})
	}
	if hb.ErrorCount > 0 {
		alerts = append(alerts, notify.Alert{
			Kind:    "device_errors",
			Message: fmt.Sprintf("%d error(s) reported", hb.ErrorCount),
		})
	}
	return alerts
}

// Sweep — единственный путь обнаружения молча оборванной сессии: online
// устройство без heartbeat-а дольше таймаута переводится в offline.
// Идёт по снапшоту идентификаторов, без глобального лока.
func (m *Monitor) Sweep() int {
	now := m.now()
	timedOut := 0
	for _, id := range m.reg.SnapshotIDs() {
		dev, ok := m.reg.Get(id)
		if !ok || dev.Status != models.DeviceStatusOnline {
			continue
		}
		if now.Sub(dev.LastSeen) <= m.timeout {
			continue
		}
		if m.reg.SetStatus(id, models.DeviceStatusOffline, "heartbeat timeout") {
			timedOut++
		}
	}
	return timedOut
}

// PruneRetention выбрасывает снапшоты старше горизонта хранения.
func (m *Monitor) PruneRetention() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, hb := range m.latest {
		if hb.ReceivedAt.Before(cutoff) {
			delete(m.latest, id)
			pruned++
		}
	}
	return pruned
}

// Latest — последний снапшот устройства.
func (m *Monitor) Latest(deviceID string) (models.Heartbeat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hb, ok := m.latest[deviceID]
	return hb, ok
}
