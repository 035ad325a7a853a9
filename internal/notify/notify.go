// Package notify — типизированная рассылка событий флота наблюдателям
// (алерты по метрикам, смены lifecycle-статуса, таймауты). Подписчики
// регистрируют интерфейсы, а не строковые колбэки.
package notify

import (
	"sync"
	"time"

	"fleetd/internal/logs"
	"fleetd/internal/models"
)

// Alert — один сработавший порог из heartbeat-а.
type Alert struct {
	Kind    string `json:"kind"` // battery_low|signal_weak|memory_high|storage_high|device_errors
	Message string `json:"message"`
}

// AlertListener получает пачку алертов (одна пачка на heartbeat).
type AlertListener interface {
	OnAlerts(deviceID string, at time.Time, alerts []Alert)
}

// LifecycleListener получает смены статуса устройства.
type LifecycleListener interface {
	OnStatusChange(deviceID string, from, to models.DeviceStatus, reason string)
}

// Notifier — fan-out по зарегистрированным слушателям. Потокобезопасен;
// слушатели вызываются синхронно, поэтому обязаны быть быстрыми.
type Notifier struct {
	mu        sync.RWMutex
	alerts    []AlertListener
	lifecycle []LifecycleListener
}

func New() *Notifier { return &Notifier{} }

func (n *Notifier) SubscribeAlerts(l AlertListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, l)
}

func (n *Notifier) SubscribeLifecycle(l LifecycleListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lifecycle = append(n.lifecycle, l)
}

func (n *Notifier) Alerts(deviceID string, at time.Time, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	n.mu.RLock()
	ls := n.alerts
	n.mu.RUnlock()
	for _, l := range ls {
		l.OnAlerts(deviceID, at, alerts)
	}
}

func (n *Notifier) StatusChange(deviceID string, from, to models.DeviceStatus, reason string) {
	if from == to {
		return
	}
	n.mu.RLock()
	ls := n.lifecycle
	n.mu.RUnlock()
	for _, l := range ls {
		l.OnStatusChange(deviceID, from, to, reason)
	}
}

// LogListener — дефолтный подписчик: пишет всё в общий лог.
type LogListener struct{}

func (LogListener) OnAlerts(deviceID string, at time.Time, alerts []Alert) {
	for _, a := range alerts {
		logs.Logger.Warnf("alert device=%s kind=%s msg=%q at=%s", deviceID, a.Kind, a.Message, at.Format(time.RFC3339))
	}
}

func (LogListener) OnStatusChange(deviceID string, from, to models.DeviceStatus, reason string) {
	logs.Logger.Infof("device=%s status %s -> %s (%s)", deviceID, from, to, reason)
}
