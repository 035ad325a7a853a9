// Package fleet — фасад контроллера флота: разводит входящие глаголы
// транспорта по компонентам и отдаёт админ-операции поверх них.
// Ошибка обработки одного устройства никогда не трогает состояние других.
package fleet

import (
	"context"
	"encoding/json"
	"time"

	"fleetd/internal/heartbeat"
	"fleetd/internal/logs"
	"fleetd/internal/models"
	"fleetd/internal/ota"
	"fleetd/internal/queue"
	"fleetd/internal/registry"
	"fleetd/internal/sink"
	"fleetd/internal/transport"
)

type Controller struct {
	reg     *registry.Registry
	hub     *transport.Hub
	monitor *heartbeat.Monitor
	queues  *queue.Manager
	updates *ota.Controller
	sink    sink.Sink
}

func NewController(reg *registry.Registry, hub *transport.Hub, monitor *heartbeat.Monitor,
	queues *queue.Manager, updates *ota.Controller, s sink.Sink) *Controller {
	return &Controller{
		reg:     reg,
		hub:     hub,
		monitor: monitor,
		queues:  queues,
		updates: updates,
		sink:    s,
	}
}

/* ───── transport.Inbound ───── */

// Register — upsert записи, привязка сессии, ленивое создание очереди
// и повторное уведомление по незакрытым deploying-апдейтам.
func (c *Controller) Register(connID string, s transport.Session, info models.RegisterInfo) (*models.Device, error) {
	dev, isNew := c.reg.Register(info)
	c.hub.Bind(dev.DeviceID, s)
	c.queues.Ensure(dev.DeviceID)
	if n := c.updates.ReNotify(dev.DeviceID); n > 0 {
		logs.Logger.Infof("device=%s re-notified about %d pending update(s)", dev.DeviceID, n)
	}
	logs.Logger.Infof("device=%s registered (new=%v) conn=%s", dev.DeviceID, isNew, connID)
	return &dev, nil
}

// Disconnect снимает привязку; запись Device и её очередь остаются.
func (c *Controller) Disconnect(connID string) {
	deviceID, ok := c.hub.UnbindConn(connID)
	if !ok {
		return
	}
	c.reg.SetStatus(deviceID, models.DeviceStatusOffline, "disconnected")
}

func (c *Controller) Heartbeat(deviceID string, rep models.HeartbeatReport) {
	c.monitor.Ingest(deviceID, rep)
}

// ScanEvent — fast path: живое событие сперва идёт напрямую в sink; очередь —
// только fallback при отказе доставки или когда устройство само объявило
// сеть недоступной.
func (c *Controller) ScanEvent(deviceID string, ev models.ScanEvent) {
	dev, ok := c.reg.Get(deviceID)
	if !ok {
		logs.Logger.Debugf("scan event from unknown device %s dropped", deviceID)
		return
	}
	evType := ev.Type
	if evType == "" {
		evType = "scan"
	}

	offline := false
	if hb, ok := c.monitor.Latest(deviceID); ok && hb.NetworkStatus == models.NetworkDisconnected {
		offline = true
	}
	if !offline {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.sink.Deliver(ctx, models.SinkEnvelope{
			SubjectID: deviceID,
			Location:  dev.Location,
			EventType: evType,
			Metadata:  ev.Payload,
		})
		cancel()
		if err == nil {
			return
		}
		logs.Logger.Debugf("device=%s direct delivery failed, buffering: %v", deviceID, err)
	}

	c.queues.Enqueue(deviceID, models.OfflineEvent{
		Type:     evType,
		Payload:  ev.Payload,
		Priority: ev.Priority,
	})
}

// SyncRequest запускает drain вне hot path обслуживания трафика.
func (c *Controller) SyncRequest(deviceID string) {
	if _, ok := c.reg.Get(deviceID); !ok {
		logs.Logger.Debugf("sync request from unknown device %s dropped", deviceID)
		return
	}
	go c.queues.Drain(context.Background(), deviceID)
}

func (c *Controller) UpdateResponse(deviceID string, resp models.UpdateResponse) {
	if _, ok := c.reg.Get(deviceID); !ok {
		logs.Logger.Debugf("update response from unknown device %s dropped", deviceID)
		return
	}
	if resp.Error != "" {
		logs.Logger.Warnf("device=%s update=%s reported error: %s", deviceID, resp.UpdateID, resp.Error)
	}
	c.updates.RecordResponse(deviceID, resp.UpdateID, resp.Status == "completed")
}

func (c *Controller) ConfigAck(deviceID string, payload json.RawMessage) {
	if _, ok := c.reg.Get(deviceID); !ok {
		return
	}
	logs.Logger.Infof("device=%s acknowledged configuration", deviceID)
}

// ErrorReport — статус error для severity error/critical; ниже — только лог.
func (c *Controller) ErrorReport(deviceID string, rep models.ErrorReport) {
	if _, ok := c.reg.Get(deviceID); !ok {
		logs.Logger.Debugf("error report from unknown device %s dropped", deviceID)
		return
	}
	switch rep.Severity {
	case "error", "critical":
		c.reg.MarkError(deviceID, rep.Message)
	default:
		logs.Logger.Warnf("device=%s reported %s: %s", deviceID, rep.Severity, rep.Message)
	}
}

/* ───── админ-операции ───── */

// PushConfig накладывает патч и пушит config:update в живую сессию (no-op
// без привязки — устройство заберёт конфиг после переподключения).
func (c *Controller) PushConfig(deviceID string, patch models.ConfigPatch) (models.Device, error) {
	dev, err := c.reg.UpdateConfig(deviceID, patch)
	if err != nil {
		return models.Device{}, err
	}
	c.hub.Send(deviceID, transport.MsgConfigUpdate, dev.Config.Data())
	return dev, nil
}

// UpdateStats — наблюдаемость одной раскатки.
type UpdateStats struct {
	UpdateID   string              `json:"update_id"`
	Status     models.UpdateStatus `json:"status"`
	Targets    int                 `json:"targets"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	Completion float64             `json:"completion"` // (completed+failed)/targets
}

// Stats — производное состояние флота для алертинга и дашбордов.
type Stats struct {
	Devices     int   `json:"devices"`
	Online      int   `json:"online"`
	Connected   int   `json:"connected"`
	OldestSeenS int64 `json:"oldest_seen_seconds"` // максимальный возраст lastSeen среди online

	Updates []UpdateStats        `json:"updates"`
	Queues  []models.QueueStatus `json:"queues"`
}

func (c *Controller) Stats() Stats {
	st := Stats{Connected: c.hub.Connected()}
	now := time.Now()
	for _, id := range c.reg.SnapshotIDs() {
		dev, ok := c.reg.Get(id)
		if !ok {
			continue
		}
		st.Devices++
		if dev.Status == models.DeviceStatusOnline {
			st.Online++
			if age := int64(now.Sub(dev.LastSeen).Seconds()); age > st.OldestSeenS {
				st.OldestSeenS = age
			}
		}
		if qs, ok := c.queues.Status(id); ok {
			st.Queues = append(st.Queues, qs)
		}
	}
	for _, u := range c.updates.List() {
		us := UpdateStats{
			UpdateID:  u.UpdateID,
			Status:    u.Status,
			Targets:   len(u.TargetDevices),
			Completed: len(u.CompletedDevices),
			Failed:    len(u.FailedDevices),
		}
		if us.Targets > 0 {
			us.Completion = float64(us.Completed+us.Failed) / float64(us.Targets)
		}
		st.Updates = append(st.Updates, us)
	}
	return st
}
