// Package ota — контроллер staged-раскаток прошивок. Один апдейт — один
// конечный автомат: pending → deploying → {completed | failed}, плюс
// внешний терминал cancelled. Список целей фиксируется при создании.
//
// Когорта раскатки выбирается детерминированно с головы списка целей —
// как в исходной системе; случайная выборка сознательно не внедрялась.
package ota

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/logs"
	"fleetd/internal/models"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
)

var (
	ErrNotFound     = errors.New("update not found")
	ErrTerminal     = errors.New("update already in terminal state")
	ErrBadSpec      = errors.New("invalid update spec")
	ErrNoSuchDevice = errors.New("target device not found")
)

// Sender — push уведомлений update:available (transport.Hub).
type Sender interface {
	Send(deviceID, msgType string, data any) bool
}

// Mirror — опциональная персистенция lifecycle-строк апдейта.
type Mirror interface {
	SaveUpdate(u models.OTAUpdate)
}

type entry struct {
	mu sync.Mutex
	u  models.OTAUpdate
}

type Controller struct {
	mu      sync.RWMutex
	updates map[string]*entry

	reg    *registry.Registry
	sender Sender
	mirror Mirror
	now    func() time.Time
}

type Option func(*Controller)

func WithMirror(m Mirror) Option { return func(c *Controller) { c.mirror = m } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(reg *registry.Registry, sender Sender, opts ...Option) *Controller {
	c := &Controller{
		updates: map[string]*entry{},
		reg:     reg,
		sender:  sender,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create резолвит цели из текущего состава registry (позже не
// пересчитывается) и, если нет scheduled_at, сразу деплоит.
func (c *Controller) Create(spec models.UpdateSpec) (models.OTAUpdate, error) {
	if spec.Version == "" || spec.PackageURL == "" {
		return models.OTAUpdate{}, ErrBadSpec
	}
	pct := spec.RolloutPercent
	if pct <= 0 || pct > 100 {
		pct = 100
	}

	var targets []string
	if spec.TargetDeviceID != "" {
		if _, ok := c.reg.Get(spec.TargetDeviceID); !ok {
			return models.OTAUpdate{}, ErrNoSuchDevice
		}
		targets = []string{spec.TargetDeviceID}
	} else {
		for _, d := range c.reg.List(registry.Filter{Class: spec.TargetClass}) {
			targets = append(targets, d.DeviceID)
		}
	}

	now := c.now()
	u := models.OTAUpdate{
		UpdateID:         uuid.NewString(),
		TargetDeviceID:   spec.TargetDeviceID,
		TargetClass:      spec.TargetClass,
		Version:          spec.Version,
		ReleaseNotes:     spec.ReleaseNotes,
		PackageURL:       spec.PackageURL,
		PackageSize:      spec.PackageSize,
		PackageHash:      spec.PackageHash,
		Mandatory:        spec.Mandatory,
		RolloutPercent:   pct,
		ScheduledAt:      spec.ScheduledAt,
		Status:           models.UpdateStatusPending,
		TargetDevices:    targets,
		CompletedDevices: []string{},
		FailedDevices:    []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	c.mu.Lock()
	c.updates[u.UpdateID] = &entry{u: u}
	c.mu.Unlock()
	c.persist(u)
	logs.Logger.Infof("update %s created: version=%s targets=%d rollout=%d%%",
		u.UpdateID, u.Version, len(targets), pct)

	if u.ScheduledAt == nil {
		if err := c.Deploy(u.UpdateID); err != nil {
			return models.OTAUpdate{}, err
		}
		u, _ = c.Get(u.UpdateID)
	}
	return u, nil
}

// Deploy переводит апдейт в deploying и шлёт update:available когорте
// ceil(pct/100 × N) с головы списка целей. Цели без живой привязки получат
// уведомление позже через ReNotify при регистрации.
func (c *Controller) Deploy(updateID string) error {
	e, ok := c.lookup(updateID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	if e.u.Status.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	e.u.Status = models.UpdateStatusDeploying
	e.u.UpdatedAt = c.now()
	u := cloneUpdate(e.u)
	e.mu.Unlock()

	cohort := cohortSize(u.RolloutPercent, len(u.TargetDevices))
	notice := models.UpdateNotice{
		UpdateID:     u.UpdateID,
		Version:      u.Version,
		ReleaseNotes: u.ReleaseNotes,
		PackageURL:   u.PackageURL,
		PackageSize:  u.PackageSize,
		PackageHash:  u.PackageHash,
		Mandatory:    u.Mandatory,
	}
	notified := 0
	for _, deviceID := range u.TargetDevices[:cohort] {
		if c.sender.Send(deviceID, transport.MsgUpdateAvailable, notice) {
			notified++
		}
	}
	c.persist(u)
	logs.Logger.Infof("update %s deploying: cohort=%d notified=%d", u.UpdateID, cohort, notified)
	return nil
}

// RecordResponse фиксирует исход на устройстве. Идемпотентно: повторный
// ответ уже учтённого устройства игнорируется; ответы вне списка целей и
// ответы после терминала — тоже. Терминал наступает, когда ответили все
// цели: failed непуст → failed, иначе completed.
func (c *Controller) RecordResponse(deviceID, updateID string, succeeded bool) {
	e, ok := c.lookup(updateID)
	if !ok {
		logs.Logger.Debugf("update response for unknown update %s dropped", updateID)
		return
	}
	e.mu.Lock()
	u := &e.u
	if u.Status.Terminal() || !contains(u.TargetDevices, deviceID) ||
		contains(u.CompletedDevices, deviceID) || contains(u.FailedDevices, deviceID) {
		e.mu.Unlock()
		return
	}
	if succeeded {
		u.CompletedDevices = append(u.CompletedDevices, deviceID)
	} else {
		u.FailedDevices = append(u.FailedDevices, deviceID)
	}
	u.UpdatedAt = c.now()
	if len(u.CompletedDevices)+len(u.FailedDevices) >= len(u.TargetDevices) {
		if len(u.FailedDevices) > 0 {
			u.Status = models.UpdateStatusFailed
		} else {
			u.Status = models.UpdateStatusCompleted
		}
	}
	snap := cloneUpdate(*u)
	e.mu.Unlock()

	c.persist(snap)
	if snap.Status.Terminal() {
		logs.Logger.Infof("update %s finished: status=%s completed=%d failed=%d",
			snap.UpdateID, snap.Status, len(snap.CompletedDevices), len(snap.FailedDevices))
	}
}

// Cancel — внешний терминал; выход для раскатки, которая никогда не
// соберёт 100% ответов.
func (c *Controller) Cancel(updateID string) error {
	e, ok := c.lookup(updateID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	if e.u.Status.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	e.u.Status = models.UpdateStatusCancelled
	e.u.UpdatedAt = c.now()
	snap := cloneUpdate(e.u)
	e.mu.Unlock()

	c.persist(snap)
	logs.Logger.Infof("update %s cancelled", updateID)
	return nil
}

// ScheduledSweep деплоит pending-апдейты, чьё время пришло.
func (c *Controller) ScheduledSweep() int {
	now := c.now()
	dispatched := 0
	for _, id := range c.snapshotIDs() {
		e, ok := c.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		due := e.u.Status == models.UpdateStatusPending &&
			e.u.ScheduledAt != nil && !e.u.ScheduledAt.After(now)
		e.mu.Unlock()
		if due {
			if err := c.Deploy(id); err == nil {
				dispatched++
			}
		}
	}
	return dispatched
}

// ReNotify повторяет update:available зарегистрировавшемуся устройству по
// каждому deploying-апдейту, где оно цель без записанного исхода.
func (c *Controller) ReNotify(deviceID string) int {
	sent := 0
	for _, id := range c.snapshotIDs() {
		e, ok := c.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		pending := e.u.Status == models.UpdateStatusDeploying &&
			contains(e.u.TargetDevices, deviceID) &&
			!contains(e.u.CompletedDevices, deviceID) &&
			!contains(e.u.FailedDevices, deviceID)
		notice := models.UpdateNotice{
			UpdateID:     e.u.UpdateID,
			Version:      e.u.Version,
			ReleaseNotes: e.u.ReleaseNotes,
			PackageURL:   e.u.PackageURL,
			PackageSize:  e.u.PackageSize,
			PackageHash:  e.u.PackageHash,
			Mandatory:    e.u.Mandatory,
		}
		e.mu.Unlock()
		if pending && c.sender.Send(deviceID, transport.MsgUpdateAvailable, notice) {
			sent++
		}
	}
	return sent
}

func (c *Controller) Get(updateID string) (models.OTAUpdate, bool) {
	e, ok := c.lookup(updateID)
	if !ok {
		return models.OTAUpdate{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneUpdate(e.u), true
}

func (c *Controller) List() []models.OTAUpdate {
	out := []models.OTAUpdate{}
	for _, id := range c.snapshotIDs() {
		if u, ok := c.Get(id); ok {
			out = append(out, u)
		}
	}
	return out
}

/* ───── внутреннее ───── */

// cohortSize = ceil(pct/100 × n).
func cohortSize(pct, n int) int {
	return (pct*n + 99) / 100
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func cloneUpdate(u models.OTAUpdate) models.OTAUpdate {
	u.TargetDevices = append([]string(nil), u.TargetDevices...)
	u.CompletedDevices = append([]string(nil), u.CompletedDevices...)
	u.FailedDevices = append([]string(nil), u.FailedDevices...)
	return u
}

func (c *Controller) lookup(updateID string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.updates[updateID]
	return e, ok
}

func (c *Controller) snapshotIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.updates))
	for id := range c.updates {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) persist(u models.OTAUpdate) {
	if c.mirror == nil {
		return
	}
	go c.mirror.SaveUpdate(u)
}
