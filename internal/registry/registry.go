// Package registry — каноническая таблица устройств флота.
//
// Все мутации идут под per-device мьютексом; обходы (sweep, выбор когорты)
// работают по снапшоту идентификаторов и не держат общий лок на время работы.
// Записи не удаляются: disconnect/timeout переводит статус в offline,
// история остаётся для аудита и ресинка.
package registry

import (
	"errors"
	"sync"
	"time"

	"fleetd/internal/models"
	"fleetd/internal/notify"
)

var ErrNotFound = errors.New("device not found")

// Mirror — опциональная персистенция снапшотов (repo.DeviceStore).
// Вызывается вне per-device лока, best-effort.
type Mirror interface {
	SaveDevice(dev models.Device)
}

type entry struct {
	mu  sync.Mutex
	dev models.Device
}

type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*entry
	notifier *notify.Notifier
	mirror   Mirror

	defaultQueueBytes int64
	now               func() time.Time
}

type Option func(*Registry)

func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(notifier *notify.Notifier, defaultQueueBytes int64, opts ...Option) *Registry {
	r := &Registry{
		devices:           map[string]*entry{},
		notifier:          notifier,
		defaultQueueBytes: defaultQueueBytes,
		now:               time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register — upsert: отсутствующие поля добиваются дефолтами,
// повторная регистрация обновляет запись (later-registration wins),
// дубликата не возникает.
func (r *Registry) Register(info models.RegisterInfo) (models.Device, bool) {
	class := info.Class
	if !class.Valid() {
		class = models.ClassScanner
	}
	deviceID := info.DeviceID
	if deviceID == "" {
		deviceID = models.DeriveDeviceID(class, info.MAC, info.Name)
	}

	e := r.entryFor(deviceID)
	e.mu.Lock()
	now := r.now()
	isNew := e.dev.DeviceID == ""
	prev := e.dev.Status
	if isNew {
		e.dev = models.Device{
			DeviceID:     deviceID,
			Class:        class,
			CreatedAt:    now,
			Capabilities: models.NewCapabilities(models.DefaultCapabilities(class)),
			Config:       models.NewConfig(r.defaultConfig()),
		}
	}
	d := &e.dev
	if info.Class.Valid() {
		d.Class = info.Class
	}
	if info.Name != "" {
		d.Name = info.Name
	}
	if info.Location != "" {
		d.Location = info.Location
	}
	if info.Company != "" {
		d.Company = info.Company
	}
	if info.MAC != "" {
		d.MAC = info.MAC
	}
	if info.IPAddress != "" {
		d.IPAddress = info.IPAddress
	}
	if info.FirmwareVersion != "" {
		d.FirmwareVersion = info.FirmwareVersion
	}
	if info.HardwareVersion != "" {
		d.HardwareVersion = info.HardwareVersion
	}
	if len(info.Capabilities) > 0 {
		d.Capabilities = models.NewCapabilities(info.Capabilities)
	}
	if info.Config != nil {
		d.Config = models.NewConfig(*info.Config)
	}
	d.Status = models.DeviceStatusOnline
	d.LastSeen = now
	d.UpdatedAt = now
	snap := *d
	e.mu.Unlock()

	if prev != models.DeviceStatusOnline {
		reason := "re-registered"
		if isNew {
			reason = "registered"
		}
		r.notifier.StatusChange(deviceID, prev, models.DeviceStatusOnline, reason)
	}
	r.persist(snap)
	return snap, isNew
}

// SetStatus переводит lifecycle-статус; возвращает false для неизвестного id.
func (r *Registry) SetStatus(deviceID string, st models.DeviceStatus, reason string) bool {
	e, ok := r.lookup(deviceID)
	if !ok {
		return false
	}
	e.mu.Lock()
	prev := e.dev.Status
	e.dev.Status = st
	e.dev.UpdatedAt = r.now()
	if st == models.DeviceStatusOffline {
		e.dev.LastSeen = e.dev.UpdatedAt
	}
	snap := e.dev
	e.mu.Unlock()

	r.notifier.StatusChange(deviceID, prev, st, reason)
	r.persist(snap)
	return true
}

// Touch — отметка живости из heartbeat-а: lastSeen/battery/signal + online.
func (r *Registry) Touch(deviceID string, battery, signal int) (models.Device, bool) {
	e, ok := r.lookup(deviceID)
	if !ok {
		return models.Device{}, false
	}
	e.mu.Lock()
	prev := e.dev.Status
	e.dev.LastSeen = r.now()
	e.dev.UpdatedAt = e.dev.LastSeen
	e.dev.BatteryLevel = battery
	e.dev.SignalStrength = signal
	e.dev.Status = models.DeviceStatusOnline
	snap := e.dev
	e.mu.Unlock()

	if prev != models.DeviceStatusOnline {
		r.notifier.StatusChange(deviceID, prev, models.DeviceStatusOnline, "heartbeat")
		r.persist(snap)
	}
	return snap, true
}

// MarkError — статус error + текст последней ошибки (по errorReport от устройства).
func (r *Registry) MarkError(deviceID, msg string) bool {
	e, ok := r.lookup(deviceID)
	if !ok {
		return false
	}
	e.mu.Lock()
	prev := e.dev.Status
	e.dev.Status = models.DeviceStatusError
	e.dev.LastError = msg
	e.dev.UpdatedAt = r.now()
	snap := e.dev
	e.mu.Unlock()

	r.notifier.StatusChange(deviceID, prev, models.DeviceStatusError, "error report")
	r.persist(snap)
	return true
}

// UpdateConfig накладывает частичный патч и возвращает новый конфиг.
func (r *Registry) UpdateConfig(deviceID string, patch models.ConfigPatch) (models.Device, error) {
	e, ok := r.lookup(deviceID)
	if !ok {
		return models.Device{}, ErrNotFound
	}
	e.mu.Lock()
	cfg := e.dev.Config.Data()
	patch.Apply(&cfg)
	e.dev.Config = models.NewConfig(cfg)
	e.dev.UpdatedAt = r.now()
	snap := e.dev
	e.mu.Unlock()

	r.persist(snap)
	return snap, nil
}

func (r *Registry) Get(deviceID string) (models.Device, bool) {
	e, ok := r.lookup(deviceID)
	if !ok {
		return models.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev, true
}

// QueueCeiling — байтовый потолок offline-очереди устройства.
func (r *Registry) QueueCeiling(deviceID string) int64 {
	if dev, ok := r.Get(deviceID); ok {
		if c := dev.Config.Data().OfflineStorageBytes; c > 0 {
			return c
		}
	}
	return r.defaultQueueBytes
}

// Filter — выборка для админ-API.
type Filter struct {
	Company  string
	Location string
	Class    models.DeviceClass
	Status   models.DeviceStatus
}

func (f Filter) match(d models.Device) bool {
	if f.Company != "" && d.Company != f.Company {
		return false
	}
	if f.Location != "" && d.Location != f.Location {
		return false
	}
	if f.Class != "" && d.Class != f.Class {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

func (r *Registry) List(f Filter) []models.Device {
	out := []models.Device{}
	for _, id := range r.SnapshotIDs() {
		if d, ok := r.Get(id); ok && f.match(d) {
			out = append(out, d)
		}
	}
	return out
}

// SnapshotIDs — стабильный снапшот идентификаторов для sweep-ов; общий лок
// держится только на копирование ключей.
func (r *Registry) SnapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Restore — прогрев из зеркала при старте: записи заводятся offline (живых
// привязок после рестарта нет), уведомления не шлются.
func (r *Registry) Restore(devs []models.Device) {
	for _, d := range devs {
		if d.DeviceID == "" {
			continue
		}
		e := r.entryFor(d.DeviceID)
		e.mu.Lock()
		if e.dev.DeviceID == "" {
			d.Status = models.DeviceStatusOffline
			e.dev = d
		}
		e.mu.Unlock()
	}
}

/* ───── внутреннее ───── */

func (r *Registry) lookup(deviceID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	return e, ok
}

func (r *Registry) entryFor(deviceID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		e = &entry{}
		r.devices[deviceID] = e
	}
	return e
}

func (r *Registry) defaultConfig() models.DeviceConfig {
	cfg := models.DefaultConfig()
	if r.defaultQueueBytes > 0 {
		cfg.OfflineStorageBytes = r.defaultQueueBytes
	}
	return cfg
}

func (r *Registry) persist(dev models.Device) {
	if r.mirror == nil {
		return
	}
	// вне hot path: зеркалирование не должно блокировать приём трафика
	go r.mirror.SaveDevice(dev)
}
