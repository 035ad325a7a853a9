package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DeviceClass string

const (
	ClassScanner  DeviceClass = "scanner"
	ClassTablet   DeviceClass = "tablet"
	ClassSBC      DeviceClass = "single-board-computer"
	ClassEmbedded DeviceClass = "embedded"
	ClassGateway  DeviceClass = "gateway"
	ClassSensor   DeviceClass = "sensor"
)

// Code — короткий префикс класса для deviceId (SCN-xxxx).
func (c DeviceClass) Code() string {
	switch c {
	case ClassScanner:
		return "SCN"
	case ClassTablet:
		return "TAB"
	case ClassSBC:
		return "SBC"
	case ClassEmbedded:
		return "EMB"
	case ClassGateway:
		return "GTW"
	case ClassSensor:
		return "SNS"
	default:
		return "DEV"
	}
}

func (c DeviceClass) Valid() bool {
	switch c {
	case ClassScanner, ClassTablet, ClassSBC, ClassEmbedded, ClassGateway, ClassSensor:
		return true
	}
	return false
}

type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
)

// Capability — одна возможность устройства (сканер штрихкодов, GPS и т.п.).
type Capability struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Version string `json:"version,omitempty"`
}

// DeviceConfig — конфигурация, которую контроллер пушит на устройство.
type DeviceConfig struct {
	ScanMode            string            `json:"scan_mode"`             // continuous|trigger|batch
	SyncIntervalSec     int               `json:"sync_interval_sec"`
	OfflineStorageBytes int64             `json:"offline_storage_bytes"` // потолок offline-очереди
	Compression         bool              `json:"compression"`
	Encryption          bool              `json:"encryption"`
	AutoUpdate          bool              `json:"auto_update"`
	Debug               bool              `json:"debug"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// DefaultConfig — дефолтный бандл для нового устройства.
func DefaultConfig() DeviceConfig {
	return DeviceConfig{
		ScanMode:            "trigger",
		SyncIntervalSec:     300,
		OfflineStorageBytes: 50 * 1024 * 1024,
		Compression:         true,
		Encryption:          true,
		AutoUpdate:          true,
	}
}

// DefaultCapabilities — стартовый набор по классу устройства.
func DefaultCapabilities(class DeviceClass) []Capability {
	switch class {
	case ClassScanner:
		return []Capability{
			{Type: "barcode", Enabled: true},
			{Type: "rfid", Enabled: false},
			{Type: "camera", Enabled: true},
		}
	case ClassTablet:
		return []Capability{
			{Type: "barcode", Enabled: true},
			{Type: "camera", Enabled: true},
			{Type: "gps", Enabled: true},
		}
	case ClassSensor:
		return []Capability{
			{Type: "temperature", Enabled: true},
			{Type: "humidity", Enabled: true},
		}
	case ClassGateway:
		return []Capability{
			{Type: "relay", Enabled: true},
			{Type: "ble-bridge", Enabled: true},
		}
	default:
		return []Capability{{Type: "telemetry", Enabled: true}}
	}
}

// Device — каноническая запись об устройстве. Живёт в registry в памяти;
// при настроенной БД зеркалируется через repo.DeviceStore.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DeviceID string      `gorm:"uniqueIndex;size:64;not null" json:"device_id"`
	Class    DeviceClass `gorm:"size:32" json:"class"`
	Name     string      `gorm:"size:255" json:"name"`
	Location string      `gorm:"size:255" json:"location"`
	Company  string      `gorm:"size:255" json:"company"`

	MAC       string `gorm:"size:64" json:"mac,omitempty"`
	IPAddress string `gorm:"size:64" json:"ip_address,omitempty"`

	FirmwareVersion string `gorm:"size:64" json:"firmware_version,omitempty"`
	HardwareVersion string `gorm:"size:64" json:"hardware_version,omitempty"`

	BatteryLevel   int `json:"battery_level"`   // %
	SignalStrength int `json:"signal_strength"` // dBm, отрицательный

	Capabilities datatypes.JSONType[[]Capability] `json:"capabilities"`
	Config       datatypes.JSONType[DeviceConfig] `json:"config"`

	Status    DeviceStatus `gorm:"size:32;index" json:"status"`
	LastSeen  time.Time    `gorm:"index" json:"last_seen"`
	LastError string       `gorm:"size:512" json:"last_error,omitempty"`
}

// Обёртки над datatypes.NewJSONType, чтобы не тащить datatypes по коду.
func NewCapabilities(c []Capability) datatypes.JSONType[[]Capability] {
	return datatypes.NewJSONType(c)
}

func NewConfig(c DeviceConfig) datatypes.JSONType[DeviceConfig] {
	return datatypes.NewJSONType(c)
}

// RegisterInfo — частичная информация от устройства при регистрации.
// Любое поле может отсутствовать; дефолты проставляет registry.
type RegisterInfo struct {
	DeviceID        string            `json:"device_id,omitempty"`
	Class           DeviceClass       `json:"class,omitempty"`
	Name            string            `json:"name,omitempty"`
	Location        string            `json:"location,omitempty"`
	Company         string            `json:"company,omitempty"`
	MAC             string            `json:"mac,omitempty"`
	IPAddress       string            `json:"ip_address,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	HardwareVersion string            `json:"hardware_version,omitempty"`
	Capabilities    []Capability      `json:"capabilities,omitempty"`
	Config          *DeviceConfig     `json:"config,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// ConfigPatch — частичное обновление конфигурации (админ-API). nil — поле
// не трогаем.
type ConfigPatch struct {
	ScanMode            *string           `json:"scan_mode,omitempty"`
	SyncIntervalSec     *int              `json:"sync_interval_sec,omitempty"`
	OfflineStorageBytes *int64            `json:"offline_storage_bytes,omitempty"`
	Compression         *bool             `json:"compression,omitempty"`
	Encryption          *bool             `json:"encryption,omitempty"`
	AutoUpdate          *bool             `json:"auto_update,omitempty"`
	Debug               *bool             `json:"debug,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// Apply накладывает патч на конфиг.
func (p ConfigPatch) Apply(c *DeviceConfig) {
	if p.ScanMode != nil {
		c.ScanMode = *p.ScanMode
	}
	if p.SyncIntervalSec != nil {
		c.SyncIntervalSec = *p.SyncIntervalSec
	}
	if p.OfflineStorageBytes != nil {
		c.OfflineStorageBytes = *p.OfflineStorageBytes
	}
	if p.Compression != nil {
		c.Compression = *p.Compression
	}
	if p.Encryption != nil {
		c.Encryption = *p.Encryption
	}
	if p.AutoUpdate != nil {
		c.AutoUpdate = *p.AutoUpdate
	}
	if p.Debug != nil {
		c.Debug = *p.Debug
	}
	if len(p.Extra) > 0 {
		if c.Extra == nil {
			c.Extra = map[string]string{}
		}
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
}

// DeriveDeviceID — детерминированный идентификатор из «железных» признаков:
// sha256(MAC) → первые 8 hex, с префиксом кода класса. Если MAC нет — имя,
// если и его нет — случайный fallback.
func DeriveDeviceID(class DeviceClass, mac, name string) string {
	seed := strings.ToLower(strings.TrimSpace(mac))
	if seed == "" {
		seed = strings.TrimSpace(name)
	}
	if seed == "" {
		seed = uuid.NewString()
	}
	sum := sha256.Sum256([]byte(seed))
	return class.Code() + "-" + hex.EncodeToString(sum[:4])
}
