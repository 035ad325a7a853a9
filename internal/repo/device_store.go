// Package repo — опциональное зеркало состояния флота в БД. Источник истины
// живёт в памяти (registry/ota); сюда пишутся снапшоты для аудита и
// переживания рестартов. Все записи best-effort: ошибка БД логируется и не
// влияет на обслуживание устройств.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"fleetd/internal/logs"
	"fleetd/internal/models"
)

const writeTimeout = 5 * time.Second

type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

// SaveDevice — upsert снапшота устройства по deviceId.
func (s *DeviceStore) SaveDevice(dev models.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var existing models.Device
	err := s.db.WithContext(ctx).Where(&models.Device{DeviceID: dev.DeviceID}).First(&existing).Error
	if err == nil {
		dev.ID = existing.ID
		dev.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(&dev).Error; err != nil {
			logs.Logger.Warnf("device mirror save %s: %v", dev.DeviceID, err)
		}
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logs.Logger.Warnf("device mirror lookup %s: %v", dev.DeviceID, err)
		return
	}
	if err := s.db.WithContext(ctx).Create(&dev).Error; err != nil {
		logs.Logger.Warnf("device mirror create %s: %v", dev.DeviceID, err)
	}
}

// SaveUpdate — upsert lifecycle-строки OTA-апдейта по updateId.
func (s *DeviceStore) SaveUpdate(u models.OTAUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var existing models.OTAUpdate
	err := s.db.WithContext(ctx).Where(&models.OTAUpdate{UpdateID: u.UpdateID}).First(&existing).Error
	if err == nil {
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
			logs.Logger.Warnf("update mirror save %s: %v", u.UpdateID, err)
		}
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logs.Logger.Warnf("update mirror lookup %s: %v", u.UpdateID, err)
		return
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		logs.Logger.Warnf("update mirror create %s: %v", u.UpdateID, err)
	}
}

// LoadDevices — снапшоты устройств для прогрева registry после рестарта.
func (s *DeviceStore) LoadDevices(ctx context.Context) ([]models.Device, error) {
	var devs []models.Device
	err := s.db.WithContext(ctx).Find(&devs).Error
	return devs, err
}
