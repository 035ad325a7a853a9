package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/models"
	"fleetd/internal/notify"
)

func newRegistry() *Registry {
	return New(notify.New(), 1<<20)
}

func TestRegisterDefaults(t *testing.T) {
	r := newRegistry()

	dev, isNew := r.Register(models.RegisterInfo{Name: "dock-scanner"})
	require.True(t, isNew)
	assert.Equal(t, models.ClassScanner, dev.Class, "class defaults to scanner")
	assert.True(t, strings.HasPrefix(dev.DeviceID, "SCN-"))
	assert.Equal(t, models.DeviceStatusOnline, dev.Status)
	assert.False(t, dev.LastSeen.IsZero())
	assert.Equal(t, "trigger", dev.Config.Data().ScanMode)
	assert.NotEmpty(t, dev.Capabilities.Data())
}

func TestRegisterDerivedIDIsStable(t *testing.T) {
	r := newRegistry()
	a, _ := r.Register(models.RegisterInfo{MAC: "AA:BB:CC:DD:EE:FF"})
	b, isNew := r.Register(models.RegisterInfo{MAC: "aa:bb:cc:dd:ee:ff"})
	assert.Equal(t, a.DeviceID, b.DeviceID, "MAC case must not change identity")
	assert.False(t, isNew)
}

func TestRegisterIdempotent(t *testing.T) {
	r := newRegistry()

	first, isNew := r.Register(models.RegisterInfo{DeviceID: "SCN-AB12", Name: "left"})
	require.True(t, isNew)

	second, isNew := r.Register(models.RegisterInfo{DeviceID: "SCN-AB12", Location: "dock-3"})
	assert.False(t, isNew, "re-registration must not create a second record")
	assert.Equal(t, 1, r.Count())
	// later-registration wins, но непереданные поля не затираются
	assert.Equal(t, "left", second.Name)
	assert.Equal(t, "dock-3", second.Location)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestSetStatusAndLookup(t *testing.T) {
	r := newRegistry()
	r.Register(models.RegisterInfo{DeviceID: "SNS-0001", Class: models.ClassSensor})

	require.True(t, r.SetStatus("SNS-0001", models.DeviceStatusOffline, "disconnected"))
	dev, ok := r.Get("SNS-0001")
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusOffline, dev.Status)

	assert.False(t, r.SetStatus("missing", models.DeviceStatusOffline, "x"))
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestMarkErrorThenHeartbeatRecovers(t *testing.T) {
	r := newRegistry()
	r.Register(models.RegisterInfo{DeviceID: "TAB-0001", Class: models.ClassTablet})

	require.True(t, r.MarkError("TAB-0001", "sensor stuck"))
	dev, _ := r.Get("TAB-0001")
	assert.Equal(t, models.DeviceStatusError, dev.Status)
	assert.Equal(t, "sensor stuck", dev.LastError)

	r.Touch("TAB-0001", 80, -60)
	dev, _ = r.Get("TAB-0001")
	assert.Equal(t, models.DeviceStatusOnline, dev.Status)
	assert.Equal(t, 80, dev.BatteryLevel)
}

func TestUpdateConfigPatch(t *testing.T) {
	r := newRegistry()
	r.Register(models.RegisterInfo{DeviceID: "SCN-0001"})

	ceiling := int64(4 * 1024)
	debug := true
	dev, err := r.UpdateConfig("SCN-0001", models.ConfigPatch{
		OfflineStorageBytes: &ceiling,
		Debug:               &debug,
	})
	require.NoError(t, err)
	cfg := dev.Config.Data()
	assert.Equal(t, ceiling, cfg.OfflineStorageBytes)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "trigger", cfg.ScanMode, "untouched fields survive the patch")

	assert.Equal(t, ceiling, r.QueueCeiling("SCN-0001"))

	_, err = r.UpdateConfig("missing", models.ConfigPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	r := newRegistry()
	r.Register(models.RegisterInfo{DeviceID: "SCN-1", Company: "acme", Location: "dock-1"})
	r.Register(models.RegisterInfo{DeviceID: "SCN-2", Company: "acme", Location: "dock-2"})
	r.Register(models.RegisterInfo{DeviceID: "SNS-1", Class: models.ClassSensor, Company: "globex"})

	assert.Len(t, r.List(Filter{}), 3)
	assert.Len(t, r.List(Filter{Company: "acme"}), 2)
	assert.Len(t, r.List(Filter{Location: "dock-2"}), 1)
	assert.Len(t, r.List(Filter{Class: models.ClassSensor}), 1)
}

func TestRestoreComesUpOffline(t *testing.T) {
	r := newRegistry()
	r.Restore([]models.Device{
		{DeviceID: "SCN-9", Status: models.DeviceStatusOnline, LastSeen: time.Now()},
	})
	dev, ok := r.Get("SCN-9")
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusOffline, dev.Status)

	// живая регистрация поверх прогретой записи не дублирует её
	_, isNew := r.Register(models.RegisterInfo{DeviceID: "SCN-9"})
	assert.False(t, isNew)
	assert.Equal(t, 1, r.Count())
}
