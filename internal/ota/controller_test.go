package ota

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/models"
	"fleetd/internal/notify"
	"fleetd/internal/registry"
)

type fakeSender struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    []string // deviceID
}

func (f *fakeSender) Send(deviceID, msgType string, _ any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[deviceID] {
		return false
	}
	f.sent = append(f.sent, deviceID)
	return true
}

func (f *fakeSender) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fleetOf(t *testing.T, n int) *registry.Registry {
	t.Helper()
	reg := registry.New(notify.New(), 1<<20)
	for i := 0; i < n; i++ {
		reg.Register(models.RegisterInfo{DeviceID: fmt.Sprintf("SCN-%04d", i)})
	}
	return reg
}

func TestCreateResolvesTargetsAtCreation(t *testing.T) {
	reg := fleetOf(t, 3)
	c := New(reg, &fakeSender{})

	u, err := c.Create(models.UpdateSpec{Version: "1.2.0", PackageURL: "https://pkg/fw.bin"})
	require.NoError(t, err)
	assert.Len(t, u.TargetDevices, 3)
	assert.Equal(t, models.UpdateStatusDeploying, u.Status, "no schedule → deploys immediately")

	// устройства, зарегистрированные после создания, в цели не попадают
	reg.Register(models.RegisterInfo{DeviceID: "SCN-9999"})
	u, _ = c.Get(u.UpdateID)
	assert.Len(t, u.TargetDevices, 3)
}

func TestCreateSingleTargetValidation(t *testing.T) {
	c := New(fleetOf(t, 1), &fakeSender{})

	_, err := c.Create(models.UpdateSpec{Version: "1.0", PackageURL: "u", TargetDeviceID: "missing"})
	assert.ErrorIs(t, err, ErrNoSuchDevice)

	_, err = c.Create(models.UpdateSpec{PackageURL: "u"})
	assert.ErrorIs(t, err, ErrBadSpec)
}

func TestPartialRolloutNotifiesCohortOnly(t *testing.T) {
	// 4 цели, rollout 50% → уведомлены ровно 2 с головы списка;
	// после двух completed статус остаётся deploying — терминал требует
	// ответа всех целей
	reg := fleetOf(t, 4)
	sender := &fakeSender{}
	c := New(reg, sender)

	u, err := c.Create(models.UpdateSpec{Version: "1.2.0", PackageURL: "u", RolloutPercent: 50})
	require.NoError(t, err)
	require.Len(t, sender.notified(), 2)

	for _, id := range sender.notified() {
		c.RecordResponse(id, u.UpdateID, true)
	}
	got, _ := c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusDeploying, got.Status)
	assert.Len(t, got.CompletedDevices, 2)
}

func TestTerminalStateCorrectness(t *testing.T) {
	reg := fleetOf(t, 3)
	c := New(reg, &fakeSender{})
	u, _ := c.Create(models.UpdateSpec{Version: "2.0", PackageURL: "u"})

	c.RecordResponse("SCN-0000", u.UpdateID, true)
	c.RecordResponse("SCN-0001", u.UpdateID, true)
	got, _ := c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusDeploying, got.Status)

	c.RecordResponse("SCN-0002", u.UpdateID, false)
	got, _ = c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusFailed, got.Status, "any failure → failed")

	// терминал неизменен, дубликаты не двоят счётчики
	c.RecordResponse("SCN-0002", u.UpdateID, true)
	c.RecordResponse("SCN-0000", u.UpdateID, true)
	got, _ = c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusFailed, got.Status)
	assert.Len(t, got.CompletedDevices, 2)
	assert.Len(t, got.FailedDevices, 1)
}

func TestAllCompletedEndsCompleted(t *testing.T) {
	reg := fleetOf(t, 2)
	c := New(reg, &fakeSender{})
	u, _ := c.Create(models.UpdateSpec{Version: "2.0", PackageURL: "u"})

	c.RecordResponse("SCN-0000", u.UpdateID, true)
	c.RecordResponse("SCN-0001", u.UpdateID, true)
	got, _ := c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusCompleted, got.Status)
}

func TestResponseOutsideTargetsIgnored(t *testing.T) {
	reg := fleetOf(t, 2)
	c := New(reg, &fakeSender{})
	u, _ := c.Create(models.UpdateSpec{Version: "2.0", PackageURL: "u", TargetDeviceID: "SCN-0000"})

	c.RecordResponse("SCN-0001", u.UpdateID, true)
	got, _ := c.Get(u.UpdateID)
	assert.Empty(t, got.CompletedDevices, "completed ∪ failed ⊆ targets")
	assert.Equal(t, models.UpdateStatusDeploying, got.Status)
}

func TestScheduledSweepDispatchesDue(t *testing.T) {
	reg := fleetOf(t, 2)
	sender := &fakeSender{}

	now := time.Now()
	clock := now
	c := New(reg, sender, WithClock(func() time.Time { return clock }))

	soon := now.Add(30 * time.Minute)
	u, err := c.Create(models.UpdateSpec{Version: "3.0", PackageURL: "u", ScheduledAt: &soon})
	require.NoError(t, err)
	got, _ := c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusPending, got.Status)
	assert.Empty(t, sender.notified(), "scheduled update must not deploy early")

	assert.Equal(t, 0, c.ScheduledSweep())

	clock = now.Add(31 * time.Minute)
	assert.Equal(t, 1, c.ScheduledSweep())
	got, _ = c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusDeploying, got.Status)
	assert.Len(t, sender.notified(), 2)
}

func TestReNotifyOnRegister(t *testing.T) {
	reg := fleetOf(t, 2)
	sender := &fakeSender{offline: map[string]bool{"SCN-0001": true}}
	c := New(reg, sender)

	u, _ := c.Create(models.UpdateSpec{Version: "1.1", PackageURL: "u"})
	require.Equal(t, []string{"SCN-0000"}, sender.notified(), "offline target gets nothing at deploy")

	// устройство вернулось — уведомление повторяется
	sender.mu.Lock()
	sender.offline["SCN-0001"] = false
	sender.mu.Unlock()
	assert.Equal(t, 1, c.ReNotify("SCN-0001"))

	// уже ответившему не шлём
	c.RecordResponse("SCN-0001", u.UpdateID, true)
	assert.Equal(t, 0, c.ReNotify("SCN-0001"))
}

func TestCancelIsTerminal(t *testing.T) {
	reg := fleetOf(t, 2)
	c := New(reg, &fakeSender{})
	u, _ := c.Create(models.UpdateSpec{Version: "1.0", PackageURL: "u"})

	require.NoError(t, c.Cancel(u.UpdateID))
	got, _ := c.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusCancelled, got.Status)

	assert.ErrorIs(t, c.Cancel(u.UpdateID), ErrTerminal)
	assert.ErrorIs(t, c.Deploy(u.UpdateID), ErrTerminal)

	c.RecordResponse("SCN-0000", u.UpdateID, true)
	got, _ = c.Get(u.UpdateID)
	assert.Empty(t, got.CompletedDevices)
}
