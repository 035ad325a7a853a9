package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/heartbeat"
	"fleetd/internal/models"
	"fleetd/internal/notify"
	"fleetd/internal/ota"
	"fleetd/internal/queue"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
)

type fakeSession struct {
	id   string
	mu   sync.Mutex
	msgs []string // msgType
}

func (s *fakeSession) ConnID() string { return s.id }
func (s *fakeSession) Close() error   { return nil }

func (s *fakeSession) Send(msgType string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msgType)
	return nil
}

func (s *fakeSession) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type flakySink struct {
	mu        sync.Mutex
	failing   bool
	delivered int
}

func (f *flakySink) Deliver(context.Context, models.SinkEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("sink down")
	}
	f.delivered++
	return nil
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

func newFleet(t *testing.T) (*Controller, *registry.Registry, *queue.Manager, *flakySink) {
	t.Helper()
	n := notify.New()
	reg := registry.New(n, 1<<20)
	hub := transport.NewHub()
	s := &flakySink{}
	queues := queue.NewManager(s, reg, hub, 50, 3)
	monitor := heartbeat.NewMonitor(reg, n, 5*time.Minute, 24*time.Hour)
	updates := ota.New(reg, hub)
	return NewController(reg, hub, monitor, queues, updates, s), reg, queues, s
}

func TestRegisterBindsAndRenotifies(t *testing.T) {
	c, reg, _, _ := newFleet(t)

	// апдейт нацелен на устройство, которое сейчас offline
	reg.Register(models.RegisterInfo{DeviceID: "SCN-1"})
	c.Disconnect("none") // no-op

	_, err := c.updates.Create(models.UpdateSpec{Version: "1.0", PackageURL: "u"})
	require.NoError(t, err)

	s := &fakeSession{id: "conn-1"}
	dev, err := c.Register("conn-1", s, models.RegisterInfo{DeviceID: "SCN-1"})
	require.NoError(t, err)
	assert.Equal(t, "SCN-1", dev.DeviceID)
	assert.Contains(t, s.received(), transport.MsgUpdateAvailable,
		"pending update re-notified on register")

	c.Disconnect("conn-1")
	got, ok := reg.Get("SCN-1")
	require.True(t, ok, "record survives disconnect")
	assert.Equal(t, models.DeviceStatusOffline, got.Status)
}

func TestScanEventFastPath(t *testing.T) {
	c, _, queues, s := newFleet(t)
	sess := &fakeSession{id: "c1"}
	dev, _ := c.Register("c1", sess, models.RegisterInfo{DeviceID: "SCN-1"})

	c.ScanEvent(dev.DeviceID, models.ScanEvent{Payload: json.RawMessage(`{"sku":"A1"}`)})
	assert.Equal(t, 1, s.count())
	st, _ := queues.Status(dev.DeviceID)
	assert.Equal(t, 0, st.Pending, "fast path must not buffer")
}

func TestScanEventFallsBackToQueue(t *testing.T) {
	c, _, queues, s := newFleet(t)
	sess := &fakeSession{id: "c1"}
	dev, _ := c.Register("c1", sess, models.RegisterInfo{DeviceID: "SCN-1"})

	s.failing = true
	c.ScanEvent(dev.DeviceID, models.ScanEvent{Payload: json.RawMessage(`{"sku":"A2"}`)})
	st, _ := queues.Status(dev.DeviceID)
	assert.Equal(t, 1, st.Pending, "failed delivery falls back to the queue")

	// sink ожил — sync:request сбрасывает буфер
	s.failing = false
	c.SyncRequest(dev.DeviceID)
	require.Eventually(t, func() bool {
		st, _ := queues.Status(dev.DeviceID)
		return st.Pending == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.count())
	assert.Contains(t, sess.received(), transport.MsgSyncComplete)
}

func TestScanEventUnknownDeviceDropped(t *testing.T) {
	c, _, queues, s := newFleet(t)
	c.ScanEvent("ghost", models.ScanEvent{Payload: json.RawMessage(`{}`)})
	assert.Equal(t, 0, s.count())
	_, ok := queues.Status("ghost")
	assert.False(t, ok)
}

func TestErrorReportSeverity(t *testing.T) {
	c, reg, _, _ := newFleet(t)
	c.Register("c1", &fakeSession{id: "c1"}, models.RegisterInfo{DeviceID: "SCN-1"})

	c.ErrorReport("SCN-1", models.ErrorReport{Severity: "warning", Message: "low paper"})
	dev, _ := reg.Get("SCN-1")
	assert.Equal(t, models.DeviceStatusOnline, dev.Status, "warnings are advisory")

	c.ErrorReport("SCN-1", models.ErrorReport{Severity: "critical", Message: "motor fault"})
	dev, _ = reg.Get("SCN-1")
	assert.Equal(t, models.DeviceStatusError, dev.Status)
	assert.Equal(t, "motor fault", dev.LastError)
}

func TestPushConfig(t *testing.T) {
	c, _, _, _ := newFleet(t)
	sess := &fakeSession{id: "c1"}
	c.Register("c1", sess, models.RegisterInfo{DeviceID: "SCN-1"})

	debug := true
	dev, err := c.PushConfig("SCN-1", models.ConfigPatch{Debug: &debug})
	require.NoError(t, err)
	assert.True(t, dev.Config.Data().Debug)
	assert.Contains(t, sess.received(), transport.MsgConfigUpdate)

	_, err = c.PushConfig("ghost", models.ConfigPatch{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdateResponseFlow(t *testing.T) {
	c, _, _, _ := newFleet(t)
	c.Register("c1", &fakeSession{id: "c1"}, models.RegisterInfo{DeviceID: "SCN-1"})

	u, err := c.updates.Create(models.UpdateSpec{Version: "1.0", PackageURL: "u"})
	require.NoError(t, err)

	c.UpdateResponse("SCN-1", models.UpdateResponse{UpdateID: u.UpdateID, Status: "completed"})
	got, _ := c.updates.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusCompleted, got.Status)

	// неизвестное устройство игнорируется молча
	c.UpdateResponse("ghost", models.UpdateResponse{UpdateID: u.UpdateID, Status: "failed"})
	got, _ = c.updates.Get(u.UpdateID)
	assert.Equal(t, models.UpdateStatusCompleted, got.Status)
}

func TestStats(t *testing.T) {
	c, reg, queues, _ := newFleet(t)
	c.Register("c1", &fakeSession{id: "c1"}, models.RegisterInfo{DeviceID: "SCN-1"})
	reg.Register(models.RegisterInfo{DeviceID: "SNS-1", Class: models.ClassSensor})
	reg.SetStatus("SNS-1", models.DeviceStatusOffline, "test")

	queues.Enqueue("SCN-1", models.OfflineEvent{Payload: json.RawMessage(`{"a":1}`)})

	st := c.Stats()
	assert.Equal(t, 2, st.Devices)
	assert.Equal(t, 1, st.Online)
	assert.Equal(t, 1, st.Connected)
	require.NotEmpty(t, st.Queues)
}
