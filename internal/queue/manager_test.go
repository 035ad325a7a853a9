package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/models"
)

type stubInfo struct{ ceiling int64 }

func (s stubInfo) QueueCeiling(string) int64 { return s.ceiling }

func (s stubInfo) Get(string) (models.Device, bool) {
	return models.Device{Location: "warehouse-1"}, true
}

// fakeSink — управляемый sink: fail решает, падает ли доставка.
type fakeSink struct {
	mu        sync.Mutex
	delivered []models.SinkEnvelope
	fail      func(env models.SinkEnvelope) bool
}

func (f *fakeSink) Deliver(_ context.Context, env models.SinkEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && f.fail(env) {
		return errors.New("sink unavailable")
	}
	f.delivered = append(f.delivered, env)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []models.SyncSummary
}

func (f *fakeSender) Send(_, msgType string, data any) bool {
	if msgType != "sync:complete" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data.(models.SyncSummary))
	return true
}

func payload(n int) []byte { return bytes.Repeat([]byte("x"), n) }

func TestEnqueuePrunesByPriorityThenAge(t *testing.T) {
	// потолок 8KB, три события по 4KB (low/high/medium) —
	// выживают high и medium, low вытесняется
	m := NewManager(&fakeSink{}, stubInfo{ceiling: 8 * 1024}, nil, 50, 3)

	m.Enqueue("SCN-AB12", models.OfflineEvent{Type: "scan", Payload: payload(4096), Priority: models.PriorityLow})
	m.Enqueue("SCN-AB12", models.OfflineEvent{Type: "scan", Payload: payload(4096), Priority: models.PriorityHigh})
	m.Enqueue("SCN-AB12", models.OfflineEvent{Type: "scan", Payload: payload(4096), Priority: models.PriorityMedium})

	st, ok := m.Status("SCN-AB12")
	require.True(t, ok)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, int64(8192), st.TotalBytes)

	q := m.queueFor("SCN-AB12")
	prios := []models.EventPriority{}
	for _, ev := range q.events {
		prios = append(prios, ev.Priority)
	}
	assert.Equal(t, []models.EventPriority{models.PriorityHigh, models.PriorityMedium}, prios)
}

func TestPruneTieBreakDropsOldest(t *testing.T) {
	m := NewManager(&fakeSink{}, stubInfo{ceiling: 8 * 1024}, nil, 50, 3)
	base := time.Now()

	for i := 0; i < 3; i++ {
		m.Enqueue("dev", models.OfflineEvent{
			Payload:   payload(4096),
			Priority:  models.PriorityMedium,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	q := m.queueFor("dev")
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.events, 2)
	// при равном приоритете уходит самое старое
	assert.Equal(t, base.Add(1*time.Second).Unix(), q.events[0].Timestamp.Unix())
	assert.Equal(t, base.Add(2*time.Second).Unix(), q.events[1].Timestamp.Unix())
}

func TestQueueSizeInvariant(t *testing.T) {
	m := NewManager(&fakeSink{}, stubInfo{ceiling: 10 * 1024}, nil, 50, 3)
	sizes := []int{1000, 5000, 3000, 4000, 2000, 6000}
	prios := []models.EventPriority{
		models.PriorityLow, models.PriorityCritical, models.PriorityMedium,
		models.PriorityLow, models.PriorityHigh, models.PriorityMedium,
	}
	for i, n := range sizes {
		m.Enqueue("dev", models.OfflineEvent{Payload: payload(n), Priority: prios[i]})

		q := m.queueFor("dev")
		q.mu.Lock()
		var sum int64
		for _, ev := range q.events {
			sum += ev.Size
		}
		assert.Equal(t, sum, q.totalBytes, "total must equal sum of member sizes")
		assert.LessOrEqual(t, q.totalBytes, int64(10*1024))
		q.mu.Unlock()
	}
}

func TestDrainDeliversInInsertionOrder(t *testing.T) {
	s := &fakeSink{}
	sender := &fakeSender{}
	m := NewManager(s, stubInfo{ceiling: 1 << 20}, sender, 2, 3)

	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		m.Enqueue("dev", models.OfflineEvent{Type: typ, Payload: payload(10)})
	}

	sum, started := m.Drain(context.Background(), "dev")
	require.True(t, started)
	assert.Equal(t, 5, sum.SyncedCount)
	assert.Equal(t, 0, sum.Remaining)

	types := []string{}
	for _, env := range s.delivered {
		types = append(types, env.EventType)
		assert.Equal(t, "dev", env.SubjectID)
		assert.Equal(t, "warehouse-1", env.Location)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, types)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, 5, sender.sent[0].SyncedCount)
}

func TestDrainRetryBound(t *testing.T) {
	s := &fakeSink{fail: func(models.SinkEnvelope) bool { return true }}
	m := NewManager(s, stubInfo{ceiling: 1 << 20}, nil, 50, 3)

	m.Enqueue("dev", models.OfflineEvent{Type: "scan", Payload: payload(10)})

	// три неудачных drain-а: событие остаётся, retry растёт
	for i := 1; i <= 3; i++ {
		_, started := m.Drain(context.Background(), "dev")
		require.True(t, started)
		st, _ := m.Status("dev")
		assert.Equal(t, 1, st.Pending, "attempt %d must keep the event", i)
	}

	// четвёртая неудача — событие выбрасывается навсегда
	sum, started := m.Drain(context.Background(), "dev")
	require.True(t, started)
	assert.Equal(t, 1, sum.FailedCount)
	st, _ := m.Status("dev")
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, int64(0), st.TotalBytes)
}

func TestDrainMutualExclusion(t *testing.T) {
	block := make(chan struct{})
	s := &fakeSink{}
	s.fail = func(models.SinkEnvelope) bool {
		<-block
		return false
	}
	m := NewManager(s, stubInfo{ceiling: 1 << 20}, nil, 50, 3)
	m.Enqueue("dev", models.OfflineEvent{Payload: payload(10)})

	done := make(chan struct{})
	go func() {
		m.Drain(context.Background(), "dev")
		close(done)
	}()

	// первый drain завис в доставке — конкурирующий должен отброситься
	require.Eventually(t, func() bool {
		st, _ := m.Status("dev")
		return st.DrainActive
	}, time.Second, 5*time.Millisecond)

	_, started := m.Drain(context.Background(), "dev")
	assert.False(t, started)

	close(block)
	<-done
	assert.Equal(t, 1, s.count())
}

func TestPendingIdleSkipsEmptyAndDraining(t *testing.T) {
	m := NewManager(&fakeSink{}, stubInfo{ceiling: 1 << 20}, nil, 50, 3)
	m.Ensure("empty")
	m.Enqueue("full", models.OfflineEvent{Payload: payload(10)})

	ids := m.PendingIdle()
	assert.Equal(t, []string{"full"}, ids)
}
