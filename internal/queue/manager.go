// Package queue — per-device offline-очереди: буфер устойчивости на время
// разрыва связи или отказа sink-а. Не основной путь доставки (fast path
// живёт в fleet.Controller), а backpressure-буфер с байтовым потолком и
// lossy-вытеснением по приоритету/возрасту.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/logs"
	"fleetd/internal/models"
	"fleetd/internal/sink"
)

// DeviceInfo — то, что менеджеру нужно знать про устройство (registry).
type DeviceInfo interface {
	QueueCeiling(deviceID string) int64
	Get(deviceID string) (models.Device, bool)
}

// Sender — доставка sync:complete устройству (transport.Hub); no-op без
// живой привязки.
type Sender interface {
	Send(deviceID, msgType string, data any) bool
}

type deviceQueue struct {
	mu         sync.Mutex
	events     []models.OfflineEvent
	totalBytes int64
	draining   bool
	lastSync   *time.Time
}

type Manager struct {
	mu     sync.RWMutex
	queues map[string]*deviceQueue

	sink    sink.Sink
	info    DeviceInfo
	sender  Sender
	batch   int
	retries int
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(s sink.Sink, info DeviceInfo, sender Sender, batchSize, maxRetries int, opts ...Option) *Manager {
	m := &Manager{
		queues:  map[string]*deviceQueue{},
		sink:    s,
		info:    info,
		sender:  sender,
		batch:   batchSize,
		retries: maxRetries,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ensure лениво создаёт пустую очередь (вызывается при регистрации).
func (m *Manager) Ensure(deviceID string) {
	m.queueFor(deviceID)
}

// Enqueue достраивает событие (id, timestamp, размер, retry=0), добавляет в
// хвост и при превышении потолка запускает prune. Запись не отклоняется
// никогда — переполнение решается вытеснением.
func (m *Manager) Enqueue(deviceID string, ev models.OfflineEvent) models.OfflineEvent {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if ev.Priority.Rank() == 0 && ev.Priority != models.PriorityLow {
		ev.Priority = models.PriorityMedium
	}
	ev.DeviceID = deviceID
	ev.RetryCount = 0
	ev.Size = int64(len(ev.Payload))

	ceiling := m.info.QueueCeiling(deviceID)
	q := m.queueFor(deviceID)
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.totalBytes += ev.Size
	if q.totalBytes > ceiling {
		dropped := q.pruneLocked(ceiling)
		if dropped > 0 {
			logs.Logger.Warnf("queue device=%s evicted %d event(s), total=%dB ceiling=%dB",
				deviceID, dropped, q.totalBytes, ceiling)
		}
	}
	q.mu.Unlock()
	return ev
}

// pruneLocked выкидывает события с конца рейтинга (низший приоритет, самое
// старое) пока суммарный размер не уложится в потолок. Порядок вставки
// оставшихся не меняется — drain ходит по нему.
func (q *deviceQueue) pruneLocked(ceiling int64) int {
	if q.totalBytes <= ceiling {
		return 0
	}
	// ранжирование: приоритет по убыванию, свежесть по убыванию
	idx := make([]int, len(q.events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := q.events[idx[a]], q.events[idx[b]]
		if ea.Priority.Rank() != eb.Priority.Rank() {
			return ea.Priority.Rank() > eb.Priority.Rank()
		}
		return ea.Timestamp.After(eb.Timestamp)
	})

	drop := map[int]bool{}
	total := q.totalBytes
	for i := len(idx) - 1; i >= 0 && total > ceiling; i-- {
		drop[idx[i]] = true
		total -= q.events[idx[i]].Size
	}
	if len(drop) == 0 {
		return 0
	}
	kept := q.events[:0]
	for i, ev := range q.events {
		if !drop[i] {
			kept = append(kept, ev)
		}
	}
	q.events = kept
	q.totalBytes = total
	return len(drop)
}

// Drain сбрасывает очередь в sink батчами в порядке вставки. На устройство
// одновременно идёт максимум один drain: конкурирующий вызов отбрасывается
// (false), не ставится в очередь. Событие после maxRetries неудач
// выбрасывается — ограниченная потеря задокументирована, не ошибка.
func (m *Manager) Drain(ctx context.Context, deviceID string) (models.SyncSummary, bool) {
	q := m.queueFor(deviceID)
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		logs.Logger.Debugf("queue device=%s drain already in progress, dropped", deviceID)
		return models.SyncSummary{}, false
	}
	q.draining = true
	q.mu.Unlock()

	var loc string
	if dev, ok := m.info.Get(deviceID); ok {
		loc = dev.Location
	}

	attempted := map[string]bool{}
	synced, droppedFailed := 0, 0

	for {
		if ctx.Err() != nil {
			break
		}
		// следующий батч: по порядку вставки, кого ещё не пробовали
		q.mu.Lock()
		batch := make([]models.OfflineEvent, 0, m.batch)
		for _, ev := range q.events {
			if attempted[ev.EventID] {
				continue
			}
			batch = append(batch, ev)
			if len(batch) == m.batch {
				break
			}
		}
		q.mu.Unlock()
		if len(batch) == 0 {
			break
		}

		remove := map[string]bool{}
		failed := map[string]bool{}
		for _, ev := range batch {
			attempted[ev.EventID] = true
			env := models.SinkEnvelope{
				SubjectID: deviceID,
				Location:  loc,
				EventType: ev.Type,
				Metadata:  ev.Payload,
			}
			if err := m.sink.Deliver(ctx, env); err != nil {
				logs.Logger.Debugf("queue device=%s event=%s delivery failed: %v", deviceID, ev.EventID, err)
				failed[ev.EventID] = true
				continue
			}
			remove[ev.EventID] = true
			synced++
		}

		q.mu.Lock()
		kept := q.events[:0]
		for _, ev := range q.events {
			if remove[ev.EventID] {
				q.totalBytes -= ev.Size
				continue
			}
			if failed[ev.EventID] {
				ev.RetryCount++
				if ev.RetryCount > m.retries {
					// исчерпали ретраи — событие теряется
					q.totalBytes -= ev.Size
					droppedFailed++
					logs.Logger.Warnf("queue device=%s event=%s dropped after %d failed deliveries",
						deviceID, ev.EventID, ev.RetryCount)
					continue
				}
			}
			kept = append(kept, ev)
		}
		q.events = kept
		q.mu.Unlock()
	}

	now := m.now()
	q.mu.Lock()
	q.lastSync = &now
	q.draining = false
	remaining := len(q.events)
	q.mu.Unlock()

	summary := models.SyncSummary{
		SyncedCount: synced,
		FailedCount: droppedFailed,
		Remaining:   remaining,
		LastSync:    now,
	}
	if m.sender != nil {
		m.sender.Send(deviceID, "sync:complete", summary)
	}
	logs.Logger.Infof("queue device=%s drained: synced=%d dropped=%d remaining=%d",
		deviceID, synced, droppedFailed, remaining)
	return summary, true
}

// Status — наблюдаемое состояние очереди; false для устройства без очереди.
func (m *Manager) Status(deviceID string) (models.QueueStatus, bool) {
	m.mu.RLock()
	q, ok := m.queues[deviceID]
	m.mu.RUnlock()
	if !ok {
		return models.QueueStatus{}, false
	}
	ceiling := m.info.QueueCeiling(deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	st := models.QueueStatus{
		DeviceID:     deviceID,
		Pending:      len(q.events),
		TotalBytes:   q.totalBytes,
		CeilingBytes: ceiling,
		DrainActive:  q.draining,
		LastSyncAt:   q.lastSync,
	}
	if ceiling > 0 {
		st.Utilization = float64(q.totalBytes) / float64(ceiling)
	}
	return st, true
}

// PendingIdle — устройства с непустой очередью без активного drain-а
// (кандидаты на принудительный drain в scheduler-е).
func (m *Manager) PendingIdle() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := []string{}
	for _, id := range ids {
		m.mu.RLock()
		q := m.queues[id]
		m.mu.RUnlock()
		if q == nil {
			continue
		}
		q.mu.Lock()
		if len(q.events) > 0 && !q.draining {
			out = append(out, id)
		}
		q.mu.Unlock()
	}
	return out
}

func (m *Manager) queueFor(deviceID string) *deviceQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[deviceID]
	if !ok {
		q = &deviceQueue{}
		m.queues[deviceID] = q
	}
	return q
}
