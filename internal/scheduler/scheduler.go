// Package scheduler — периодические maintenance-циклы флота. Каждая задача
// идемпотентна и независима от остальных; все работают по снапшотам
// идентификаторов и останавливаются по контексту приложения.
package scheduler

import (
	"context"
	"time"

	"fleetd/internal/heartbeat"
	"fleetd/internal/logs"
	"fleetd/internal/models"
	"fleetd/internal/ota"
	"fleetd/internal/queue"
	"fleetd/internal/registry"
)

type Intervals struct {
	HeartbeatSweep time.Duration // таймаут-детект liveness
	Retention      time.Duration // чистка старых heartbeat-ов
	ForcedDrain    time.Duration // drain для online-устройств с непустой очередью
	UpdateSweep    time.Duration // диспетчеризация отложенных апдейтов
}

type Scheduler struct {
	reg     *registry.Registry
	monitor *heartbeat.Monitor
	queues  *queue.Manager
	updates *ota.Controller
	iv      Intervals
}

func New(reg *registry.Registry, monitor *heartbeat.Monitor, queues *queue.Manager,
	updates *ota.Controller, iv Intervals) *Scheduler {
	return &Scheduler{reg: reg, monitor: monitor, queues: queues, updates: updates, iv: iv}
}

// Run запускает все циклы и блокируется до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, "heartbeat-sweep", s.iv.HeartbeatSweep, func() {
		if n := s.monitor.Sweep(); n > 0 {
			logs.Logger.Infof("heartbeat sweep: %d device(s) timed out", n)
		}
	})
	go s.loop(ctx, "retention", s.iv.Retention, func() {
		if n := s.monitor.PruneRetention(); n > 0 {
			logs.Logger.Infof("retention sweep: %d heartbeat(s) pruned", n)
		}
	})
	go s.loop(ctx, "forced-drain", s.iv.ForcedDrain, s.forcedDrain)
	go s.loop(ctx, "update-sweep", s.iv.UpdateSweep, func() {
		if n := s.updates.ScheduledSweep(); n > 0 {
			logs.Logger.Infof("update sweep: %d update(s) dispatched", n)
		}
	})
	<-ctx.Done()
}

// forcedDrain — принудительный сброс очередей online-устройств, которые
// давно не синхронизировались сами. Очереди с активным drain-ом пропускаются.
func (s *Scheduler) forcedDrain() {
	for _, id := range s.queues.PendingIdle() {
		dev, ok := s.reg.Get(id)
		if !ok || dev.Status != models.DeviceStatusOnline {
			continue
		}
		s.queues.Drain(context.Background(), id)
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, task func()) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	logs.Logger.Debugf("scheduler task %s every %s", name, every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			task()
		}
	}
}
