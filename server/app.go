package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetd/config"
	"fleetd/internal/api"
	"fleetd/internal/db"
	"fleetd/internal/fleet"
	"fleetd/internal/health"
	"fleetd/internal/heartbeat"
	"fleetd/internal/logs"
	"fleetd/internal/middleware"
	"fleetd/internal/models"
	"fleetd/internal/notify"
	"fleetd/internal/ota"
	"fleetd/internal/queue"
	"fleetd/internal/registry"
	"fleetd/internal/repo"
	"fleetd/internal/scheduler"
	"fleetd/internal/sink"
	"fleetd/internal/transport"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	sched *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(&models.Device{}, &models.OTAUpdate{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Компоненты флота */
	notifier := notify.New()
	notifier.SubscribeAlerts(notify.LogListener{})
	notifier.SubscribeLifecycle(notify.LogListener{})

	var mirror *repo.DeviceStore
	regOpts := []registry.Option{}
	otaOpts := []ota.Option{}
	if a.db != nil {
		mirror = repo.NewDeviceStore(a.db)
		regOpts = append(regOpts, registry.WithMirror(mirror))
		otaOpts = append(otaOpts, ota.WithMirror(mirror))
	}

	reg := registry.New(notifier, a.cfg.Fleet.DefaultQueueBytes, regOpts...)
	if mirror != nil {
		// прогрев после рестарта: записи поднимаются offline
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if devs, err := mirror.LoadDevices(ctx); err != nil {
			logs.Logger.Warnf("device mirror load: %v", err)
		} else if len(devs) > 0 {
			reg.Restore(devs)
			logs.Logger.Infof("restored %d device record(s) from mirror", len(devs))
		}
		cancel()
	}

	hub := transport.NewHub()

	var eventSink sink.Sink = sink.Discard{}
	if a.cfg.Sink.BaseURL != "" {
		eventSink = sink.NewHTTP(a.cfg.Sink.BaseURL, a.cfg.Sink.Token, a.cfg.Sink.Timeout)
	} else {
		logs.Logger.Warn("sink.base_url not set, events are discarded")
	}

	queues := queue.NewManager(eventSink, reg, hub,
		a.cfg.Fleet.DrainBatchSize, a.cfg.Fleet.DeliveryRetries)
	monitor := heartbeat.NewMonitor(reg, notifier,
		a.cfg.Fleet.HeartbeatTimeout, a.cfg.Fleet.HeartbeatRetain)
	updates := ota.New(reg, hub, otaOpts...)
	ctrl := fleet.NewController(reg, hub, monitor, queues, updates, eventSink)

	a.sched = scheduler.New(reg, monitor, queues, updates, scheduler.Intervals{
		HeartbeatSweep: a.cfg.Fleet.HeartbeatSweep,
		Retention:      a.cfg.Fleet.RetentionSweep,
		ForcedDrain:    a.cfg.Fleet.ForcedDrainSweep,
		UpdateSweep:    a.cfg.Fleet.UpdateSweep,
	})

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health */
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	/* 6) Шлюз устройств + админ-API */
	gw := transport.NewGateway(ctrl, a.cfg.Fleet.SharedSecret)
	transport.RegisterRoutes(a.Router, gw)
	api.RegisterRoutes(a.Router, api.New(reg, monitor, queues, updates, ctrl))

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	go a.sched.Run(a.ctx)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
