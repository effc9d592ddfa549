package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/DockBox/config"
	"github.com/BearBump/DockBox/internal/api/dockapi"
	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/broker/kafka"
	"github.com/BearBump/DockBox/internal/cache/rediscache"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/BearBump/DockBox/internal/services/lifecycle"
	"github.com/BearBump/DockBox/internal/services/scans"
	"github.com/BearBump/DockBox/internal/storage/pgdock"
	"github.com/BearBump/DockBox/internal/tcpscan"
)

type dockAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts dockAPIOpts

	api       *dockapi.DockAPI
	tcp       *tcpscan.Server
	scheduler *lifecycle.Scheduler
	registry  *docks.Registry
	auditLog  *audit.Log
	scanSvc   *scans.Service
	store     *pgdock.Storage
	consumer  *kafka.Consumer
}

func mustBootstrapDockAPI() *dockAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.DockBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":4000"
	}
	tcpAddr := cfg.DockBox.TCPAddr
	if tcpAddr == "" {
		tcpAddr = ":4040"
	}
	consumerGroup := cfg.DockBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "dock-api"
	}
	updatedTopic := cfg.Kafka.DockUpdatedTopicName
	if updatedTopic == "" {
		updatedTopic = "dock.updated"
	}
	scansTopic := cfg.Kafka.ScanRequestedTopicName
	if scansTopic == "" {
		scansTopic = "dock.scan.requested"
	}

	dockCount := cfg.DockBox.DockCount
	if dockCount <= 0 {
		dockCount = 6
	}
	defaultLimit := cfg.DockBox.DefaultTruckLimit
	if defaultLimit <= 0 {
		defaultLimit = 30
	}
	auditCap := cfg.DockBox.AuditCap
	if auditCap <= 0 {
		auditCap = 100
	}

	schedCfg := lifecycle.Config{
		DocumentToShip: secondsOr(cfg.DockBox.DocumentToShipSeconds, 300),
		ShipReset:      secondsOr(cfg.DockBox.ShipResetSeconds, 300),
		LimitCooldown:  secondsOr(cfg.DockBox.LimitCooldownSeconds, 2),
		ResetTarget:    cfg.DockBox.ResetTargetStatus,
	}
	boardTTL := secondsOr(cfg.DockBox.BoardCacheTTLSeconds, 2)
	snapshotEvery := secondsOr(cfg.DockBox.SnapshotIntervalSeconds, 60)

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	limiter := rediscache.NewScannerLimiter(redisAddr, int64(cfg.DockBox.TCPRateLimitPerMinute))

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, scansTopic, consumerGroup)

	registry := docks.NewRegistry(dockCount, defaultLimit)
	auditLog := audit.New(auditCap)

	// Подъём последнего снапшота до запуска слушателей: рестарт не должен
	// терять идущие погрузки.
	restoreSnapshot(st, registry, auditLog)

	scanSvc := scans.New(registry, auditLog, defaultLimit).
		WithProducer(producer, updatedTopic)
	scheduler := lifecycle.New(registry, auditLog, st, schedCfg).
		WithProducer(producer, updatedTopic)
	scanSvc.WithLimitScheduler(scheduler)
	scheduler.RecoverInFlight()

	api := dockapi.New(registry, scanSvc, scheduler, auditLog, defaultLimit).
		WithCycleLister(st).
		WithBoardCache(rc, boardTTL)

	tcp := tcpscan.New(scanSvc, tcpscan.Opts{
		Addr:        tcpAddr,
		DefaultDock: cfg.DockBox.TCPDefaultDock,
		Limiter:     limiter,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &dockAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: dockAPIOpts{
			httpAddr:      httpAddr,
			scansTopic:    scansTopic,
			consumerGroup: consumerGroup,
			snapshotEvery: snapshotEvery,
		},
		api:       api,
		tcp:       tcp,
		scheduler: scheduler,
		registry:  registry,
		auditLog:  auditLog,
		scanSvc:   scanSvc,
		store:     st,
		consumer:  consumer,
	}
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdock.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdock.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func restoreSnapshot(st *pgdock.Storage, registry *docks.Registry, auditLog *audit.Log) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dockList, entries, err := st.LoadSnapshot(ctx)
	if err != nil {
		slog.Error("load snapshot", "error", err.Error())
		return
	}
	if dockList == nil {
		slog.Info("no snapshot, clean start")
		return
	}
	registry.Restore(dockList)
	auditLog.Restore(entries)
	slog.Info("snapshot restored", "docks", len(dockList), "audit", len(entries))
}

func (a *dockAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *dockAPIApp) Run() error {
	return runDockAPI(a.ctx, a.opts, dockAPIDeps{
		api:       a.api,
		tcp:       a.tcp,
		registry:  a.registry,
		auditLog:  a.auditLog,
		scans:     a.scanSvc,
		snapshots: a.store,
		consumer:  a.consumer,
	})
}
