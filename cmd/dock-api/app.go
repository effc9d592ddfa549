package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/DockBox/internal/api/dockapi"
	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/broker/messages"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/BearBump/DockBox/internal/services/scans"
	"github.com/BearBump/DockBox/internal/tcpscan"
)

type dockAPIOpts struct {
	httpAddr string

	scansTopic    string
	consumerGroup string

	snapshotEvery time.Duration

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type snapshotSaver interface {
	SaveSnapshot(ctx context.Context, docks []models.Dock, entries []models.AuditEntry) error
}

type dockAPIDeps struct {
	api      *dockapi.DockAPI
	tcp      *tcpscan.Server
	registry *docks.Registry
	auditLog *audit.Log
	scans    *scans.Service

	snapshots snapshotSaver
	consumer  kafkaConsumer
}

func runDockAPI(ctx context.Context, opts dockAPIOpts, deps dockAPIDeps) error {
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, deps.api.Router())
	}()

	tcpErr := make(chan error, 1)
	go func() {
		tcpErr <- deps.tcp.Run(ctx)
	}()

	if deps.consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.scansTopic, "group", opts.consumerGroup)
			_ = deps.consumer.Consume(ctx, func(_ []byte, value []byte) error {
				var m messages.ScanRequested
				if err := json.Unmarshal(value, &m); err != nil {
					// Кривое сообщение коммитим, иначе оно заклинит партицию.
					slog.Error("scan request decode", "error", err.Error())
					return nil
				}
				_, err := deps.scans.Ingest(ctx, m.Payload, scans.IngestOptions{
					Channel: scans.ChannelBroker,
					DockID:  m.DockID,
					Actor:   m.Source,
				})
				if err != nil {
					// Отказ пайплайна — это ответ, не сбой: сообщение обработано.
					slog.Warn("broker scan rejected", "dock", m.DockID, "error", err.Error())
				}
				return nil
			})
		}()
	}

	if deps.snapshots != nil && opts.snapshotEvery > 0 {
		go snapshotLoop(ctx, opts.snapshotEvery, deps)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-tcpErr:
		return err
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}

// snapshotLoop периодически сбрасывает живое состояние в Postgres по копии.
// Последний снимок пишется и на выходе, чтобы рестарт терял минимум.
func snapshotLoop(ctx context.Context, every time.Duration, deps dockAPIDeps) {
	t := time.NewTicker(every)
	defer t.Stop()

	save := func(saveCtx context.Context) {
		if err := deps.snapshots.SaveSnapshot(saveCtx, deps.registry.List(), deps.auditLog.Snapshot()); err != nil {
			slog.Error("save snapshot", "error", err.Error())
		}
	}

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(saveCtx)
			cancel()
			return
		case <-t.C:
			save(ctx)
		}
	}
}
