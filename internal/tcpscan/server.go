package tcpscan

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/BearBump/DockBox/internal/services/scans"
	"github.com/pkg/errors"
)

// RateLimiter режет болтливые сканеры по адресу источника; nil — без лимита.
type RateLimiter interface {
	AllowScan(ctx context.Context, remoteIP string) (bool, int64, error)
}

type Opts struct {
	Addr string
	// DefaultDock — анден, на который падают сканы без явной цели.
	// Железные сканеры на этом порту шлют голые строки и андена не знают.
	DefaultDock int

	Limiter RateLimiter

	// OnListen дёргается с фактическим адресом; для тестов с ":0".
	OnListen func(addr string)
}

// Server принимает с порта сканера строки (текст или JSON, по одной на
// строку) и гонит их через общий пайплайн приёма.
type Server struct {
	opts Opts
	svc  *scans.Service

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(svc *scans.Service, opts Opts) *Server {
	if opts.Addr == "" {
		opts.Addr = ":4040"
	}
	if opts.DefaultDock <= 0 {
		opts.DefaultDock = 1
	}
	return &Server{
		opts:  opts,
		svc:   svc,
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrap(err, "tcp listen")
	}
	if s.opts.OnListen != nil {
		s.opts.OnListen(lis.Addr().String())
	}
	slog.Info("scanner port listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		_ = lis.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "tcp accept")
		}
		s.track(conn, true)
		go s.handle(ctx, conn)
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	remoteIP := remoteIP(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		if s.opts.Limiter != nil {
			ok, n, err := s.opts.Limiter.AllowScan(ctx, remoteIP)
			if err != nil {
				// Лимитер лёг — скан важнее лимита.
				slog.Error("scanner rate limit", "remote", remoteIP, "error", err.Error())
			} else if !ok {
				slog.Warn("scanner throttled", "remote", remoteIP, "count", n)
				_, _ = conn.Write([]byte("ERR rate limit\n"))
				continue
			}
		}

		raw := append([]byte(nil), line...)
		res, err := s.svc.Ingest(ctx, raw, scans.IngestOptions{
			Channel:     scans.ChannelSocket,
			DefaultDock: s.opts.DefaultDock,
		})
		if err != nil {
			slog.Warn("scan rejected", "remote", remoteIP, "error", err.Error())
			_, _ = conn.Write([]byte("ERR " + rejectReason(err) + "\n"))
			continue
		}
		_, _ = conn.Write([]byte("OK " + res.Pallet.ID + "\n"))
	}
	// Сканер, умерший посреди строки, виден только здесь.
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("scanner read", "remote", remoteIP, "error", err.Error())
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, scans.ErrCapacityExceeded):
		return "limite alcanzado"
	case errors.Is(err, scans.ErrBinaryPayload):
		return "payload ilegible"
	default:
		return "rechazado"
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
