package scans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/broker/messages"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/pkg/errors"
)

var (
	ErrCapacityExceeded = errors.New("dock capacity exceeded")
	// ErrBinaryPayload — событие не JSON и не печатный ASCII; паллета не
	// создаётся, адаптер волен залогировать сырые байты сам.
	ErrBinaryPayload = errors.New("binary payload dropped")
)

// DuplicatePartError возвращается каналом прямого ввода номера детали,
// когда такая деталь уже есть в текущем цикле андена.
type DuplicatePartError struct {
	PartNumber string
	Existing   models.Pallet
}

func (e *DuplicatePartError) Error() string {
	return fmt.Sprintf("part %s already scanned (pallet %s)", e.PartNumber, e.Existing.ID)
}

// Channel определяет политику канала: откуда брать целевой анден и нужна ли
// проверка дубликата детали.
type Channel string

const (
	// ChannelScan — HTTP JSON от DataWedge (/api/scan): anden из payload'а.
	ChannelScan Channel = "scan"
	// ChannelDirect — ручной ввод номера детали; единственный канал с
	// проверкой дубликата: сканерные каналы легитимно пересканируют.
	ChannelDirect Channel = "direct"
	// ChannelText — текстовый HTTP-канал (/api/tcp): первый открытый анден.
	ChannelText Channel = "tcp"
	// ChannelSocket — сырой TCP-сокет: фиксированный анден по умолчанию.
	ChannelSocket Channel = "socket"
	// ChannelBroker — сканы, приехавшие через Kafka от шлюзов.
	ChannelBroker Channel = "kafka"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// LimitScheduler возвращает анден из транзитного Limite ya alcanzado
// обратно в Completado после короткого кулдауна.
type LimitScheduler interface {
	ScheduleLimitCooldown(dockID int)
}

type IngestOptions struct {
	Channel Channel
	// DockID — целевой анден из транспортного конверта (route param);
	// перекрывает anden из payload'а. 0 — не задан.
	DockID int
	// DefaultDock — запасной анден, если ни конверт, ни payload андена
	// не назвали; так работает порт железных сканеров.
	DefaultDock int
	Actor       string
}

type Result struct {
	Pallet models.Pallet
	Dock   models.Dock
}

// Service — воронка приёма сканов: нормализация, резолв андена, проверка
// ёмкости, запись паллеты, перерасчёт статуса, аудит.
type Service struct {
	registry *docks.Registry
	audit    *audit.Log

	defaultLimit int

	producer Producer
	topic    string

	limits LimitScheduler

	now func() time.Time
}

func New(registry *docks.Registry, auditLog *audit.Log, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 30
	}
	return &Service{
		registry:     registry,
		audit:        auditLog,
		defaultLimit: defaultLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

func (s *Service) WithLimitScheduler(ls LimitScheduler) *Service {
	s.limits = ls
	return s
}

// Ingest проводит одно сырое событие через весь пайплайн. Шаги от проверки
// ёмкости до перерасчёта статуса выполняются атомарно под локом андена;
// публикация в Kafka — уже снаружи, по копии.
func (s *Service) Ingest(ctx context.Context, raw []byte, opts IngestOptions) (Result, error) {
	n := Normalize(raw)
	if n.Kind == PayloadBinary {
		return Result{}, ErrBinaryPayload
	}

	dockID, err := s.resolveDock(opts, n)
	if err != nil {
		return Result{}, err
	}

	actor := opts.Actor
	if actor == "" {
		actor = "admin"
	}

	now := s.now()
	var (
		pallet      models.Pallet
		limitWasHit bool
	)
	dock, err := s.registry.Apply(dockID, func(d *models.Dock) error {
		limit := d.EffectiveLimit(s.defaultLimit)
		if len(d.Pallets) >= limit {
			// Транзитное состояние для табло, не сигнал ретрая.
			if d.Status != models.DockStatusLimitReached {
				d.Status = models.DockStatusLimitReached
				limitWasHit = true
			}
			return errors.Wrapf(ErrCapacityExceeded, "dock %d", d.ID)
		}

		if opts.Channel == ChannelDirect && n.PartNumber != placeholder {
			for _, p := range d.Pallets {
				if p.PartNumber == n.PartNumber {
					return &DuplicatePartError{PartNumber: n.PartNumber, Existing: p}
				}
			}
		}

		pallet = models.Pallet{
			ID:         newPalletID(now),
			Location:   n.Location,
			PartNumber: n.PartNumber,
			PalletCode: n.PalletCode,
			BoxCount:   n.BoxCount,
			ScannedAt:  now,
		}
		if pallet.Location == "" {
			pallet.Location = fmt.Sprintf("A%d", d.ID)
		}
		if pallet.PalletCode == "" {
			pallet.PalletCode = placeholder
		}
		if pallet.PartNumber == "" {
			pallet.PartNumber = pallet.PalletCode
		}

		if len(d.Pallets) == 0 && d.LoadingStartedAt == nil {
			t := now
			d.LoadingStartedAt = &t
		}
		d.Pallets = append(d.Pallets, pallet)
		t := now
		d.LastScanAt = &t

		if dest := strings.TrimSpace(n.Destination); dest != "" &&
			!strings.EqualFold(dest, "undefined") && !strings.EqualFold(dest, "sin definir") {
			d.Destination = dest
		}
		if n.DockBoxCount != nil {
			d.BoxCount = *n.DockBoxCount
		}

		prev := d.Status
		d.Status = models.DeriveStatus(len(d.Pallets), limit)
		if d.Status == models.DockStatusCompleted && prev != models.DockStatusCompleted {
			ct := now
			d.CompletedAt = &ct
		}
		return nil
	})
	if err != nil {
		if limitWasHit && s.limits != nil {
			s.limits.ScheduleLimitCooldown(dockID)
		}
		return Result{}, err
	}

	s.registry.AddRecentScan(dockID, pallet)

	auditCode := pallet.PalletCode
	if auditCode == placeholder && pallet.PartNumber != placeholder {
		auditCode = pallet.PartNumber
	}
	s.audit.RecordAll(
		models.AuditEntry{
			Timestamp: now,
			DockID:    &dockID,
			Kind:      models.AuditKindScan,
			Code:      auditCode,
			Actor:     actor,
			Note:      fmt.Sprintf("Escaneo registrado (canal %s)", opts.Channel),
		},
		models.AuditEntry{
			Timestamp: now,
			DockID:    &dockID,
			Kind:      models.AuditKindStatus,
			Code:      dock.Status,
			Actor:     models.ActorSystem,
			Note:      "Cambio de status por escaneo",
		},
	)

	s.publish(ctx, messages.DockUpdated{
		DockID:      dock.ID,
		Event:       messages.EventScan,
		Status:      dock.Status,
		PalletCount: dock.PalletCount,
		PalletCode:  pallet.PalletCode,
		Destination: dock.Destination,
		OccurredAt:  now,
	})

	return Result{Pallet: pallet, Dock: dock}, nil
}

// RemovePallet убирает одну паллету из активного цикла и заново выводит
// статус из количества.
func (s *Service) RemovePallet(ctx context.Context, dockID int, palletID, actor string) (models.Dock, error) {
	if actor == "" {
		actor = "admin"
	}
	now := s.now()
	var removed models.Pallet
	dock, err := s.registry.Apply(dockID, func(d *models.Dock) error {
		idx := -1
		for i, p := range d.Pallets {
			if p.ID == palletID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.Wrapf(docks.ErrDockNotFound, "pallet %s in dock %d", palletID, dockID)
		}
		removed = d.Pallets[idx]
		d.Pallets = append(d.Pallets[:idx], d.Pallets[idx+1:]...)

		d.Status = models.DeriveStatus(len(d.Pallets), d.EffectiveLimit(s.defaultLimit))
		return nil
	})
	if err != nil {
		return models.Dock{}, err
	}

	s.audit.Record(models.AuditEntry{
		Timestamp: now,
		DockID:    &dockID,
		Kind:      models.AuditKindRemoval,
		Code:      removed.PalletCode,
		Actor:     actor,
		Note:      "Pallet eliminado manualmente",
	})

	s.publish(ctx, messages.DockUpdated{
		DockID:      dock.ID,
		Event:       messages.EventStatus,
		Status:      dock.Status,
		PalletCount: dock.PalletCount,
		OccurredAt:  now,
	})
	return dock, nil
}

func (s *Service) resolveDock(opts IngestOptions, n Normalized) (int, error) {
	explicit := opts.DockID
	if explicit == 0 {
		explicit = n.DockID
	}
	if explicit == 0 {
		explicit = opts.DefaultDock
	}
	if explicit != 0 {
		if _, err := s.registry.Get(explicit); err != nil {
			return 0, err
		}
		return explicit, nil
	}
	d, err := s.registry.FindFirstAvailable()
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (s *Service) publish(ctx context.Context, msg messages.DockUpdated) {
	if s.producer == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := []byte(strconv.Itoa(msg.DockID))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		// Табло живёт и без брокера.
		slog.Error("publish dock update", "dock", msg.DockID, "error", err.Error())
	}
}

// newPalletID — время в base36 плюс короткий случайный суффикс; уникальности
// в рамках активного цикла андена достаточно.
func newPalletID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 5)
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + string(suffix)
}
