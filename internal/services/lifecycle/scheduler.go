package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/broker/messages"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidTransition — переход запрошен из статуса, в котором он не имеет
// смысла (documentar без завершённой погрузки и т.п.).
var ErrInvalidTransition = errors.New("invalid status transition")

// CycleStore дописывает закрытые циклы в постоянную историю.
type CycleStore interface {
	SaveCycleRecord(ctx context.Context, rec models.CycleRecord) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Config struct {
	// DocumentToShip — пауза между документированием и авто-embarque.
	DocumentToShip time.Duration
	// ShipReset — пауза между embarque и освобождением андена.
	ShipReset time.Duration
	// LimitCooldown — транзитный Limite ya alcanzado держится столько.
	LimitCooldown time.Duration
	// ResetTarget — статус после сброса цикла; исторически гулял между
	// Disponible и En espera, поэтому конфигурируем.
	ResetTarget string
}

func (c *Config) withDefaults() {
	if c.DocumentToShip <= 0 {
		c.DocumentToShip = 5 * time.Minute
	}
	if c.ShipReset <= 0 {
		c.ShipReset = 5 * time.Minute
	}
	if c.LimitCooldown <= 0 {
		c.LimitCooldown = 2 * time.Second
	}
	if c.ResetTarget == "" {
		c.ResetTarget = models.DockStatusAvailable
	}
}

// Scheduler двигает андены по складскому времени: Documentado -> Embarcado ->
// сброс, плюс короткий кулдаун после перелива лимита. Каждый переход — свой
// таймер на анден; протухшие таймеры отсеиваются по статусу и поколению цикла.
type Scheduler struct {
	registry *docks.Registry
	audit    *audit.Log
	store    CycleStore
	cfg      Config

	producer Producer
	topic    string

	now func() time.Time

	mu      sync.Mutex
	timers  map[int]*time.Timer
	stopped bool
}

func New(registry *docks.Registry, auditLog *audit.Log, store CycleStore, cfg Config) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		registry: registry,
		audit:    auditLog,
		store:    store,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[int]*time.Timer),
	}
}

func (s *Scheduler) WithProducer(p Producer, topic string) *Scheduler {
	s.producer = p
	s.topic = topic
	return s
}

// Stop гасит все отложенные переходы. Состояние анденов не трогается:
// недолетевшие таймеры восстановит RecoverInFlight при следующем старте.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// schedule ставит единственный таймер андена: состояния жизненного цикла
// взаимоисключающие, поэтому новый переход всегда вытесняет старый.
func (s *Scheduler) schedule(dockID int, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[dockID]; ok {
		prev.Stop()
	}
	s.timers[dockID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, dockID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
}

// Document фиксирует начало оформления бумаг и взводит авто-embarque.
func (s *Scheduler) Document(ctx context.Context, dockID int, user string) (models.Dock, error) {
	if user == "" {
		user = "admin"
	}
	now := s.now()
	dock, err := s.registry.Apply(dockID, func(d *models.Dock) error {
		if d.Status != models.DockStatusCompleted {
			return errors.Wrapf(ErrInvalidTransition, "documentar from %q", d.Status)
		}
		d.Status = models.DockStatusDocumented
		t := now
		d.DocumentedAt = &t
		u := user
		d.DocumentingUser = &u
		return nil
	})
	if err != nil {
		return models.Dock{}, err
	}

	s.audit.Record(models.AuditEntry{
		Timestamp: now,
		DockID:    &dockID,
		Kind:      models.AuditKindStatus,
		Code:      models.DockStatusDocumented,
		Actor:     user,
		Note:      "Documentacion iniciada",
	})
	s.publish(ctx, dock, messages.EventCycle, now)

	gen, err := s.registry.CycleGen(dockID)
	if err != nil {
		return dock, nil
	}
	s.schedule(dockID, s.cfg.DocumentToShip, func() {
		s.shipFromTimer(dockID, gen)
	})
	return dock, nil
}

// Ship — ручной embarque; допустим и напрямую из Completado, минуя
// документирование.
func (s *Scheduler) Ship(ctx context.Context, dockID int, user string) (models.Dock, error) {
	if user == "" {
		user = "admin"
	}
	now := s.now()
	dock, err := s.registry.Apply(dockID, func(d *models.Dock) error {
		if d.Status != models.DockStatusCompleted && d.Status != models.DockStatusDocumented {
			return errors.Wrapf(ErrInvalidTransition, "embarcar from %q", d.Status)
		}
		s.markShipped(d, user, now)
		return nil
	})
	if err != nil {
		return models.Dock{}, err
	}

	s.finishShip(ctx, dock, user, now)
	return dock, nil
}

// shipFromTimer — авто-embarque по таймеру документирования. Срабатывает
// только если цикл тот же и анден всё ещё Documentado: ручной embarque или
// сброс до таймера делают коллбэк пустым (ровно один CycleRecord на цикл).
// Embarque записывается от имени документировавшего, а не системы.
func (s *Scheduler) shipFromTimer(dockID int, gen uint64) {
	now := s.now()
	stale := false
	user := models.ActorSystem
	dock, err := s.registry.ApplyGen(dockID, gen, func(d *models.Dock) error {
		if d.Status != models.DockStatusDocumented {
			stale = true
			return nil
		}
		if d.DocumentingUser != nil && *d.DocumentingUser != "" {
			user = *d.DocumentingUser
		}
		s.markShipped(d, user, now)
		return nil
	})
	if err != nil || stale {
		return
	}
	s.finishShip(context.Background(), dock, user, now)
}

func (s *Scheduler) markShipped(d *models.Dock, user string, now time.Time) {
	d.Status = models.DockStatusShipped
	t := now
	d.ShippedAt = &t
	u := user
	d.ShippingUser = &u
}

// finishShip выполняет всё, что не требует лока андена: снапшот цикла,
// аудит, публикацию и таймер сброса. dock — уже снятая копия.
func (s *Scheduler) finishShip(ctx context.Context, dock models.Dock, user string, now time.Time) {
	rec := newCycleRecord(dock, user, now)
	if s.store != nil {
		if err := s.store.SaveCycleRecord(ctx, rec); err != nil {
			// Живое состояние важнее истории: сброс всё равно поедет.
			slog.Error("save cycle record", "dock", dock.ID, "error", err.Error())
		}
	}

	s.audit.Record(models.AuditEntry{
		Timestamp: now,
		DockID:    &dock.ID,
		Kind:      models.AuditKindStatus,
		Code:      models.DockStatusShipped,
		Actor:     user,
		Note:      fmt.Sprintf("Embarque con %d pallets", len(dock.Pallets)),
	})
	s.publish(ctx, dock, messages.EventCycle, now)

	gen, err := s.registry.CycleGen(dock.ID)
	if err != nil {
		return
	}
	s.schedule(dock.ID, s.cfg.ShipReset, func() {
		s.resetFromTimer(dock.ID, gen)
	})
}

func (s *Scheduler) resetFromTimer(dockID int, gen uint64) {
	now := s.now()
	dock, changed, err := s.registry.ResetCycleGen(dockID, gen, models.DockStatusShipped, s.cfg.ResetTarget)
	if err != nil || !changed {
		return
	}

	s.audit.Record(models.AuditEntry{
		Timestamp: now,
		DockID:    &dockID,
		Kind:      models.AuditKindStatus,
		Code:      dock.Status,
		Actor:     models.ActorSystem,
		Note:      "Ciclo cerrado, anden liberado",
	})
	s.publish(context.Background(), dock, messages.EventCycle, now)
}

// ScheduleLimitCooldown возвращает анден из Limite ya alcanzado в Completado.
func (s *Scheduler) ScheduleLimitCooldown(dockID int) {
	gen, err := s.registry.CycleGen(dockID)
	if err != nil {
		return
	}
	s.schedule(dockID, s.cfg.LimitCooldown, func() {
		now := s.now()
		cooled := false
		dock, err := s.registry.ApplyGen(dockID, gen, func(d *models.Dock) error {
			if d.Status != models.DockStatusLimitReached {
				return nil
			}
			d.Status = models.DockStatusCompleted
			cooled = true
			return nil
		})
		if err != nil || !cooled {
			return
		}
		s.audit.Record(models.AuditEntry{
			Timestamp: now,
			DockID:    &dockID,
			Kind:      models.AuditKindStatus,
			Code:      models.DockStatusCompleted,
			Actor:     models.ActorSystem,
			Note:      "Limite despejado",
		})
		s.publish(context.Background(), dock, messages.EventStatus, now)
	})
}

// RecoverInFlight перевзводит таймеры, потерянные на рестарте: Embarcado ждёт
// сброса, Documentado — авто-embarque. Вызывается после Restore, до запуска
// слушателей.
func (s *Scheduler) RecoverInFlight() {
	for _, d := range s.registry.List() {
		gen, err := s.registry.CycleGen(d.ID)
		if err != nil {
			continue
		}
		switch d.Status {
		case models.DockStatusShipped:
			id, g := d.ID, gen
			s.schedule(id, s.cfg.ShipReset, func() {
				s.resetFromTimer(id, g)
			})
		case models.DockStatusDocumented:
			id, g := d.ID, gen
			s.schedule(id, s.cfg.DocumentToShip, func() {
				s.shipFromTimer(id, g)
			})
		case models.DockStatusLimitReached:
			s.ScheduleLimitCooldown(d.ID)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, dock models.Dock, event string, now time.Time) {
	if s.producer == nil {
		return
	}
	b, err := json.Marshal(messages.DockUpdated{
		DockID:      dock.ID,
		Event:       event,
		Status:      dock.Status,
		PalletCount: dock.PalletCount,
		Destination: dock.Destination,
		OccurredAt:  now,
	})
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(strconv.Itoa(dock.ID)), b); err != nil {
		slog.Error("publish cycle event", "dock", dock.ID, "error", err.Error())
	}
}

func newCycleRecord(dock models.Dock, user string, shippedAt time.Time) models.CycleRecord {
	return models.CycleRecord{
		ID:               uuid.NewString(),
		DockID:           dock.ID,
		Destination:      dock.Destination,
		BoxCount:         dock.BoxCount,
		TruckLimit:       dock.TruckLimit,
		Pallets:          append([]models.Pallet(nil), dock.Pallets...),
		LoadingStartedAt: dock.LoadingStartedAt,
		CompletedAt:      dock.CompletedAt,
		DocumentedAt:     dock.DocumentedAt,
		ShippedAt:        shippedAt,
		DocumentingUser:  dock.DocumentingUser,
		ShippingUser:     user,
		CreatedAt:        shippedAt,
	}
}
