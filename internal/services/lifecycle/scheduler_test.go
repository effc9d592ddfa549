package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type storeFake struct {
	mu   sync.Mutex
	recs []models.CycleRecord
	err  error
}

func (f *storeFake) SaveCycleRecord(_ context.Context, rec models.CycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *storeFake) records() []models.CycleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CycleRecord(nil), f.recs...)
}

func fillCompleted(t *testing.T, reg *docks.Registry, dockID, pallets int) {
	t.Helper()
	_, err := reg.Apply(dockID, func(d *models.Dock) error {
		for i := 0; i < pallets; i++ {
			d.Pallets = append(d.Pallets, models.Pallet{ID: "p", PalletCode: "CP"})
		}
		d.Status = models.DockStatusCompleted
		d.Destination = "Dallas"
		return nil
	})
	require.NoError(t, err)
}

func waitStatus(t *testing.T, reg *docks.Registry, dockID int, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := reg.Get(dockID)
		return err == nil && d.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDocument_RequiresCompleted(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	s := New(reg, audit.New(100), &storeFake{}, Config{})
	defer s.Stop()

	_, err := s.Document(context.Background(), 1, "maria")
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestDocument_AutoShipAndReset(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	log := audit.New(100)
	store := &storeFake{}
	s := New(reg, log, store, Config{
		DocumentToShip: 20 * time.Millisecond,
		ShipReset:      20 * time.Millisecond,
	})
	defer s.Stop()

	fillCompleted(t, reg, 1, 3)
	dock, err := s.Document(context.Background(), 1, "maria")
	require.NoError(t, err)
	require.Equal(t, models.DockStatusDocumented, dock.Status)
	require.NotNil(t, dock.DocumentedAt)
	require.NotNil(t, dock.DocumentingUser)
	require.Equal(t, "maria", *dock.DocumentingUser)

	// Промежуточный Embarcado слишком короток, чтобы его ловить; конечное
	// состояние и запись цикла доказывают оба перехода.
	waitStatus(t, reg, 1, models.DockStatusAvailable)

	// Цикл снят ровно один раз, со всеми паллетами на момент embarque.
	// Авто-embarque идёт от имени документировавшего, не "Sistema".
	recs := store.records()
	require.Len(t, recs, 1)
	require.Equal(t, 1, recs[0].DockID)
	require.Equal(t, "Dallas", recs[0].Destination)
	require.Len(t, recs[0].Pallets, 3)
	require.Equal(t, "maria", recs[0].ShippingUser)
	require.NotNil(t, recs[0].DocumentingUser)
	require.Equal(t, "maria", *recs[0].DocumentingUser)
	require.NotEmpty(t, recs[0].ID)

	// Сам анден пуст, запись цикла не тронута.
	d, err := reg.Get(1)
	require.NoError(t, err)
	require.Empty(t, d.Pallets)
	require.Empty(t, d.Destination)
	require.Len(t, store.records()[0].Pallets, 3)
}

func TestManualShipBeforeDocTimer_SingleRecord(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	store := &storeFake{}
	s := New(reg, audit.New(100), store, Config{
		DocumentToShip: 30 * time.Millisecond,
		ShipReset:      time.Hour,
	})
	defer s.Stop()

	fillCompleted(t, reg, 1, 2)
	_, err := s.Document(context.Background(), 1, "maria")
	require.NoError(t, err)

	// Ручной embarque обгоняет таймер документирования.
	dock, err := s.Ship(context.Background(), 1, "jorge")
	require.NoError(t, err)
	require.Equal(t, models.DockStatusShipped, dock.Status)
	require.Equal(t, "jorge", *dock.ShippingUser)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, store.records(), 1)
	require.Equal(t, "jorge", store.records()[0].ShippingUser)
}

func TestShip_DirectFromCompleted(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	store := &storeFake{}
	s := New(reg, audit.New(100), store, Config{ShipReset: 20 * time.Millisecond, ResetTarget: models.DockStatusWaiting})
	defer s.Stop()

	fillCompleted(t, reg, 1, 1)
	_, err := s.Ship(context.Background(), 1, "jorge")
	require.NoError(t, err)

	// Цель сброса конфигурируема.
	waitStatus(t, reg, 1, models.DockStatusWaiting)
	require.Len(t, store.records(), 1)
}

func TestShip_InvalidFromEmpty(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	s := New(reg, audit.New(100), &storeFake{}, Config{})
	defer s.Stop()

	_, err := s.Ship(context.Background(), 1, "jorge")
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStoreFailureDoesNotBlockReset(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	store := &storeFake{err: errors.New("disk full")}
	s := New(reg, audit.New(100), store, Config{ShipReset: 20 * time.Millisecond})
	defer s.Stop()

	fillCompleted(t, reg, 1, 1)
	_, err := s.Ship(context.Background(), 1, "jorge")
	require.NoError(t, err)

	waitStatus(t, reg, 1, models.DockStatusAvailable)
}

func TestLimitCooldown(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	log := audit.New(100)
	s := New(reg, log, &storeFake{}, Config{LimitCooldown: 20 * time.Millisecond})
	defer s.Stop()

	_, err := reg.Apply(1, func(d *models.Dock) error {
		d.Pallets = append(d.Pallets, models.Pallet{})
		d.TruckLimit = 1
		d.Status = models.DockStatusLimitReached
		return nil
	})
	require.NoError(t, err)

	s.ScheduleLimitCooldown(1)
	waitStatus(t, reg, 1, models.DockStatusCompleted)

	entries := log.Query(1, 0)
	require.Equal(t, models.AuditKindStatus, entries[0].Kind)
	require.Equal(t, models.ActorSystem, entries[0].Actor)
}

func TestLimitCooldown_SkipsIfStatusMoved(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	log := audit.New(100)
	s := New(reg, log, &storeFake{}, Config{LimitCooldown: 20 * time.Millisecond})
	defer s.Stop()

	_, err := reg.Apply(1, func(d *models.Dock) error {
		d.Status = models.DockStatusLimitReached
		return nil
	})
	require.NoError(t, err)
	s.ScheduleLimitCooldown(1)

	// Оператор успел поправить лимит и статус до кулдауна.
	_, err = reg.Apply(1, func(d *models.Dock) error {
		d.Status = models.DockStatusLoading
		return nil
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	d, err := reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusLoading, d.Status)
	require.Zero(t, log.Len())
}

func TestRecoverInFlight(t *testing.T) {
	reg := docks.NewRegistry(3, 30)
	store := &storeFake{}
	s := New(reg, audit.New(100), store, Config{
		DocumentToShip: 20 * time.Millisecond,
		ShipReset:      20 * time.Millisecond,
	})
	defer s.Stop()

	// Как после рестарта: снапшот вернул андены в промежуточных состояниях.
	pedro := "pedro"
	reg.Restore([]models.Dock{
		{ID: 1, Status: models.DockStatusShipped, Pallets: []models.Pallet{{ID: "p"}}},
		{ID: 2, Status: models.DockStatusDocumented, DocumentingUser: &pedro, Pallets: []models.Pallet{{ID: "q"}}},
	})

	s.RecoverInFlight()

	waitStatus(t, reg, 1, models.DockStatusAvailable)
	waitStatus(t, reg, 2, models.DockStatusAvailable)

	// Эмбаркадо-анден на рекавери не порождает нового CycleRecord
	// (снапшот был снят до рестарта), документированный — порождает,
	// и embarque приписывается документировавшему из снапшота.
	require.Len(t, store.records(), 1)
	require.Equal(t, 2, store.records()[0].DockID)
	require.Equal(t, "pedro", store.records()[0].ShippingUser)
}

func TestStop_CancelsTimers(t *testing.T) {
	reg := docks.NewRegistry(1, 30)
	store := &storeFake{}
	s := New(reg, audit.New(100), store, Config{DocumentToShip: 20 * time.Millisecond})

	fillCompleted(t, reg, 1, 1)
	_, err := s.Document(context.Background(), 1, "maria")
	require.NoError(t, err)

	s.Stop()
	time.Sleep(60 * time.Millisecond)

	d, err := reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusDocumented, d.Status)
	require.Empty(t, store.records())
}
