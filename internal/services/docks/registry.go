package docks

import (
	"sync"

	"github.com/BearBump/DockBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrDockNotFound    = errors.New("dock not found")
	ErrNoDockAvailable = errors.New("no dock available")
	// ErrStaleCycle возвращается, когда отложенный коллбэк пришёл к андену,
	// цикл которого уже сброшен.
	ErrStaleCycle = errors.New("dock cycle already reset")
)

const (
	defaultDockCount   = 6
	defaultScanHistory = 30
)

// Registry владеет фиксированной таблицей анденов. Вся мутация идёт через
// Apply под пер-анденным локом; сырой слайс наружу не отдаётся, только копии.
type Registry struct {
	defaultLimit   int
	scanHistoryCap int
	slots          []*dockSlot
}

type dockSlot struct {
	mu sync.Mutex
	d  models.Dock
	// gen растёт при каждом сбросе цикла; таймеры жизненного цикла сверяют
	// его, чтобы не сработать по чужому циклу.
	gen    uint64
	recent []models.Pallet
}

func NewRegistry(count, defaultLimit int) *Registry {
	if count <= 0 {
		count = defaultDockCount
	}
	r := &Registry{
		defaultLimit:   defaultLimit,
		scanHistoryCap: defaultScanHistory,
		slots:          make([]*dockSlot, count),
	}
	for i := range r.slots {
		r.slots[i] = &dockSlot{d: models.Dock{
			ID:      i + 1,
			Status:  models.DockStatusAvailable,
			Pallets: []models.Pallet{},
		}}
	}
	return r
}

func (r *Registry) Count() int { return len(r.slots) }

func (r *Registry) slot(id int) (*dockSlot, error) {
	if id < 1 || id > len(r.slots) {
		return nil, errors.Wrapf(ErrDockNotFound, "dock %d", id)
	}
	return r.slots[id-1], nil
}

func (r *Registry) Get(id int) (models.Dock, error) {
	s, err := r.slot(id)
	if err != nil {
		return models.Dock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Clone(), nil
}

// FindFirstAvailable возвращает первый анден, открытый для автоназначения:
// всё, кроме Completado и Limite ya alcanzado.
func (r *Registry) FindFirstAvailable() (models.Dock, error) {
	for _, s := range r.slots {
		s.mu.Lock()
		open := s.d.Status != models.DockStatusCompleted && s.d.Status != models.DockStatusLimitReached
		d := s.d.Clone()
		s.mu.Unlock()
		if open {
			return d, nil
		}
	}
	return models.Dock{}, ErrNoDockAvailable
}

// Apply выполняет fn над анденом под его локом. Ошибка из fn отменяет вызов;
// fn на пути отказа не должна мутировать анден (кроме оговорённых
// side-effect'ов вроде Limite ya alcanzado).
func (r *Registry) Apply(id int, fn func(d *models.Dock) error) (models.Dock, error) {
	s, err := r.slot(id)
	if err != nil {
		return models.Dock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.d); err != nil {
		return s.d.Clone(), err
	}
	s.d.PalletCount = len(s.d.Pallets)
	return s.d.Clone(), nil
}

// ApplyGen — как Apply, но срабатывает только если цикл андена ещё тот же.
func (r *Registry) ApplyGen(id int, gen uint64, fn func(d *models.Dock) error) (models.Dock, error) {
	s, err := r.slot(id)
	if err != nil {
		return models.Dock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return models.Dock{}, ErrStaleCycle
	}
	if err := fn(&s.d); err != nil {
		return s.d.Clone(), err
	}
	s.d.PalletCount = len(s.d.Pallets)
	return s.d.Clone(), nil
}

func (r *Registry) CycleGen(id int) (uint64, error) {
	s, err := r.slot(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, nil
}

// ResetCycle очищает анден под новый цикл. Повторный сброс уже пустого
// андена — no-op: changed=false, gen не растёт.
func (r *Registry) ResetCycle(id int, target string) (models.Dock, bool, error) {
	if target == "" {
		target = models.DockStatusAvailable
	}
	s, err := r.slot(id)
	if err != nil {
		return models.Dock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &s.d
	if d.Status == target && len(d.Pallets) == 0 && d.Destination == "" &&
		d.BoxCount == 0 && d.TruckLimit == 0 && d.LastScanAt == nil {
		return d.Clone(), false, nil
	}

	*d = models.Dock{
		ID:      d.ID,
		Status:  target,
		Pallets: []models.Pallet{},
	}
	s.gen++
	return d.Clone(), true, nil
}

// ResetCycleGen — как ResetCycle, но только если цикл ещё тот же и анден
// всё ещё в ожидаемом статусе. Для отложенных сбросов: ручная правка статуса
// до срабатывания таймера делает сброс no-op'ом, а не затирает новый цикл.
func (r *Registry) ResetCycleGen(id int, gen uint64, expectStatus, target string) (models.Dock, bool, error) {
	if target == "" {
		target = models.DockStatusAvailable
	}
	s, err := r.slot(id)
	if err != nil {
		return models.Dock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return models.Dock{}, false, ErrStaleCycle
	}
	if expectStatus != "" && s.d.Status != expectStatus {
		return s.d.Clone(), false, nil
	}

	s.d = models.Dock{
		ID:      s.d.ID,
		Status:  target,
		Pallets: []models.Pallet{},
	}
	s.gen++
	return s.d.Clone(), true, nil
}

// List отдаёт снапшот всех анденов по порядку id.
func (r *Registry) List() []models.Dock {
	out := make([]models.Dock, 0, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		out = append(out, s.d.Clone())
		s.mu.Unlock()
	}
	return out
}

// AddRecentScan пишет скан в короткую историю андена (новые впереди, кап 30).
func (r *Registry) AddRecentScan(id int, p models.Pallet) {
	s, err := r.slot(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append([]models.Pallet{p}, s.recent...)
	if len(s.recent) > r.scanHistoryCap {
		s.recent = s.recent[:r.scanHistoryCap]
	}
}

// RecentScans возвращает историю сканов, сгруппированную по id андена.
func (r *Registry) RecentScans() map[int][]models.Pallet {
	out := make(map[int][]models.Pallet, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		if len(s.recent) > 0 {
			out[s.d.ID] = append([]models.Pallet(nil), s.recent...)
		}
		s.mu.Unlock()
	}
	return out
}

// Restore массово загружает состояние из снапшота. Единственный путь мутации
// извне, кроме каналов приёма; вызывается до старта слушателей.
func (r *Registry) Restore(docks []models.Dock) {
	for _, d := range docks {
		s, err := r.slot(d.ID)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.d = d.Clone()
		if s.d.Pallets == nil {
			s.d.Pallets = []models.Pallet{}
		}
		s.d.PalletCount = len(s.d.Pallets)
		s.mu.Unlock()
	}
}
