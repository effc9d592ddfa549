package models

import "time"

// Статусы андена. Значения — ровно те строки, которые ждут фронтенд и сканеры.
const (
	DockStatusAvailable    = "Disponible"
	DockStatusWaiting      = "En espera"
	DockStatusLoading      = "Cargando"
	DockStatusCompleted    = "Completado"
	DockStatusDocumented   = "Documentado"
	DockStatusShipped      = "Embarcado"
	DockStatusLimitReached = "Limite ya alcanzado"
)

// ActorSystem — псевдо-пользователь для автоматических переходов.
const ActorSystem = "Sistema"

type Pallet struct {
	ID         string    `json:"id"`
	Location   string    `json:"ubicacion"`
	PartNumber string    `json:"numeroParte"`
	PalletCode string    `json:"codigoPallet"`
	BoxCount   *int      `json:"piezas,omitempty"`
	ScannedAt  time.Time `json:"timestamp"`
}

type Dock struct {
	ID          int      `json:"id"`
	Status      string   `json:"status"`
	Destination string   `json:"destino"`
	BoxCount    int      `json:"numeroCajas"`
	TruckLimit  int      `json:"limiteCamion"`
	Pallets     []Pallet `json:"pallets"`
	PalletCount int      `json:"cantidad"`

	LastScanAt       *time.Time `json:"ultimaFechaEscaneo"`
	LoadingStartedAt *time.Time `json:"horaInicioEscaneo"`
	CompletedAt      *time.Time `json:"horaCompletado"`
	DocumentedAt     *time.Time `json:"horaDocumentado"`
	ShippedAt        *time.Time `json:"horaEmbarcado"`

	DocumentingUser *string `json:"usuarioDocumenta"`
	ShippingUser    *string `json:"usuarioEmbarca"`
}

// EffectiveLimit возвращает действующий лимит тарим: limiteCamion, если задан,
// иначе дефолт (исторически 30).
func (d *Dock) EffectiveLimit(def int) int {
	if d.TruckLimit > 0 {
		return d.TruckLimit
	}
	return def
}

// DeriveStatus выводит статус фазы погрузки из количества паллет и лимита.
// Не применяется к override-состояниям (Documentado, Embarcado, Disponible).
func DeriveStatus(count, limit int) string {
	switch {
	case count >= limit:
		return DockStatusCompleted
	case count > 0:
		return DockStatusLoading
	default:
		return DockStatusWaiting
	}
}

// Clone делает глубокую копию: снапшоты андена не должны делить слайс паллет
// с живой записью.
func (d *Dock) Clone() Dock {
	out := *d
	out.Pallets = append([]Pallet(nil), d.Pallets...)
	return out
}

// CycleRecord — неизменяемый снимок одного цикла погрузки, снятый в момент
// embarque. Живое состояние андена после этого сбрасывается, запись — нет.
type CycleRecord struct {
	ID          string   `json:"cicloId"`
	DockID      int      `json:"anden"`
	Destination string   `json:"destino"`
	BoxCount    int      `json:"numeroCajas"`
	TruckLimit  int      `json:"limiteCamion"`
	Pallets     []Pallet `json:"pallets"`

	LoadingStartedAt *time.Time `json:"horaInicioEscaneo"`
	CompletedAt      *time.Time `json:"horaCompletado"`
	DocumentedAt     *time.Time `json:"horaDocumentado"`
	ShippedAt        time.Time  `json:"horaEmbarcado"`

	DocumentingUser *string   `json:"usuarioDocumenta"`
	ShippingUser    string    `json:"usuarioEmbarca"`
	CreatedAt       time.Time `json:"fechaHora"`
}
