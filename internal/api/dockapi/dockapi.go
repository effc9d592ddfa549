package dockapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/cache/rediscache"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/BearBump/DockBox/internal/services/lifecycle"
	"github.com/BearBump/DockBox/internal/services/scans"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// CycleLister читает постоянную историю циклов.
type CycleLister interface {
	ListCycleRecords(ctx context.Context, dockID, limit, offset int) ([]models.CycleRecord, error)
}

// BoardCache — кэш ответа табло; nil допустим, тогда каждый GET идёт в реестр.
type BoardCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// DockAPI — HTTP-фасад для табло и сканеров. Вся доменная логика живёт в
// сервисах; здесь только разбор запросов, маппинг ошибок и кэш табло.
type DockAPI struct {
	registry  *docks.Registry
	scans     *scans.Service
	lifecycle *lifecycle.Scheduler
	audit     *audit.Log
	cycles    CycleLister

	cache    BoardCache
	boardTTL time.Duration

	defaultLimit int
	startedAt    time.Time
}

func New(registry *docks.Registry, scanSvc *scans.Service, sched *lifecycle.Scheduler, auditLog *audit.Log, defaultLimit int) *DockAPI {
	if defaultLimit <= 0 {
		defaultLimit = 30
	}
	return &DockAPI{
		registry:     registry,
		scans:        scanSvc,
		lifecycle:    sched,
		audit:        auditLog,
		defaultLimit: defaultLimit,
		startedAt:    time.Now().UTC(),
	}
}

func (a *DockAPI) WithCycleLister(cl CycleLister) *DockAPI {
	a.cycles = cl
	return a
}

func (a *DockAPI) WithBoardCache(c BoardCache, ttl time.Duration) *DockAPI {
	a.cache = c
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	a.boardTTL = ttl
	return a
}

func (a *DockAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.health)
		r.Get("/andenes", a.listDocks)
		r.Get("/historial", a.listAudit)
		r.Get("/escaneos", a.listRecentScans)
		r.Get("/ciclos", a.listCycles)
		r.Post("/scan", a.ingestScan)
		r.Post("/tcp", a.ingestText)

		r.Route("/andenes/{id}", func(r chi.Router) {
			r.Get("/", a.getDock)
			r.Put("/", a.updateDock)
			r.Get("/historial", a.dockRecentScans)
			r.Get("/ciclos", a.dockCycles)
			r.Post("/destino", a.setDestination)
			r.Post("/caja", a.setBoxCount)
			r.Post("/limite", a.setTruckLimit)
			r.Post("/pallet", a.addPallet)
			r.Post("/completar", a.forceComplete)
			r.Post("/documentar", a.document)
			r.Post("/embarcar", a.ship)
			r.Delete("/pallets/{palletId}", a.removePallet)
		})
	})
	return r
}

func (a *DockAPI) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"andenes":       a.registry.Count(),
		"uptimeSeconds": int(time.Since(a.startedAt).Seconds()),
	})
}

func (a *DockAPI) listDocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.cache != nil {
		if b, ok, err := a.cache.Get(ctx, rediscache.BoardKey); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(b)
			return
		}
	}

	b, err := json.Marshal(a.registry.List())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if a.cache != nil {
		_ = a.cache.Set(ctx, rediscache.BoardKey, b, a.boardTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (a *DockAPI) getDock(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	d, err := a.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// updateBody покрывает и PUT целиком, и одиночные POST-правки полей.
type updateBody struct {
	Status      *string `json:"status"`
	Destination *string `json:"destino"`
	BoxCount    *int    `json:"numeroCajas"`
	TruckLimit  *int    `json:"limiteCamion"`
	Actor       string  `json:"usuario"`
}

func (a *DockAPI) updateDock(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	a.applyFieldEdits(r.Context(), w, id, body)
}

func (a *DockAPI) setDestination(w http.ResponseWriter, r *http.Request) {
	a.fieldEdit(w, r, func(body *updateBody) bool { return body.Destination != nil })
}

func (a *DockAPI) setBoxCount(w http.ResponseWriter, r *http.Request) {
	a.fieldEdit(w, r, func(body *updateBody) bool { return body.BoxCount != nil })
}

func (a *DockAPI) setTruckLimit(w http.ResponseWriter, r *http.Request) {
	a.fieldEdit(w, r, func(body *updateBody) bool { return body.TruckLimit != nil })
}

func (a *DockAPI) fieldEdit(w http.ResponseWriter, r *http.Request, present func(*updateBody) bool) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	if !present(&body) {
		writeError(w, http.StatusBadRequest, errors.New("missing field"))
		return
	}
	body.Status = nil
	a.applyFieldEdits(r.Context(), w, id, body)
}

// applyFieldEdits вносит присланные поля атомарно и пишет по записи аудита
// на каждое изменившееся. Смена лимита перевыводит статус фазы погрузки;
// override-статусы (Documentado, Embarcado, Disponible) не трогаются.
func (a *DockAPI) applyFieldEdits(ctx context.Context, w http.ResponseWriter, id int, body updateBody) {
	actor := body.Actor
	if actor == "" {
		actor = "admin"
	}
	now := time.Now().UTC()
	var entries []models.AuditEntry

	dock, err := a.registry.Apply(id, func(d *models.Dock) error {
		if body.Destination != nil && *body.Destination != d.Destination {
			d.Destination = *body.Destination
			entries = append(entries, models.AuditEntry{
				Timestamp: now, DockID: &id, Kind: models.AuditKindDestination,
				Code: d.Destination, Actor: actor, Note: "Destino actualizado",
			})
		}
		if body.BoxCount != nil && *body.BoxCount != d.BoxCount {
			d.BoxCount = *body.BoxCount
			entries = append(entries, models.AuditEntry{
				Timestamp: now, DockID: &id, Kind: models.AuditKindBoxCount,
				Code: strconv.Itoa(d.BoxCount), Actor: actor, Note: "Numero de cajas actualizado",
			})
		}
		if body.TruckLimit != nil && *body.TruckLimit != d.TruckLimit {
			if *body.TruckLimit < 0 {
				return errors.New("limiteCamion must be >= 0")
			}
			d.TruckLimit = *body.TruckLimit
			entries = append(entries, models.AuditEntry{
				Timestamp: now, DockID: &id, Kind: models.AuditKindTruckLimit,
				Code: strconv.Itoa(d.TruckLimit), Actor: actor, Note: "Limite de camion actualizado",
			})
			if inLoadingPhase(d.Status) {
				d.Status = models.DeriveStatus(len(d.Pallets), d.EffectiveLimit(a.defaultLimit))
			}
		}
		if body.Status != nil && *body.Status != d.Status {
			d.Status = *body.Status
			entries = append(entries, models.AuditEntry{
				Timestamp: now, DockID: &id, Kind: models.AuditKindStatus,
				Code: d.Status, Actor: actor, Note: "Status forzado manualmente",
			})
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(entries) > 0 {
		a.audit.RecordAll(entries...)
		a.invalidateBoard(ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "anden": dock})
}

func inLoadingPhase(status string) bool {
	switch status {
	case models.DockStatusWaiting, models.DockStatusLoading,
		models.DockStatusCompleted, models.DockStatusLimitReached:
		return true
	}
	return false
}

func (a *DockAPI) ingestScan(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, scans.IngestOptions{Channel: scans.ChannelScan})
}

func (a *DockAPI) ingestText(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, scans.IngestOptions{Channel: scans.ChannelText})
}

// addPallet — ручной ввод номера детали на конкретный анден; единственный
// HTTP-путь с проверкой дубликата.
func (a *DockAPI) addPallet(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	a.ingest(w, r, scans.IngestOptions{Channel: scans.ChannelDirect, DockID: id})
}

func (a *DockAPI) ingest(w http.ResponseWriter, r *http.Request, opts scans.IngestOptions) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	if opts.Actor == "" {
		opts.Actor = r.Header.Get("X-Usuario")
	}

	res, err := a.scans.Ingest(r.Context(), raw, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.invalidateBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"pallet":  res.Pallet,
		"anden":   res.Dock,
	})
}

func (a *DockAPI) removePallet(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	palletID := chi.URLParam(r, "palletId")

	dock, err := a.scans.RemovePallet(r.Context(), id, palletID, r.Header.Get("X-Usuario"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.invalidateBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "anden": dock})
}

type actorBody struct {
	Actor string `json:"usuario"`
}

func decodeActor(r *http.Request) string {
	var body actorBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		return r.Header.Get("X-Usuario")
	}
	return body.Actor
}

// forceComplete закрывает погрузку до лимита: оператор решил, что камион полон.
func (a *DockAPI) forceComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	actor := decodeActor(r)
	if actor == "" {
		actor = "admin"
	}
	now := time.Now().UTC()

	dock, err := a.registry.Apply(id, func(d *models.Dock) error {
		if !inLoadingPhase(d.Status) {
			return errors.Wrapf(lifecycle.ErrInvalidTransition, "completar from %q", d.Status)
		}
		d.Status = models.DockStatusCompleted
		t := now
		d.CompletedAt = &t
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	a.audit.Record(models.AuditEntry{
		Timestamp: now, DockID: &id, Kind: models.AuditKindStatus,
		Code: models.DockStatusCompleted, Actor: actor, Note: "Carga completada manualmente",
	})
	a.invalidateBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "anden": dock})
}

func (a *DockAPI) document(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	dock, err := a.lifecycle.Document(r.Context(), id, decodeActor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.invalidateBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "anden": dock})
}

func (a *DockAPI) ship(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	dock, err := a.lifecycle.Ship(r.Context(), id, decodeActor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	a.invalidateBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "anden": dock})
}

func (a *DockAPI) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	writeJSON(w, http.StatusOK, a.audit.Query(limit, offset))
}

func (a *DockAPI) listRecentScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.RecentScans())
}

func (a *DockAPI) dockRecentScans(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	if _, err := a.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	scansByDock := a.registry.RecentScans()
	out := scansByDock[id]
	if out == nil {
		out = []models.Pallet{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DockAPI) listCycles(w http.ResponseWriter, r *http.Request) {
	a.cyclesResponse(w, r, 0)
}

func (a *DockAPI) dockCycles(w http.ResponseWriter, r *http.Request) {
	id, ok := dockID(w, r)
	if !ok {
		return
	}
	a.cyclesResponse(w, r, id)
}

func (a *DockAPI) cyclesResponse(w http.ResponseWriter, r *http.Request, id int) {
	if a.cycles == nil {
		writeJSON(w, http.StatusOK, []models.CycleRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	recs, err := a.cycles.ListCycleRecords(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []models.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *DockAPI) invalidateBoard(ctx context.Context) {
	if a.cache != nil {
		_ = a.cache.Del(ctx, rediscache.BoardKey)
	}
}

func dockID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, errors.New("invalid dock id"))
		return 0, false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	var dup *scans.DuplicatePartError
	switch {
	case errors.Is(err, docks.ErrDockNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, docks.ErrNoDockAvailable),
		errors.Is(err, scans.ErrCapacityExceeded),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  dup.Error(),
			"pallet": dup.Existing,
		})
	case errors.Is(err, scans.ErrBinaryPayload):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
