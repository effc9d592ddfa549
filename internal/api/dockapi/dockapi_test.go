package dockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/DockBox/internal/audit"
	"github.com/BearBump/DockBox/internal/models"
	"github.com/BearBump/DockBox/internal/services/docks"
	"github.com/BearBump/DockBox/internal/services/lifecycle"
	"github.com/BearBump/DockBox/internal/services/scans"
	"github.com/stretchr/testify/require"
)

type cyclesFake struct {
	recs []models.CycleRecord
}

func (f *cyclesFake) ListCycleRecords(_ context.Context, dockID, _, _ int) ([]models.CycleRecord, error) {
	if dockID == 0 {
		return f.recs, nil
	}
	var out []models.CycleRecord
	for _, r := range f.recs {
		if r.DockID == dockID {
			out = append(out, r)
		}
	}
	return out, nil
}

type cacheFake struct {
	data map[string][]byte
}

func newCacheFake() *cacheFake { return &cacheFake{data: map[string][]byte{}} }

func (c *cacheFake) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *cacheFake) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *cacheFake) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func newTestAPI(t *testing.T) (*DockAPI, *docks.Registry, *audit.Log, http.Handler) {
	t.Helper()
	reg := docks.NewRegistry(6, 30)
	log := audit.New(100)
	scanSvc := scans.New(reg, log, 30)
	sched := lifecycle.New(reg, log, nil, lifecycle.Config{
		DocumentToShip: time.Hour,
		ShipReset:      time.Hour,
	})
	t.Cleanup(sched.Stop)
	scanSvc.WithLimitScheduler(sched)

	api := New(reg, scanSvc, sched, log, 30)
	return api, reg, log, api.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "ok", out["status"])
	require.EqualValues(t, 6, out["andenes"])
}

func TestScan_ThenBoard(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/scan",
		map[string]any{"anden": 2, "codigoPallet": "CP-1", "destino": "Dallas"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Success bool          `json:"success"`
		Pallet  models.Pallet `json:"pallet"`
		Dock    models.Dock   `json:"anden"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.Equal(t, "CP-1", out.Pallet.PalletCode)
	require.Equal(t, 2, out.Dock.ID)
	require.Equal(t, models.DockStatusLoading, out.Dock.Status)

	rec = doJSON(t, h, http.MethodGet, "/api/andenes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board []models.Dock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Len(t, board, 6)
	require.Equal(t, "Dallas", board[1].Destination)
}

func TestScan_UnknownDock404(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 99, "codigoPallet": "CP"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
}

func TestTextChannel_RawBody(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tcp", bytes.NewBufferString("CP-7788\r\n"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Pallet models.Pallet `json:"pallet"`
		Dock   models.Dock   `json:"anden"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "CP-7788", out.Pallet.PalletCode)
	require.Equal(t, 1, out.Dock.ID)
	require.Equal(t, "A1", out.Pallet.Location)
}

func TestDirectPallet_DuplicateConflict(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	body := map[string]any{"numeroParte": "P-9", "usuario": "maria"}
	rec := doJSON(t, h, http.MethodPost, "/api/andenes/1/pallet", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/andenes/1/pallet", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "pallet")
}

func TestCapacityConflictAndLimitEdit(t *testing.T) {
	_, reg, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/andenes/1/limite", map[string]any{"limiteCamion": 1, "usuario": "maria"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP-2"})
	require.Equal(t, http.StatusConflict, rec.Code)

	d, err := reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusLimitReached, d.Status)
	require.Equal(t, 1, d.PalletCount)

	// Поднятый лимит перевыводит статус из фазы погрузки.
	rec = doJSON(t, h, http.MethodPost, "/api/andenes/1/limite", map[string]any{"limiteCamion": 5, "usuario": "maria"})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err = reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusLoading, d.Status)
}

func TestFieldEdits_AuditPerField(t *testing.T) {
	_, _, log, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPut, "/api/andenes/3/", map[string]any{
		"destino":     "Monterrey",
		"numeroCajas": 14,
		"usuario":     "maria",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	entries := log.Query(10, 0)
	require.Len(t, entries, 2)
	kinds := []string{entries[0].Kind, entries[1].Kind}
	require.ElementsMatch(t, []string{models.AuditKindDestination, models.AuditKindBoxCount}, kinds)

	// Повтор без изменений записей не плодит.
	rec = doJSON(t, h, http.MethodPut, "/api/andenes/3/", map[string]any{
		"destino": "Monterrey", "numeroCajas": 14, "usuario": "maria",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, log.Len())
}

func TestLifecycleEndpoints(t *testing.T) {
	_, reg, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/andenes/1/documentar", map[string]any{"usuario": "maria"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/andenes/1/completar", map[string]any{"usuario": "maria"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/andenes/1/documentar", map[string]any{"usuario": "maria"})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusDocumented, d.Status)
	require.NotNil(t, d.DocumentingUser)
	require.Equal(t, "maria", *d.DocumentingUser)

	rec = doJSON(t, h, http.MethodPost, "/api/andenes/1/embarcar", map[string]any{"usuario": "jorge"})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err = reg.Get(1)
	require.NoError(t, err)
	require.Equal(t, models.DockStatusShipped, d.Status)
}

func TestRemovePallet(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Pallet models.Pallet `json:"pallet"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	rec = doJSON(t, h, http.MethodDelete, "/api/andenes/1/pallets/"+out.Pallet.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/andenes/1/pallets/"+out.Pallet.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditAndRecentScans(t *testing.T) {
	_, _, _, h := newTestAPI(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/historial?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/andenes/1/historial", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pallets []models.Pallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pallets))
	require.Len(t, pallets, 3)

	rec = doJSON(t, h, http.MethodGet, "/api/andenes/9/historial", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycles(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	api.WithCycleLister(&cyclesFake{recs: []models.CycleRecord{
		{ID: "c1", DockID: 1},
		{ID: "c2", DockID: 2},
	}})
	h := api.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/ciclos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []models.CycleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/andenes/2/ciclos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "c2", recs[0].ID)
}

func TestBoardCache_InvalidatedByMutation(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	cache := newCacheFake()
	api.WithBoardCache(cache, time.Minute)
	h := api.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/andenes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, cache.data, 1)

	rec = doJSON(t, h, http.MethodPost, "/api/scan", map[string]any{"anden": 1, "codigoPallet": "CP"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, cache.data)

	// Следующий GET видит свежие данные и снова греет кэш.
	rec = doJSON(t, h, http.MethodGet, "/api/andenes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board []models.Dock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Equal(t, 1, board[0].PalletCount)
}
