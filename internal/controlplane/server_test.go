package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbbot/goarb/internal/capital"
	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/ledger"
	"github.com/arbbot/goarb/internal/position"
	"github.com/arbbot/goarb/internal/runtimecfg"
)

type stubBalances struct{}

func (stubBalances) FetchBalances(ctx context.Context) (domain.Balances, error) {
	return domain.Balances{PerpAccountValue: 50, SpotUSDC: 50, MidPx: 25.0}, nil
}

type stubCloser struct{}

func (stubCloser) ClosePosition(ctx context.Context, pos *domain.Position) (*execution.CloseResult, error) {
	return &execution.CloseResult{Method: domain.CloseMethodMaker, ExitPerpPx: 25, ExitSpotPx: 25}, nil
}

func newTestServer(t *testing.T) (*Server, *runtimecfg.Store, *position.Manager) {
	t.Helper()

	store, err := runtimecfg.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db, err := ledger.Open(filepath.Join(t.TempDir(), "arb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fees := domain.FeeSchedule{PerpMakerBps: 1.5, PerpTakerBps: 4.5, SpotMakerBps: 4.0, SpotTakerBps: 7.0}
	manager := position.NewManager(stubCloser{}, fees, 0.5, time.Hour)
	admitter := capital.NewAdmissionController(stubBalances{}, time.Second, 0.03, 0.05, 3.0, 10.0)

	srv := New(Deps{
		Store:    store,
		Ledger:   db,
		Manager:  manager,
		Admitter: admitter,
		Defaults: runtimecfg.Params{ThresholdBps: 3.0, SpikeExtraBps: 7.0, AllocUSD: 10.0},
	})
	return srv, store, manager
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestParams_GetAndPatch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Router()

	w, out := doJSON(t, h, http.MethodGet, "/api/params", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]any)
	assert.InDelta(t, 3.0, data["threshold_bps"].(float64), 1e-9)

	// 部分更新：只改 threshold，其余保持
	w, out = doJSON(t, h, http.MethodPost, "/api/params", `{"threshold_bps": 5.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	data = out["data"].(map[string]any)
	assert.InDelta(t, 5.5, data["threshold_bps"].(float64), 1e-9)
	assert.InDelta(t, 10.0, data["alloc_usd"].(float64), 1e-9)

	// 非法值被拒绝
	w, _ = doJSON(t, h, http.MethodPost, "/api/params", `{"threshold_bps": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartStop(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Router()

	w, _ := doJSON(t, h, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	state, err := store.State()
	require.NoError(t, err)
	assert.Equal(t, runtimecfg.StateStopped, state)

	w, _ = doJSON(t, h, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	state, err = store.State()
	require.NoError(t, err)
	assert.Equal(t, runtimecfg.StateRunning, state)
}

func TestStatus(t *testing.T) {
	srv, _, manager := newTestServer(t)
	h := srv.Router()

	manager.Add(&domain.Position{ID: "p1", Status: domain.PositionOpen, OpenedAt: time.Now(), Direction: domain.DirPerpToSpot})

	w, out := doJSON(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "running", data["state"])
	assert.EqualValues(t, 1, data["open_positions"])
}

func TestClosePosition_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Router()

	w, _ := doJSON(t, h, http.MethodPost, "/api/positions/missing/close", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClosePosition_Manual(t *testing.T) {
	srv, _, manager := newTestServer(t)
	h := srv.Router()

	manager.Add(&domain.Position{
		ID: "p1", Status: domain.PositionOpen, OpenedAt: time.Now(),
		Direction: domain.DirPerpToSpot, Size: 1.0, EntryPerpPx: 25, EntrySpotPx: 25,
	})

	w, out := doJSON(t, h, http.MethodPost, "/api/positions/p1/close", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", out["data"].(map[string]any)["closing"])

	// 平仓在后台执行，等它收尾
	require.Eventually(t, func() bool { return manager.OpenCount() == 0 },
		2*time.Second, 5*time.Millisecond)

	// 已进入平仓流程的仓位不能再触发
	w, _ = doJSON(t, h, http.MethodPost, "/api/positions/p1/close", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrades_CachedWithinTTL(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Router()

	rec := &domain.TradeRecord{
		ID: "t1", Status: domain.TradeStatusPosted, CreatedAt: time.Now(),
		Intent: domain.TradeIntent{Direction: domain.DirPerpToSpot, Size: 1.0},
	}
	require.NoError(t, srv.deps.Ledger.RecordTrade(context.Background(), rec))

	w, out := doJSON(t, h, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["data"].([]any), 1)

	// TTL 内第二条记录还看不到：命中的是缓存
	rec2 := *rec
	rec2.ID = "t2"
	require.NoError(t, srv.deps.Ledger.RecordTrade(context.Background(), &rec2))

	w, out = doJSON(t, h, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["data"].([]any), 1)

	// 不同 limit 是另一个缓存键，直接打库
	w, out = doJSON(t, h, http.MethodGet, "/api/trades?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["data"].([]any), 2)
}

func TestBalances(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Router()

	w, out := doJSON(t, h, http.MethodGet, "/api/balances", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]any)
	assert.InDelta(t, 50.0, data["PerpAccountValue"].(float64), 1e-9)
}
