package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/lifecycle"
	"github.com/stellarbot/stellar/internal/statistics"
	"github.com/stellarbot/stellar/internal/tasks"
	stellartest "github.com/stellarbot/stellar/internal/testing"
	"github.com/stellarbot/stellar/internal/tickclock"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registryDB, cleanupRegistry := stellartest.NewTestDB(t, "registry")
	t.Cleanup(cleanupRegistry)
	tasksDB, cleanupTasks := stellartest.NewTestDB(t, "tasks")
	t.Cleanup(cleanupTasks)
	capiDB, cleanupCapi := stellartest.NewTestDB(t, "capi")
	t.Cleanup(cleanupCapi)

	log := zerolog.Nop()
	em := events.NewManager(events.NewBus(), log)

	timings := config.Timings{
		MarketExpiry:   7 * 24 * time.Hour,
		MarketWarning:  5 * 24 * time.Hour,
		MarketFollowup: 23 * time.Hour,
		CapiFollowup:   23 * time.Hour,
		TaskRevive:     3 * 24 * time.Hour,
		Tick:           tickclock.TimeOfDay{Hour: 7},
	}

	depotRepo := depots.NewRepository(registryDB.Conn(), log)
	depotSvc := depots.NewService(depotRepo, em, nil, timings.MarketWarning, timings.MarketExpiry, log)
	taskRepo := tasks.NewRepository(tasksDB.Conn(), log)
	taskSvc := tasks.NewService(taskRepo, em, log)
	capiRepo := capi.NewRepository(capiDB.Conn(), log)
	tracker := capi.NewTracker(capiRepo, nil, em, false, log)

	ledger := lifecycle.NewLedger(tasksDB.Conn(), log)
	orch := lifecycle.NewOrchestrator(depotSvc, taskSvc, tracker, ledger, em, timings, log)
	dispatcher := lifecycle.NewDispatcher(ledger, em, log)
	ingest := lifecycle.NewIngestPipeline(depotSvc, orch, dispatcher, log)

	cfg := &config.Config{
		Software: config.Software{Name: "stellar", Version: "1.0.0"},
		Timings:  timings,
	}

	return New(Config{
		Log:        log,
		Cfg:        cfg,
		Databases:  []*database.DB{registryDB, tasksDB, capiDB},
		Depots:     depotSvc,
		Tasks:      taskSvc,
		Capi:       tracker,
		Stats:      statistics.NewService(depotRepo, taskRepo, log),
		Orch:       orch,
		Dispatcher: dispatcher,
		Ingest:     ingest,
		Port:       0,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "stellar", body["service"])
}

func TestDepotRegistrationRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/depots/", map[string]any{
		"callsign":        "q9z-11p",
		"kind":            "carrier",
		"display_name":    "Waypoint Seven",
		"system":          "Dryau Aowsy RA-F d11",
		"market_id":       3701112223,
		"reserve_tritium": 3000,
		"allocated_space": 15000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decode[depotView](t, rec)
	assert.Equal(t, "Q9Z-11P", created.Callsign)
	assert.True(t, created.Active)

	rec = doJSON(t, s, http.MethodGet, "/api/depots/q9z-11p", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decode[depotView](t, rec)
	assert.Equal(t, "Waypoint Seven", fetched.DisplayName)

	rec = doJSON(t, s, http.MethodGet, "/api/depots/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]depotView](t, rec), 1)
}

func TestDepotRegistrationRejectsBadKind(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/depots/", map[string]any{
		"callsign":  "BAD-001",
		"kind":      "station",
		"market_id": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketSnapshotIngestion(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/depots/", map[string]any{
		"callsign":        "M3T-42X",
		"kind":            "carrier",
		"system":          "Stuemeae FG-Y d7561",
		"market_id":       3700000042,
		"allocated_space": 20000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	snapshot := map[string]any{
		"system":      "Stuemeae FG-Y d7561",
		"received_at": time.Now().UTC().Format(time.RFC3339),
		"market": domain.Market{
			{Name: domain.Tritium, Stock: domain.Order{Price: 52000, Quantity: 9000, Bracket: 2}},
		},
	}
	rec = doJSON(t, s, http.MethodPost, "/api/depots/M3T-42X/market", snapshot)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[depotView](t, rec)
	assert.Equal(t, 9000, updated.TritiumStock)
	assert.Equal(t, "Fresh", updated.Freshness)

	// Replaying the same snapshot is stale.
	rec = doJSON(t, s, http.MethodPost, "/api/depots/M3T-42X/market", snapshot)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown depots are rejected outright.
	rec = doJSON(t, s, http.MethodPost, "/api/depots/NOP-000/market", snapshot)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRescueLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks/rescues", map[string]any{
		"variant":     "ship_rescue",
		"client_id":   9001,
		"system_name": "Byeia Thaa QI-Z d1",
		"tritium":     64,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[taskView](t, rec)
	assert.Equal(t, "Pending", created.Stage)
	assert.Equal(t, 64, created.Tritium)
	assert.False(t, s.dispatcher.Idle(), "creation queues an announcement intent")

	rec = doJSON(t, s, http.MethodPost, "/api/tasks/"+created.ID+"/claim", map[string]any{"hauler_id": 77})
	require.Equal(t, http.StatusOK, rec.Code)
	claimed := decode[taskView](t, rec)
	assert.Equal(t, "Underway", claimed.Stage)
	assert.Equal(t, []int64{77}, claimed.Assignees)

	rec = doJSON(t, s, http.MethodPost, "/api/tasks/"+created.ID+"/close", map[string]any{"aborted": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/tasks/%s", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decode[taskView](t, rec)
	assert.Equal(t, "Complete", closed.Stage)
}

func TestListTasksByDepotSpansVariants(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks/rescues", map[string]any{
		"variant":        "carrier_rescue",
		"client_id":      9002,
		"system_name":    "Hypuae Briae",
		"depot_callsign": "k4t-88l",
		"tritium":        800,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/tasks?depot=K4T-88L", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]taskView](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "carrier_rescue", list[0].Variant)
	assert.Equal(t, 800, list[0].Tritium)
}

func TestTaskEndpointsValidate(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks/nonexistent/claim", map[string]any{"hauler_id": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/tasks/nonexistent/claim", map[string]any{"hauler_id": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/tasks/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualTickAdmitsIntents(t *testing.T) {
	s := newTestServer(t)

	// An active depot with an expired market produces work on the next pass.
	rec := doJSON(t, s, http.MethodPost, "/api/depots/", map[string]any{
		"callsign":        "T1K-77E",
		"kind":            "carrier",
		"system":          "Stuemeae FG-Y d7561",
		"market_id":       3700000777,
		"allocated_space": 20000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/system/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[map[string]any](t, rec)
	admitted := first["admitted"].(float64)
	assert.Greater(t, admitted, 0.0)

	// Same minute, same boundary: the same keys come back while the work
	// is pending, nothing beyond them.
	rec = doJSON(t, s, http.MethodPost, "/api/system/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[map[string]any](t, rec)
	assert.Equal(t, admitted, second["admitted"].(float64))
}

func TestStatisticsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/statistics/network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	network := decode[statistics.NetworkReport](t, rec)
	assert.Zero(t, network.Depots)

	rec = doJSON(t, s, http.MethodGet, "/api/statistics/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[map[string]any](t, rec)
	assert.Equal(t, "stellar", status["service"])
	dbs := status["databases"].(map[string]any)
	assert.Equal(t, "ok", dbs["registry"])
	assert.Equal(t, "ok", dbs["tasks"])
	assert.Equal(t, "ok", dbs["capi"])
}
