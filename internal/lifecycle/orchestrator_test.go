package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/galaxy"
	"github.com/stellarbot/stellar/internal/tasks"
	stellartest "github.com/stellarbot/stellar/internal/testing"
	"github.com/stellarbot/stellar/internal/tickclock"
)

type engineFixture struct {
	orch      *Orchestrator
	depots    *depots.Service
	tasks     *tasks.Service
	capi      *capi.Tracker
	ledger    *Ledger
	refresher *capiRefresherStub
}

func testTimings() config.Timings {
	return config.Timings{
		MarketExpiry:   7 * 24 * time.Hour,
		MarketWarning:  5 * 24 * time.Hour,
		MarketFollowup: 23 * time.Hour,
		CapiFollowup:   23 * time.Hour,
		TaskRevive:     3 * 24 * time.Hour,
		Tick:           tickclock.TimeOfDay{Hour: 7},
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	registryDB, cleanupRegistry := stellartest.NewTestDB(t, "registry")
	t.Cleanup(cleanupRegistry)
	tasksDB, cleanupTasks := stellartest.NewTestDB(t, "tasks")
	t.Cleanup(cleanupTasks)
	capiDB, cleanupCapi := stellartest.NewTestDB(t, "capi")
	t.Cleanup(cleanupCapi)

	em := events.NewManager(events.NewBus(), zerolog.Nop())
	timings := testTimings()
	refresher := &capiRefresherStub{}

	depotSvc := depots.NewService(
		depots.NewRepository(registryDB.Conn(), zerolog.Nop()),
		em, nil, timings.MarketWarning, timings.MarketExpiry, zerolog.Nop())
	taskSvc := tasks.NewService(tasks.NewRepository(tasksDB.Conn(), zerolog.Nop()), em, zerolog.Nop())
	tracker := capi.NewTracker(capi.NewRepository(capiDB.Conn(), zerolog.Nop()), refresher, em, false, zerolog.Nop())
	ledger := NewLedger(tasksDB.Conn(), zerolog.Nop())

	return &engineFixture{
		orch:      NewOrchestrator(depotSvc, taskSvc, tracker, ledger, em, timings, zerolog.Nop()),
		depots:    depotSvc,
		tasks:     taskSvc,
		capi:      tracker,
		ledger:    ledger,
		refresher: refresher,
	}
}

type capiRefresherStub struct {
	err error
}

func (s *capiRefresherStub) Refresh(context.Context, *capi.Link) (*capi.Tokens, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &capi.Tokens{
		RefreshToken: "rotated",
		AccessToken:  "rotated",
		Expiry:       time.Now().UTC().Add(4 * time.Hour),
	}, nil
}

func registerDepot(t *testing.T, f *engineFixture, callsign string, marketAge time.Duration, boundary time.Time) *depots.Depot {
	t.Helper()
	d := &depots.Depot{
		Callsign:       callsign,
		Kind:           depots.KindCarrier,
		System:         galaxy.System{Name: "Wregoe"},
		OwnerDiscordID: 42,
		ReserveTritium: 5000,
		AllocatedSpace: 18000,
		Active:         true,
		Market: domain.Market{
			{Name: domain.Tritium, Stock: domain.Order{Price: 51000, Quantity: 9000}},
		},
		MarketUpdatedAt: boundary.Add(-marketAge),
		Freshness:       freshness.Fresh,
	}
	require.NoError(t, f.depots.Register(d))
	return d
}

func kinds(intents []ActionIntent) []Kind {
	out := make([]Kind, len(intents))
	for i, it := range intents {
		out[i] = it.Kind
	}
	return out
}

func TestRunTickFiresOncePerBoundary(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)

	// First ever poll fires.
	_, err := f.orch.RunTick(ctx, day1)
	require.NoError(t, err)

	lastFire, err := f.ledger.LastFire()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC), lastFire)

	// Later polls the same day do nothing.
	intents, err := f.orch.RunTick(ctx, day1.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, intents)

	// The next boundary fires again.
	_, err = f.orch.RunTick(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	lastFire, err = f.ledger.LastFire()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), lastFire)
}

func TestRunTickCatchesUpAfterDowntime(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.SetLastFire(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)))

	// The engine was down for days. One poll runs one pass, for the most
	// recent boundary only.
	_, err := f.orch.RunTick(ctx, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	lastFire, err := f.ledger.LastFire()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC), lastFire)
}

func TestExpiredMarketEmitsRestockAndAlert(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	registerDepot(t, f, "X7F-94K", 8*24*time.Hour, boundary)

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindCreateRestock, KindMarketAlert}, kinds(intents))
	assert.Equal(t, "X7F-94K", intents[0].Entity)
}

func TestExpiredMarketWithOpenTaskEmitsNoCreation(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	registerDepot(t, f, "X7F-94K", 8*24*time.Hour, boundary)

	open := &tasks.Task{
		ID:            uuid.New().String(),
		Variant:       tasks.VariantRestock,
		DepotCallsign: "X7F-94K",
		Stage:         domain.StagePending,
		CreatedAt:     boundary.Add(-time.Hour),
		LastTouched:   boundary.Add(-time.Hour),
		Required:      10000,
	}
	require.NoError(t, f.tasks.Repo().Insert(open))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindMarketAlert}, kinds(intents), "an open task blocks a second creation until closed")
}

func TestWarningEmitsAdvisoryOnly(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	registerDepot(t, f, "X7F-94K", 6*24*time.Hour, boundary)

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindMarketWarning}, kinds(intents))
}

func TestFreshLowStockEmitsRestock(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	d := registerDepot(t, f, "X7F-94K", 24*time.Hour, boundary)
	d.Market[0].Stock.Quantity = 3000
	require.NoError(t, f.depots.Register(d))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindCreateRestock}, kinds(intents))
}

func TestAlertQuietWindow(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	d := registerDepot(t, f, "X7F-94K", 8*24*time.Hour, boundary)
	require.NoError(t, f.depots.Repo().UpdateLastAlerted(d.Callsign, boundary.Add(-time.Hour)))

	// An open task isolates the alert gating.
	open := &tasks.Task{
		ID: uuid.New().String(), Variant: tasks.VariantRestock, DepotCallsign: "X7F-94K",
		Stage: domain.StagePending, CreatedAt: boundary, LastTouched: boundary, Required: 1,
	}
	require.NoError(t, f.tasks.Repo().Insert(open))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Empty(t, intents, "alerted an hour ago, still inside the quiet window")

	// 23 hours later the window has elapsed.
	require.NoError(t, f.depots.Repo().UpdateLastAlerted(d.Callsign, boundary.Add(-23*time.Hour)))
	intents, err = f.orch.RunBoundary(context.Background(), boundary.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindMarketAlert}, kinds(intents))
}

func TestRevivalBoundary(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	due := &tasks.Task{
		ID: uuid.New().String(), Variant: tasks.VariantShipRescue, ClientID: 7,
		SystemName: "Wregoe", Stage: domain.StagePending,
		CreatedAt:   boundary.Add(-10 * 24 * time.Hour),
		LastTouched: boundary.Add(-3 * 24 * time.Hour),
		MessageID:   900100100,
	}
	require.NoError(t, f.tasks.Repo().Insert(due))

	// Idle two days and twenty-three hours: not due yet.
	almost := &tasks.Task{
		ID: uuid.New().String(), Variant: tasks.VariantShipRescue, ClientID: 8,
		SystemName: "Wregoe", Stage: domain.StageUnderway,
		CreatedAt:   boundary.Add(-10 * 24 * time.Hour),
		LastTouched: boundary.Add(-(3*24 - 1) * time.Hour),
		MessageID:   900100101,
	}
	require.NoError(t, f.tasks.Repo().Insert(almost))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindReviveTask}, kinds(intents))
	assert.Equal(t, due.ID, intents[0].Entity)
}

func TestCapiFollowupIntent(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	lapsed := &capi.Link{
		CustomerID:   1001,
		Commander:    "Jameson",
		AuthType:     capi.AuthFrontier,
		RefreshToken: "r",
	}
	require.NoError(t, f.capi.Repo().Upsert(lapsed))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)

	// The sweep first tries a refresh; the stub rotation succeeds, so no
	// followup goes out for this link.
	assert.Empty(t, intents)

	got, err := f.capi.Repo().GetByCustomerID(1001)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.AccessToken)
}

func TestCapiFollowupWhenRefreshRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.refresher.err = faults.Permanent(faults.New("refresh token revoked"))
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	lapsed := &capi.Link{
		CustomerID:   1001,
		Commander:    "Jameson",
		AuthType:     capi.AuthFrontier,
		RefreshToken: "r",
	}
	require.NoError(t, f.capi.Repo().Upsert(lapsed))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindCapiFollowup}, kinds(intents))
	assert.Equal(t, "1001", intents[0].Entity)

	// Once the owner is nagged, the quiet window holds the next boundary.
	require.NoError(t, f.capi.MarkFollowupSent(1001, boundary))
	intents, err = f.orch.RunBoundary(context.Background(), boundary.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestLedgerDeduplicatesAcrossReplays(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	registerDepot(t, f, "X7F-94K", 6*24*time.Hour, boundary)

	first, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Nothing confirmed yet: a replay of the same boundary re-admits the
	// pending intent instead of dropping or duplicating it.
	replay, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	// Once confirmed, the key is never admitted again.
	require.NoError(t, f.ledger.MarkCompleted(first[0].Key(), boundary))
	third, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestIntentOrderIsDeterministic(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	registerDepot(t, f, "AAA-111", 8*24*time.Hour, boundary) // expired: creation + alert
	registerDepot(t, f, "BBB-222", 6*24*time.Hour, boundary) // warning

	revivable := &tasks.Task{
		ID: uuid.New().String(), Variant: tasks.VariantShipRescue, ClientID: 7,
		SystemName: "Wregoe", Stage: domain.StagePending,
		CreatedAt:   boundary.Add(-10 * 24 * time.Hour),
		LastTouched: boundary.Add(-5 * 24 * time.Hour),
	}
	require.NoError(t, f.tasks.Repo().Insert(revivable))

	intents, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)

	assert.Equal(t, []Kind{
		KindCreateRestock,
		KindCreateRescue,
		KindReviveTask,
		KindMarketWarning,
		KindMarketAlert,
	}, kinds(intents), "creations, then revivals, then market nags")
}

func TestRunDepotOpensRestockForExpiredMarket(t *testing.T) {
	f := newEngineFixture(t)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	registerDepot(t, f, "XKR-90V", 8*24*time.Hour, now)

	intents, err := f.orch.RunDepot(context.Background(), now, "XKR-90V")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, KindCreateRestock, intents[0].Kind)
	assert.Equal(t, "XKR-90V", intents[0].Entity)
	assert.Equal(t, now.Truncate(time.Minute), intents[0].Boundary)
}

func TestRunDepotOpensRestockOnLowStock(t *testing.T) {
	f := newEngineFixture(t)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	d := registerDepot(t, f, "XKR-90V", time.Hour, now)

	// Fresh and stocked above the reserve: nothing to do.
	intents, err := f.orch.RunDepot(context.Background(), now, d.Callsign)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// Stock dips to the reserve level.
	d.Market = domain.Market{
		{Name: domain.Tritium, Stock: domain.Order{Price: 51000, Quantity: 4000}},
	}
	require.NoError(t, f.depots.Register(d))

	intents, err = f.orch.RunDepot(context.Background(), now, d.Callsign)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, KindCreateRestock, intents[0].Kind)
}

func TestRunDepotSkipsOpenRestockAndUnknownDepots(t *testing.T) {
	f := newEngineFixture(t)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	d := registerDepot(t, f, "XKR-90V", 8*24*time.Hour, now)

	_, err := f.tasks.OpenExpiredRestock(d, now)
	require.NoError(t, err)

	intents, err := f.orch.RunDepot(context.Background(), now, d.Callsign)
	require.NoError(t, err)
	assert.Empty(t, intents, "open restock suppresses a second creation")

	intents, err = f.orch.RunDepot(context.Background(), now, "ZZZ-00Z")
	require.NoError(t, err)
	assert.Empty(t, intents, "unknown depot is a no-op")
}

func TestFreshRescueGetsCreationIntent(t *testing.T) {
	f := newEngineFixture(t)
	boundary := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	task, err := f.tasks.NewRescue(
		tasks.VariantShipRescue, 9001, "Byeia Thaa QI-Z d1", "", 0, boundary.Add(-time.Hour))
	require.NoError(t, err)

	// Creation admits an announcement keyed to its own minute.
	intents, err := f.orch.AnnounceRescue(task.ID, boundary.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, KindCreateRescue, intents[0].Kind)
	assert.Equal(t, task.ID, intents[0].Entity)

	// The boundary sweep keeps deriving the announcement until a message
	// id lands on the task.
	batch, err := f.orch.RunBoundary(context.Background(), boundary)
	require.NoError(t, err)
	assert.Contains(t, kinds(batch), KindCreateRescue)
}
