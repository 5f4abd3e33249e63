package statistics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/galaxy"
	"github.com/stellarbot/stellar/internal/tasks"
	stellartest "github.com/stellarbot/stellar/internal/testing"
)

func newFixture(t *testing.T) (*Service, *depots.Repository, *tasks.Repository) {
	t.Helper()
	registryDB, cleanupRegistry := stellartest.NewTestDB(t, "registry")
	t.Cleanup(cleanupRegistry)
	tasksDB, cleanupTasks := stellartest.NewTestDB(t, "tasks")
	t.Cleanup(cleanupTasks)

	depotRepo := depots.NewRepository(registryDB.Conn(), zerolog.Nop())
	taskRepo := tasks.NewRepository(tasksDB.Conn(), zerolog.Nop())
	return NewService(depotRepo, taskRepo, zerolog.Nop()), depotRepo, taskRepo
}

func addDepot(t *testing.T, repo *depots.Repository, callsign string, stock int, state freshness.State, active bool) {
	t.Helper()
	d := &depots.Depot{
		Callsign:       callsign,
		Kind:           depots.KindCarrier,
		System:         galaxy.System{Name: "Stuemeae FG-Y d7561"},
		MarketID:       int64(3700000000 + len(callsign)),
		AllocatedSpace: 20000,
		Active:         active,
		Freshness:      state,
	}
	if stock >= 0 {
		d.Market = domain.Market{
			{Name: domain.Tritium, Stock: domain.Order{Price: 50000, Quantity: stock, Bracket: domain.StockBracket(stock)}},
		}
	}
	require.NoError(t, repo.Upsert(d))
}

func TestNetworkReport(t *testing.T) {
	svc, depotRepo, _ := newFixture(t)

	addDepot(t, depotRepo, "AAA-111", 10000, freshness.Fresh, true)
	addDepot(t, depotRepo, "BBB-222", 20000, freshness.Warning, true)
	addDepot(t, depotRepo, "CCC-333", -1, freshness.Expired, true)
	addDepot(t, depotRepo, "DDD-444", 5000, freshness.Fresh, false)

	report, err := svc.Network()
	require.NoError(t, err)

	assert.Equal(t, 4, report.Depots)
	assert.Equal(t, 3, report.ActiveDepots)
	assert.Equal(t, 1, report.FreshMarkets)
	assert.Equal(t, 1, report.AgingMarkets)
	assert.Equal(t, 1, report.DarkMarkets)
	assert.Equal(t, 30000, report.TritiumOnHand)
	assert.Equal(t, 60000, report.TritiumTarget)
	assert.InDelta(t, 15000, report.MeanStock, 0.01)
	assert.InDelta(t, 10000, report.MedianStock, 0.01)
	assert.Greater(t, report.StdDevStock, 0.0)
}

func TestNetworkReportEmptyRegistry(t *testing.T) {
	svc, _, _ := newFixture(t)

	report, err := svc.Network()
	require.NoError(t, err)
	assert.Zero(t, report.Depots)
	assert.Zero(t, report.MeanStock)
}

func closedTask(variant tasks.Variant, created, closed time.Time, stage domain.Stage, delivered int) *tasks.Task {
	return &tasks.Task{
		ID:            uuid.NewString(),
		Variant:       variant,
		DepotCallsign: "AAA-111",
		Stage:         stage,
		CreatedAt:     created,
		LastTouched:   closed,
		ClosedAt:      closed,
		Required:      10000,
		Delivered:     delivered,
	}
}

func TestTaskReport(t *testing.T) {
	svc, _, taskRepo := newFixture(t)
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)

	open := &tasks.Task{
		ID:            uuid.NewString(),
		Variant:       tasks.VariantRestock,
		DepotCallsign: "AAA-111",
		Stage:         domain.StagePending,
		CreatedAt:     now.Add(-24 * time.Hour),
		LastTouched:   now.Add(-24 * time.Hour),
		Required:      8000,
	}
	require.NoError(t, taskRepo.Insert(open))

	rescue := &tasks.Task{
		ID:          uuid.NewString(),
		Variant:     tasks.VariantShipRescue,
		ClientID:    9001,
		SystemName:  "Byeia Thaa QI-Z d1",
		Stage:       domain.StageUnderway,
		CreatedAt:   now.Add(-12 * time.Hour),
		LastTouched: now.Add(-2 * time.Hour),
		Assignees:   []int64{42},
	}
	require.NoError(t, taskRepo.Insert(rescue))

	// Completed in 10h and 30h; mean 20h.
	require.NoError(t, taskRepo.Insert(closedTask(tasks.VariantRestock,
		now.Add(-34*time.Hour), now.Add(-24*time.Hour), domain.StageComplete, 9000)))
	require.NoError(t, taskRepo.Insert(closedTask(tasks.VariantRestock,
		now.Add(-78*time.Hour), now.Add(-48*time.Hour), domain.StageComplete, 10000)))

	// Aborted and out-of-window completions are excluded.
	require.NoError(t, taskRepo.Insert(closedTask(tasks.VariantRestock,
		now.Add(-50*time.Hour), now.Add(-40*time.Hour), domain.StageAborted, 500)))
	require.NoError(t, taskRepo.Insert(closedTask(tasks.VariantRestock,
		now.Add(-300*time.Hour), now.Add(-290*time.Hour), domain.StageComplete, 7000)))

	report, err := svc.Tasks(now, 7*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, report.OpenRestocks)
	assert.Equal(t, 1, report.OpenRescues)
	assert.Equal(t, 1, report.Unassigned)
	assert.Equal(t, 2, report.CompletedLastWeek)
	assert.Equal(t, 19000, report.DeliveredLastWeek)
	assert.InDelta(t, 20.0, report.MeanCompletionHrs, 0.01)
	assert.InDelta(t, 30.0, report.P90CompletionHrs, 0.01)
}

func TestTaskReportNoHistory(t *testing.T) {
	svc, _, _ := newFixture(t)

	report, err := svc.Tasks(time.Now().UTC(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.CompletedLastWeek)
	assert.Zero(t, report.MeanCompletionHrs)
}
