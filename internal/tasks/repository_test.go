package tasks

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbot/stellar/internal/domain"
	stellartest "github.com/stellarbot/stellar/internal/testing"
)

func newTestTaskRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := stellartest.NewTestDB(t, "tasks")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func newRestockTask(callsign string, createdAt time.Time) *Task {
	return &Task{
		ID:            uuid.New().String(),
		Variant:       VariantRestock,
		DepotCallsign: callsign,
		SystemName:    "Wregoe",
		Stage:         domain.StagePending,
		CreatedAt:     createdAt,
		LastTouched:   createdAt,
		Required:      15000,
		Initial:       3000,
		SellPrice:     51000,
	}
}

func TestInsertAndGetByID(t *testing.T) {
	repo := newTestTaskRepo(t)

	created := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)
	task := newRestockTask("X7F-94K", created)
	task.Assignees = []int64{11, 22}
	require.NoError(t, repo.Insert(task))

	got, err := repo.GetByID(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, VariantRestock, got.Variant)
	assert.Equal(t, "X7F-94K", got.DepotCallsign)
	assert.Equal(t, domain.StagePending, got.Stage)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, 15000, got.Required)
	assert.Equal(t, []int64{11, 22}, got.Assignees)
	assert.True(t, got.ClosedAt.IsZero())
}

func TestGetByIDMissing(t *testing.T) {
	repo := newTestTaskRepo(t)

	got, err := repo.GetByID(uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdate(t *testing.T) {
	repo := newTestTaskRepo(t)

	now := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)
	task := newRestockTask("X7F-94K", now)
	require.NoError(t, repo.Insert(task))

	task.Stage = domain.StageUnderway
	task.Delivered = 4000
	task.Assignees = []int64{99}
	task.LastTouched = now.Add(time.Hour)
	require.NoError(t, repo.Update(task))

	got, err := repo.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageUnderway, got.Stage)
	assert.Equal(t, 4000, got.Delivered)
	assert.Equal(t, []int64{99}, got.Assignees)
	assert.Equal(t, now.Add(time.Hour), got.LastTouched)
}

func TestUpdateUnknownTask(t *testing.T) {
	repo := newTestTaskRepo(t)

	task := newRestockTask("X7F-94K", time.Now().UTC())
	assert.Error(t, repo.Update(task))
}

func TestGetOpenByDepotExcludesClosed(t *testing.T) {
	repo := newTestTaskRepo(t)
	now := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)

	open := newRestockTask("X7F-94K", now)
	require.NoError(t, repo.Insert(open))

	closed := newRestockTask("X7F-94K", now.Add(-48*time.Hour))
	closed.Stage = domain.StageComplete
	closed.ClosedAt = now.Add(-24 * time.Hour)
	require.NoError(t, repo.Insert(closed))

	other := newRestockTask("BBB-222", now)
	require.NoError(t, repo.Insert(other))

	got, err := repo.GetOpenByDepot("X7F-94K", VariantRestock)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}

func TestGetDueForRevivalOrdering(t *testing.T) {
	repo := newTestTaskRepo(t)
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)

	oldest := newRestockTask("AAA-111", now.Add(-10*24*time.Hour))
	require.NoError(t, repo.Insert(oldest))

	younger := newRestockTask("BBB-222", now.Add(-4*24*time.Hour))
	require.NoError(t, repo.Insert(younger))

	fresh := newRestockTask("CCC-333", now.Add(-time.Hour))
	require.NoError(t, repo.Insert(fresh))

	closed := newRestockTask("DDD-444", now.Add(-20*24*time.Hour))
	closed.Stage = domain.StageAborted
	closed.ClosedAt = now.Add(-19 * 24 * time.Hour)
	require.NoError(t, repo.Insert(closed))

	due, err := repo.GetDueForRevival(now.Add(-3 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, oldest.ID, due[0].ID, "longest neglected task comes first")
	assert.Equal(t, younger.ID, due[1].ID)
}

func TestGetRecentClosed(t *testing.T) {
	repo := newTestTaskRepo(t)
	now := time.Date(2026, 4, 10, 7, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		task := newRestockTask("AAA-111", now.Add(-time.Duration(i+1)*time.Hour))
		task.Stage = domain.StageComplete
		task.ClosedAt = now.Add(-time.Duration(i) * time.Hour)
		require.NoError(t, repo.Insert(task))
	}

	got, err := repo.GetRecentClosed(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].ClosedAt.After(got[1].ClosedAt))
}

func TestTaskProgress(t *testing.T) {
	task := &Task{Required: 10000, Delivered: 2500}
	assert.InDelta(t, 0.25, task.Progress(), 1e-9)

	task.Delivered = 12000
	assert.Equal(t, 1.0, task.Progress(), "progress clamps at 1")

	task.Required = 0
	assert.Equal(t, 0.0, task.Progress())
}

func TestGetOpenForDepotSpansVariants(t *testing.T) {
	repo := newTestTaskRepo(t)
	created := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)

	restock := newRestockTask("X7F-94K", created)
	require.NoError(t, repo.Insert(restock))

	rescue := &Task{
		ID:            uuid.New().String(),
		Variant:       VariantCarrierRescue,
		DepotCallsign: "X7F-94K",
		ClientID:      9001,
		SystemName:    "Hypuae Briae",
		Stage:         domain.StageUnderway,
		CreatedAt:     created.Add(time.Hour),
		LastTouched:   created.Add(time.Hour),
		Tritium:       800,
	}
	require.NoError(t, repo.Insert(rescue))

	closed := newRestockTask("X7F-94K", created.Add(-48*time.Hour))
	closed.Stage = domain.StageComplete
	require.NoError(t, repo.Insert(closed))

	elsewhere := newRestockTask("Q9Z-11P", created)
	require.NoError(t, repo.Insert(elsewhere))

	got, err := repo.GetOpenForDepot("X7F-94K")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, restock.ID, got[0].ID, "oldest first")
	assert.Equal(t, rescue.ID, got[1].ID)
}
