package tasks

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
)

// completionFraction is how much of the delivery target must be confirmed
// before a restock auto-closes. Haulers routinely top a carrier up slightly
// short of the exact ask.
const completionFraction = 0.8

// Service coordinates task creation, progress, and closure.
type Service struct {
	repo   *Repository
	events *events.Manager
	log    zerolog.Logger
}

// NewService creates a task service.
func NewService(repo *Repository, em *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: em,
		log:    log.With().Str("service", "tasks").Logger(),
	}
}

// Repo exposes the underlying repository for read paths.
func (s *Service) Repo() *Repository {
	return s.repo
}

// TryRestock evaluates one depot and either opens a restock task, closes a
// finished one, or does nothing. At most one open restock exists per depot.
//
// A restock is created when the depot is active, sells tritium, has no open
// tritium buy order of its own, and stock has fallen to the reserve level.
// An open restock auto-completes once delivered tonnage reaches the
// completion fraction of the target.
func (s *Service) TryRestock(d *depots.Depot, now time.Time) (*Task, error) {
	open, err := s.repo.GetOpenByDepot(d.Callsign, VariantRestock)
	if err != nil {
		return nil, err
	}

	if len(open) > 1 {
		// Two open restocks for one depot should be impossible. Keep the
		// newest, abort the older ones, and flag the inconsistency.
		if err := s.reconcileDuplicates(open, now); err != nil {
			return nil, err
		}
		open = open[len(open)-1:]
	}

	if len(open) == 1 {
		t := &open[0]
		if t.Progress() >= completionFraction {
			if err := s.Close(t.ID, false, now); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if !d.Active || !d.SellsTritium() || d.BuysTritium() || !d.NeedsRestock() {
		return nil, nil
	}

	required := d.AllocatedSpace - d.TritiumStock()
	if required <= 0 {
		return nil, nil
	}

	trit := d.Tritium()
	task := &Task{
		ID:            uuid.New().String(),
		Variant:       VariantRestock,
		DepotCallsign: d.Callsign,
		SystemName:    d.System.Name,
		Stage:         domain.StagePending,
		CreatedAt:     now,
		LastTouched:   now,
		Required:      required,
		Initial:       d.TritiumStock(),
		SellPrice:     trit.Stock.Price,
	}
	if err := s.repo.Insert(task); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("callsign", d.Callsign).
		Int("required", required).
		Msg("Restock task created")
	s.events.Emit("tasks", &events.TaskCreatedData{
		TaskID:  task.ID,
		Variant: string(task.Variant),
		Depot:   d.Callsign,
	})
	return task, nil
}

// OpenExpiredRestock opens a restock for a depot whose market data has
// expired, using the last known stock as the baseline. The reserve check is
// skipped: a depot that has gone dark is assumed to need a top-up run.
func (s *Service) OpenExpiredRestock(d *depots.Depot, now time.Time) (*Task, error) {
	open, err := s.repo.GetOpenByDepot(d.Callsign, VariantRestock)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, nil
	}

	stock := d.TritiumStock()
	required := d.AllocatedSpace - stock
	if required <= 0 {
		return nil, nil
	}

	sellPrice := 0
	if trit := d.Tritium(); trit != nil {
		sellPrice = trit.Stock.Price
	}

	task := &Task{
		ID:            uuid.New().String(),
		Variant:       VariantRestock,
		DepotCallsign: d.Callsign,
		SystemName:    d.System.Name,
		Stage:         domain.StagePending,
		CreatedAt:     now,
		LastTouched:   now,
		Required:      required,
		Initial:       stock,
		SellPrice:     sellPrice,
	}
	if err := s.repo.Insert(task); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("callsign", d.Callsign).
		Int("required", required).
		Msg("Restock task created for dark depot")
	s.events.Emit("tasks", &events.TaskCreatedData{
		TaskID:  task.ID,
		Variant: string(task.Variant),
		Depot:   d.Callsign,
	})
	return task, nil
}

// NewRescue opens a rescue task for a stranded player or carrier. A client
// with an open rescue cannot open another.
func (s *Service) NewRescue(variant Variant, clientID int64, system string, depotCallsign string, tritium int, now time.Time) (*Task, error) {
	if !variant.Rescue() {
		return nil, faults.Permanent(faults.Newf("variant %q is not a rescue", variant))
	}
	if system == "" {
		return nil, faults.Permanent(faults.New("rescue system is required"))
	}

	existing, err := s.repo.GetOpenByClient(clientID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, faults.Permanent(faults.Newf("client %d already has an open rescue", clientID))
	}

	task := &Task{
		ID:            uuid.New().String(),
		Variant:       variant,
		ClientID:      clientID,
		DepotCallsign: depotCallsign,
		SystemName:    system,
		Stage:         domain.StagePending,
		CreatedAt:     now,
		LastTouched:   now,
		Tritium:       tritium,
	}
	if err := s.repo.Insert(task); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("variant", string(variant)).
		Int64("client", clientID).
		Str("system", system).
		Msg("Rescue task created")
	s.events.Emit("tasks", &events.TaskCreatedData{
		TaskID:  task.ID,
		Variant: string(variant),
		Client:  clientID,
	})
	return task, nil
}

// Claim assigns a hauler and moves a pending task underway.
func (s *Service) Claim(id string, haulerID int64, now time.Time) (*Task, error) {
	t, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}
	if !t.Open() {
		return nil, faults.Permanent(faults.Newf("task %s is already closed", id))
	}

	if !t.Assigned(haulerID) {
		t.Assignees = append(t.Assignees, haulerID)
	}
	t.Stage = domain.StageUnderway
	t.LastTouched = now
	if err := s.repo.Update(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Abandon removes a hauler from a task. The last hauler leaving drops the
// task back to pending.
func (s *Service) Abandon(id string, haulerID int64, now time.Time) (*Task, error) {
	t, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}
	if !t.Open() {
		return nil, faults.Permanent(faults.Newf("task %s is already closed", id))
	}

	kept := t.Assignees[:0]
	for _, a := range t.Assignees {
		if a != haulerID {
			kept = append(kept, a)
		}
	}
	t.Assignees = kept
	if len(t.Assignees) == 0 {
		t.Stage = domain.StagePending
	}
	t.LastTouched = now
	if err := s.repo.Update(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordDelivery adds confirmed tonnage to a restock and auto-completes the
// task once the completion fraction is reached.
func (s *Service) RecordDelivery(id string, amount int, now time.Time) (*Task, error) {
	if amount <= 0 {
		return nil, faults.Permanent(faults.Newf("delivery amount must be positive, got %d", amount))
	}

	t, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}
	if !t.Open() {
		return nil, faults.Permanent(faults.Newf("task %s is already closed", id))
	}

	t.Delivered += amount
	t.LastTouched = now
	if err := s.repo.Update(t); err != nil {
		return nil, err
	}

	if t.Progress() >= completionFraction {
		if err := s.Close(t.ID, false, now); err != nil {
			return nil, err
		}
		t.Stage = domain.StageComplete
		t.ClosedAt = now
	}
	return t, nil
}

// Close finishes a task. Closing an already-closed task is a no-op; closure
// is terminal and a closed task never reopens.
func (s *Service) Close(id string, aborted bool, now time.Time) error {
	t, err := s.mustGet(id)
	if err != nil {
		return err
	}
	if !t.Open() {
		return nil
	}

	if aborted {
		t.Stage = domain.StageAborted
	} else {
		t.Stage = domain.StageComplete
	}
	t.ClosedAt = now
	t.LastTouched = now
	if err := s.repo.Update(t); err != nil {
		return err
	}

	s.log.Info().Str("task_id", id).Bool("aborted", aborted).Msg("Task closed")
	s.events.Emit("tasks", &events.TaskClosedData{TaskID: id, Aborted: aborted})
	return nil
}

// DueForRevival returns open tasks whose last activity is at least the
// revive window in the past, longest-neglected first.
func (s *Service) DueForRevival(now time.Time, window time.Duration) ([]Task, error) {
	return s.repo.GetDueForRevival(now.Add(-window))
}

// Revive re-announces a neglected task. The stage never changes; only the
// activity clock and the revive counter move.
func (s *Service) Revive(id string, now time.Time) (*Task, error) {
	t, err := s.mustGet(id)
	if err != nil {
		return nil, err
	}
	if !t.Open() {
		return nil, faults.Permanent(faults.Newf("task %s is already closed", id))
	}

	t.ReviveCount++
	t.LastTouched = now
	if err := s.repo.Update(t); err != nil {
		return nil, err
	}

	s.events.Emit("tasks", &events.TaskRevivedData{TaskID: id, ReviveCount: t.ReviveCount})
	return t, nil
}

func (s *Service) reconcileDuplicates(open []Task, now time.Time) error {
	kept := open[len(open)-1]
	for _, dup := range open[:len(open)-1] {
		s.log.Error().
			Str("task_id", dup.ID).
			Str("kept", kept.ID).
			Str("callsign", dup.DepotCallsign).
			Msg("Duplicate open restock, aborting older")
		s.events.EmitError("tasks",
			faults.Invariant(faults.Newf("duplicate open restock for %s", dup.DepotCallsign)),
			map[string]any{"task_id": dup.ID, "kept": kept.ID})
		if err := s.Close(dup.ID, true, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) mustGet(id string) (*Task, error) {
	t, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, faults.Permanent(faults.Newf("unknown task %s", id))
	}
	return t, nil
}
