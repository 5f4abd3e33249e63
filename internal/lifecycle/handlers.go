package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/tasks"
)

// Notifier delivers engine output to the crew. Implementations post to the
// Discord guild; tests substitute a recorder. Announce calls return the
// posted message id so tasks can link back to their thread.
type Notifier interface {
	AnnounceTask(ctx context.Context, task *tasks.Task, depot *depots.Depot) (int64, error)
	ReviveTask(ctx context.Context, task *tasks.Task, depot *depots.Depot) error
	MarketWarning(ctx context.Context, depot *depots.Depot) error
	MarketAlert(ctx context.Context, depot *depots.Depot) error
	CapiFollowup(ctx context.Context, link *capi.Link) error
	OwnerNotice(ctx context.Context, depot *depots.Depot, message string) error
}

// Handlers binds intent kinds to their outward effects.
type Handlers struct {
	depots   *depots.Service
	tasks    *tasks.Service
	capi     *capi.Tracker
	notifier Notifier
	log      zerolog.Logger
}

// NewHandlers creates the intent handler set.
func NewHandlers(depotSvc *depots.Service, taskSvc *tasks.Service, tracker *capi.Tracker, notifier Notifier, log zerolog.Logger) *Handlers {
	return &Handlers{
		depots:   depotSvc,
		tasks:    taskSvc,
		capi:     tracker,
		notifier: notifier,
		log:      log.With().Str("service", "handlers").Logger(),
	}
}

// Wire registers every handler on the dispatcher.
func (h *Handlers) Wire(d *Dispatcher) {
	d.Register(KindCreateRestock, h.CreateRestock)
	d.Register(KindCreateRescue, h.CreateRescue)
	d.Register(KindReviveTask, h.ReviveTask)
	d.Register(KindMarketWarning, h.MarketWarning)
	d.Register(KindMarketAlert, h.MarketAlert)
	d.Register(KindCapiFollowup, h.CapiFollowup)
	d.Register(KindOwnerNotice, h.OwnerNotice)
}

// CreateRestock ensures an open restock exists for the depot and announces
// it. Re-running after a partial failure finds the existing task and only
// repeats the announcement.
func (h *Handlers) CreateRestock(ctx context.Context, intent ActionIntent) error {
	depot, err := h.depot(intent.Entity)
	if err != nil {
		return err
	}

	open, err := h.tasks.Repo().GetOpenByDepot(depot.Callsign, tasks.VariantRestock)
	if err != nil {
		return err
	}

	var task *tasks.Task
	if len(open) > 0 {
		task = &open[0]
	} else if h.depots.Classify(depot, intent.Boundary) == freshness.Expired {
		task, err = h.tasks.OpenExpiredRestock(depot, intent.Boundary)
	} else {
		task, err = h.tasks.TryRestock(depot, intent.Boundary)
	}
	if err != nil {
		return err
	}
	if task == nil {
		// Conditions changed since the tick derived the intent.
		return nil
	}

	if task.MessageID == 0 {
		msgID, err := h.notifier.AnnounceTask(ctx, task, depot)
		if err != nil {
			return faults.Transient(err)
		}
		task.MessageID = msgID
		task.LastTouched = intent.Boundary
		if err := h.tasks.Repo().Update(task); err != nil {
			return err
		}
	}
	return nil
}

// CreateRescue announces an already-created rescue task.
func (h *Handlers) CreateRescue(ctx context.Context, intent ActionIntent) error {
	task, err := h.tasks.Repo().GetByID(intent.Entity)
	if err != nil {
		return err
	}
	if task == nil {
		return faults.Permanent(faults.Newf("unknown task %s", intent.Entity))
	}
	if !task.Open() || task.MessageID != 0 {
		return nil
	}

	depot, _ := h.depots.Repo().GetByCallsign(task.DepotCallsign)
	msgID, err := h.notifier.AnnounceTask(ctx, task, depot)
	if err != nil {
		return faults.Transient(err)
	}
	task.MessageID = msgID
	return h.tasks.Repo().Update(task)
}

// ReviveTask re-announces a neglected task and bumps its activity clock.
// The clock only moves after the announcement lands, so a failed revival
// comes due again immediately.
func (h *Handlers) ReviveTask(ctx context.Context, intent ActionIntent) error {
	task, err := h.tasks.Repo().GetByID(intent.Entity)
	if err != nil {
		return err
	}
	if task == nil {
		return faults.Permanent(faults.Newf("unknown task %s", intent.Entity))
	}
	if !task.Open() {
		// Closed since the tick derived the intent.
		return nil
	}

	var depot *depots.Depot
	if task.DepotCallsign != "" {
		depot, err = h.depots.Repo().GetByCallsign(task.DepotCallsign)
		if err != nil {
			return err
		}
	}

	if err := h.notifier.ReviveTask(ctx, task, depot); err != nil {
		return faults.Transient(err)
	}

	_, err = h.tasks.Revive(task.ID, time.Now().UTC())
	return err
}

// MarketWarning advises the owner that market data is ageing.
func (h *Handlers) MarketWarning(ctx context.Context, intent ActionIntent) error {
	depot, err := h.depot(intent.Entity)
	if err != nil {
		return err
	}
	if err := h.notifier.MarketWarning(ctx, depot); err != nil {
		return faults.Transient(err)
	}
	return nil
}

// MarketAlert nags the owner about expired market data and stamps the
// alert clock so the nag respects the quiet window.
func (h *Handlers) MarketAlert(ctx context.Context, intent ActionIntent) error {
	depot, err := h.depot(intent.Entity)
	if err != nil {
		return err
	}
	if err := h.notifier.MarketAlert(ctx, depot); err != nil {
		return faults.Transient(err)
	}
	return h.depots.Repo().UpdateLastAlerted(depot.Callsign, time.Now().UTC())
}

// CapiFollowup nags a commander whose credential link has lapsed.
func (h *Handlers) CapiFollowup(ctx context.Context, intent ActionIntent) error {
	customerID, err := parseCustomerID(intent.Entity)
	if err != nil {
		return faults.Permanent(err)
	}
	link, err := h.capi.Repo().GetByCustomerID(customerID)
	if err != nil {
		return err
	}
	if link == nil {
		return faults.Permanent(faults.Newf("unknown credential link %s", intent.Entity))
	}
	if link.State(time.Now().UTC()) == domain.CapiSyncing {
		// Re-authenticated since the tick derived the intent.
		return nil
	}

	if err := h.notifier.CapiFollowup(ctx, link); err != nil {
		return faults.Transient(err)
	}
	return h.capi.MarkFollowupSent(link.CustomerID, time.Now().UTC())
}

// OwnerNotice tells a depot owner that an automated action for their depot
// failed for good and needs a manual look.
func (h *Handlers) OwnerNotice(ctx context.Context, intent ActionIntent) error {
	depot, err := h.depot(intent.Entity)
	if err != nil {
		return err
	}
	msg := "an automated action for your depot failed and needs manual attention"
	if err := h.notifier.OwnerNotice(ctx, depot, msg); err != nil {
		return faults.Transient(err)
	}
	return nil
}

func (h *Handlers) depot(callsign string) (*depots.Depot, error) {
	depot, err := h.depots.Repo().GetByCallsign(callsign)
	if err != nil {
		return nil, err
	}
	if depot == nil {
		return nil, faults.Permanent(faults.Newf("unknown depot %s", callsign))
	}
	return depot, nil
}
