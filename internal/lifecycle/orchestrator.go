package lifecycle

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/tasks"
	"github.com/stellarbot/stellar/internal/tickclock"
)

// Orchestrator drives one engine pass per daily tick boundary. It never
// talks to the outside world itself: it derives intents, filters them
// through the ledger, and hands the survivors to the dispatcher.
type Orchestrator struct {
	depots  *depots.Service
	tasks   *tasks.Service
	capi    *capi.Tracker
	ledger  *Ledger
	events  *events.Manager
	timings config.Timings
	log     zerolog.Logger
}

// NewOrchestrator creates the tick orchestrator.
func NewOrchestrator(
	depotSvc *depots.Service,
	taskSvc *tasks.Service,
	tracker *capi.Tracker,
	ledger *Ledger,
	em *events.Manager,
	timings config.Timings,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		depots:  depotSvc,
		tasks:   taskSvc,
		capi:    tracker,
		ledger:  ledger,
		events:  em,
		timings: timings,
		log:     log.With().Str("service", "lifecycle").Logger(),
	}
}

// RunTick executes the daily pass if a tick boundary has elapsed since the
// last persisted fire. Polling it more often than the boundary is harmless;
// each boundary runs exactly once no matter how late or how often the
// engine looks.
func (o *Orchestrator) RunTick(ctx context.Context, now time.Time) ([]ActionIntent, error) {
	lastFire, err := o.ledger.LastFire()
	if err != nil {
		return nil, err
	}
	if !lastFire.IsZero() && !tickclock.HasFired(lastFire, now, o.timings.Tick) {
		return nil, nil
	}

	boundary := tickclock.LastTrigger(now, o.timings.Tick)
	return o.RunBoundary(ctx, boundary)
}

// RunBoundary executes one full engine pass for a specific boundary. Manual
// triggers call this directly with a synthetic boundary.
func (o *Orchestrator) RunBoundary(ctx context.Context, boundary time.Time) ([]ActionIntent, error) {
	o.log.Info().Time("boundary", boundary).Msg("Tick started")

	// Token upkeep first so capi followups below see post-refresh states.
	if err := o.capi.RefreshDue(ctx, boundary); err != nil {
		o.events.EmitError("lifecycle", err, map[string]any{"phase": "capi_refresh"})
	}

	if _, err := o.depots.RefreshFreshness(boundary); err != nil {
		return nil, err
	}

	candidates, err := o.collect(boundary)
	if err != nil {
		return nil, err
	}

	var admitted []ActionIntent
	for _, intent := range candidates {
		ok, err := o.ledger.Admit(intent, boundary)
		if err != nil {
			return nil, err
		}
		if ok {
			admitted = append(admitted, intent)
		}
	}

	if err := o.ledger.SetLastFire(boundary); err != nil {
		return nil, err
	}

	o.log.Info().
		Time("boundary", boundary).
		Int("candidates", len(candidates)).
		Int("admitted", len(admitted)).
		Msg("Tick finished")
	o.events.Emit("lifecycle", &events.TickFiredData{
		Boundary: boundary,
		Intents:  len(admitted),
	})
	return admitted, nil
}

// RunDepot re-evaluates a single depot outside the daily boundary, typically
// right after a market snapshot lands. Only the checks a snapshot can affect
// run here: restock creation on expiry or low stock. Intents are keyed to the
// current minute, so repeated snapshots within it stay deduplicated.
func (o *Orchestrator) RunDepot(ctx context.Context, now time.Time, callsign string) ([]ActionIntent, error) {
	d, err := o.depots.Repo().GetByCallsign(callsign)
	if err != nil {
		return nil, err
	}
	if d == nil || !d.Active {
		return nil, nil
	}

	boundary := now.Truncate(time.Minute)
	needsRestock := false
	switch o.depots.Classify(d, now) {
	case freshness.Expired:
		needsRestock = true
	case freshness.Fresh:
		needsRestock = d.SellsTritium() && !d.BuysTritium() && d.NeedsRestock()
	}
	if !needsRestock {
		return nil, nil
	}

	open, err := o.tasks.Repo().GetOpenByDepot(d.Callsign, tasks.VariantRestock)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, nil
	}

	intent := ActionIntent{Kind: KindCreateRestock, Entity: d.Callsign, Boundary: boundary}
	ok, err := o.ledger.Admit(intent, boundary)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	o.log.Info().Str("callsign", d.Callsign).Msg("On-demand evaluation opened a restock intent")
	return []ActionIntent{intent}, nil
}

// AnnounceRescue admits a creation intent for a freshly opened rescue so the
// announcement goes out right away instead of waiting for the next boundary.
func (o *Orchestrator) AnnounceRescue(taskID string, now time.Time) ([]ActionIntent, error) {
	boundary := now.Truncate(time.Minute)
	intent := ActionIntent{Kind: KindCreateRescue, Entity: taskID, Boundary: boundary}
	ok, err := o.ledger.Admit(intent, boundary)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []ActionIntent{intent}, nil
}

// collect derives every candidate intent for a boundary in deterministic
// order: task creations, then revivals, then market nags, then credential
// followups.
func (o *Orchestrator) collect(boundary time.Time) ([]ActionIntent, error) {
	var intents []ActionIntent

	active, err := o.depots.Repo().GetActive()
	if err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Callsign < active[j].Callsign })

	var warnings, alerts []ActionIntent
	for i := range active {
		d := &active[i]
		switch o.depots.Classify(d, boundary) {
		case freshness.Warning:
			warnings = append(warnings, ActionIntent{
				Kind: KindMarketWarning, Entity: d.Callsign, Boundary: boundary,
			})

		case freshness.Expired:
			open, err := o.tasks.Repo().GetOpenByDepot(d.Callsign, tasks.VariantRestock)
			if err != nil {
				return nil, err
			}
			if len(open) == 0 {
				intents = append(intents, ActionIntent{
					Kind: KindCreateRestock, Entity: d.Callsign, Boundary: boundary,
				})
			}
			if o.alertDue(d, boundary) {
				alerts = append(alerts, ActionIntent{
					Kind: KindMarketAlert, Entity: d.Callsign, Boundary: boundary,
				})
			}

		case freshness.Fresh:
			// Fresh markets restock on low stock.
			if d.SellsTritium() && !d.BuysTritium() && d.NeedsRestock() {
				open, err := o.tasks.Repo().GetOpenByDepot(d.Callsign, tasks.VariantRestock)
				if err != nil {
					return nil, err
				}
				if len(open) == 0 {
					intents = append(intents, ActionIntent{
						Kind: KindCreateRestock, Entity: d.Callsign, Boundary: boundary,
					})
				}
			}
		}
	}

	// Open rescues that never got announced (a crash between creation and
	// delivery) are picked back up at the boundary.
	openTasks, err := o.tasks.Repo().GetOpen()
	if err != nil {
		return nil, err
	}
	for i := range openTasks {
		t := &openTasks[i]
		if t.Variant.Rescue() && t.MessageID == 0 {
			intents = append(intents, ActionIntent{
				Kind: KindCreateRescue, Entity: t.ID, Boundary: boundary,
			})
		}
	}

	due, err := o.tasks.DueForRevival(boundary, o.timings.TaskRevive)
	if err != nil {
		return nil, err
	}
	for _, t := range due {
		intents = append(intents, ActionIntent{
			Kind: KindReviveTask, Entity: t.ID, Boundary: boundary,
		})
	}

	intents = append(intents, warnings...)
	intents = append(intents, alerts...)

	links, err := o.capi.DueForFollowups(boundary, o.timings.CapiFollowup)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		intents = append(intents, ActionIntent{
			Kind:     KindCapiFollowup,
			Entity:   formatCustomerID(l.CustomerID),
			Boundary: boundary,
		})
	}

	return intents, nil
}

// alertDue gates expiry alerts to at most one per followup window.
func (o *Orchestrator) alertDue(d *depots.Depot, boundary time.Time) bool {
	if d.LastAlertedAt.IsZero() {
		return true
	}
	return boundary.Sub(d.LastAlertedAt) >= o.timings.MarketFollowup
}

func formatCustomerID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseCustomerID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
