package depots

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/freshness"
)

// ErrStaleSnapshot is returned when an incoming snapshot is older than the
// one already stored. Stale data is dropped, never merged.
var ErrStaleSnapshot = faults.Permanent(faults.New("snapshot is older than stored market"))

// Relay forwards locally-sourced market snapshots to the public data network.
type Relay interface {
	PublishCommodities(ctx context.Context, snapshot domain.MarketSnapshot) error
}

// Service coordinates depot registration and market snapshot ingestion.
type Service struct {
	repo    *Repository
	events  *events.Manager
	relay   Relay // nil when relaying is disabled
	warning time.Duration
	expiry  time.Duration
	log     zerolog.Logger
}

// NewService creates a depot service. The relay may be nil.
func NewService(repo *Repository, em *events.Manager, relay Relay, warning, expiry time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		events:  em,
		relay:   relay,
		warning: warning,
		expiry:  expiry,
		log:     log.With().Str("service", "depots").Logger(),
	}
}

// Repo exposes the underlying repository for read paths.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Register adds or updates a depot in the registry.
func (s *Service) Register(d *Depot) error {
	if d.Kind != KindCarrier && d.Kind != KindBridge {
		return faults.Permanent(faults.Newf("unknown depot kind %q", d.Kind))
	}
	if err := s.repo.Upsert(d); err != nil {
		return err
	}
	s.log.Info().Str("callsign", d.Callsign).Str("kind", string(d.Kind)).Msg("Depot registered")
	return nil
}

// ApplySnapshot ingests a market snapshot for a depot.
//
// Snapshots older than the stored market are rejected with ErrStaleSnapshot.
// A fresh snapshot replaces the stored market wholesale, updates the depot's
// current system, and resets freshness from the snapshot timestamp. When the
// snapshot came from the depot's own commander (local=true) it is relayed to
// the public network.
func (s *Service) ApplySnapshot(ctx context.Context, snapshot domain.MarketSnapshot, local bool) (*Depot, error) {
	depot, err := s.repo.GetByCallsign(snapshot.Depot)
	if err != nil {
		return nil, err
	}
	if depot == nil {
		return nil, faults.Permanent(faults.Newf("unknown depot %s", snapshot.Depot))
	}

	if !snapshot.ReceivedAt.After(depot.MarketUpdatedAt) {
		s.log.Debug().
			Str("callsign", depot.Callsign).
			Time("stored", depot.MarketUpdatedAt).
			Time("incoming", snapshot.ReceivedAt).
			Msg("Dropping stale snapshot")
		return nil, ErrStaleSnapshot
	}

	state := freshness.Classify(snapshot.ReceivedAt, time.Now().UTC(), s.warning, s.expiry)
	if err := s.repo.UpdateMarket(depot.Callsign, snapshot.Market, snapshot.System, snapshot.ReceivedAt, state); err != nil {
		return nil, err
	}

	previous := depot.Freshness
	depot.Market = snapshot.Market
	depot.System = snapshot.System
	depot.MarketUpdatedAt = snapshot.ReceivedAt
	depot.Freshness = state

	source := "eddn"
	if local {
		source = "capi"
	}
	s.events.Emit("depots", &events.MarketUpdatedData{
		Depot:      depot.Callsign,
		System:     depot.System.Name,
		Goods:      len(depot.Market),
		ReceivedAt: snapshot.ReceivedAt,
		Source:     source,
	})
	if previous != state {
		s.events.Emit("depots", &events.FreshnessChangedData{
			Depot: depot.Callsign,
			From:  string(previous),
			To:    string(state),
		})
	}

	if local && s.relay != nil {
		if err := s.relay.PublishCommodities(ctx, snapshot); err != nil {
			// Relay failure never blocks ingestion.
			s.log.Warn().Err(err).Str("callsign", depot.Callsign).Msg("Failed to relay snapshot")
		}
	}

	return depot, nil
}

// RefreshFreshness recomputes and persists freshness for every active depot,
// returning the depots whose state changed.
func (s *Service) RefreshFreshness(now time.Time) ([]Depot, error) {
	active, err := s.repo.GetActive()
	if err != nil {
		return nil, err
	}

	var changed []Depot
	for i := range active {
		d := &active[i]
		state := freshness.Classify(d.MarketUpdatedAt, now, s.warning, s.expiry)
		if state == d.Freshness {
			continue
		}
		from := d.Freshness
		if err := s.repo.UpdateFreshness(d.Callsign, state); err != nil {
			return nil, err
		}
		d.Freshness = state
		changed = append(changed, *d)

		s.events.Emit("depots", &events.FreshnessChangedData{
			Depot: d.Callsign,
			From:  string(from),
			To:    string(state),
		})
	}
	return changed, nil
}

// Classify returns the live freshness of a depot's market at the given instant.
func (s *Service) Classify(d *Depot, now time.Time) freshness.State {
	return freshness.Classify(d.MarketUpdatedAt, now, s.warning, s.expiry)
}
