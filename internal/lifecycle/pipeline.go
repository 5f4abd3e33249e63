package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
)

// IngestPipeline couples snapshot ingestion to on-demand re-evaluation, so
// inbound market data can open a restock without waiting for the daily tick.
type IngestPipeline struct {
	depots     *depots.Service
	orch       *Orchestrator
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewIngestPipeline wires ingestion through the orchestrator and dispatcher.
func NewIngestPipeline(svc *depots.Service, orch *Orchestrator, d *Dispatcher, log zerolog.Logger) *IngestPipeline {
	return &IngestPipeline{
		depots:     svc,
		orch:       orch,
		dispatcher: d,
		log:        log.With().Str("service", "ingest").Logger(),
	}
}

// ApplySnapshot stores the snapshot and re-evaluates the affected depot. An
// evaluation failure never fails the ingestion; the daily tick will catch up.
func (p *IngestPipeline) ApplySnapshot(ctx context.Context, snapshot domain.MarketSnapshot, local bool) (*depots.Depot, error) {
	depot, err := p.depots.ApplySnapshot(ctx, snapshot, local)
	if err != nil {
		return nil, err
	}

	admitted, err := p.orch.RunDepot(ctx, time.Now().UTC(), depot.Callsign)
	if err != nil {
		p.log.Warn().Err(err).Str("callsign", depot.Callsign).Msg("On-demand evaluation failed")
		return depot, nil
	}
	if len(admitted) > 0 {
		p.dispatcher.Enqueue(admitted)
		p.dispatcher.Trigger()
	}
	return depot, nil
}
