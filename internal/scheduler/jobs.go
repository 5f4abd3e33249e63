package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/lifecycle"
)

// ledgerRetention is how long completed intent rows are kept around for
// inspection before pruning.
const ledgerRetention = 30 * 24 * time.Hour

// TickJob polls the orchestrator. It runs on the configured boundary and on
// an hourly safety poll, so a boundary missed during downtime fires on the
// next poll. The orchestrator's tick-once check makes the extra polls free.
type TickJob struct {
	orch       *lifecycle.Orchestrator
	dispatcher *lifecycle.Dispatcher
	log        zerolog.Logger
}

// NewTickJob creates the tick poll job.
func NewTickJob(orch *lifecycle.Orchestrator, dispatcher *lifecycle.Dispatcher, log zerolog.Logger) *TickJob {
	return &TickJob{orch: orch, dispatcher: dispatcher, log: log}
}

func (j *TickJob) Name() string { return "engine:tick" }

func (j *TickJob) Run() error {
	intents, err := j.orch.RunTick(context.Background(), time.Now().UTC())
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}

	j.log.Info().Int("intents", len(intents)).Msg("Dispatching tick intents")
	j.dispatcher.Enqueue(intents)
	j.dispatcher.Trigger()
	return nil
}

// LedgerPruneJob drops old completed intent rows.
type LedgerPruneJob struct {
	ledger *lifecycle.Ledger
}

// NewLedgerPruneJob creates the ledger prune job.
func NewLedgerPruneJob(ledger *lifecycle.Ledger) *LedgerPruneJob {
	return &LedgerPruneJob{ledger: ledger}
}

func (j *LedgerPruneJob) Name() string { return "engine:ledger-prune" }

func (j *LedgerPruneJob) Run() error {
	_, err := j.ledger.Prune(time.Now().UTC().Add(-ledgerRetention))
	return err
}

// FuncJob wraps a plain function as a Job.
type FuncJob struct {
	name string
	fn   func() error
}

// NewFuncJob creates a job from a function.
func NewFuncJob(name string, fn func() error) *FuncJob {
	return &FuncJob{name: name, fn: fn}
}

func (j *FuncJob) Name() string { return j.name }
func (j *FuncJob) Run() error   { return j.fn() }
