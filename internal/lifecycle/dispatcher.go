package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
)

// Dispatcher defaults.
const (
	IntentTimeout = 2 * time.Minute
	MaxAttempts   = 3
)

// Handler executes one kind of action intent against the outside world.
// Handlers must be safe to re-run: a crash between execution and ledger
// confirmation replays the intent on the next tick.
type Handler func(ctx context.Context, intent ActionIntent) error

// Dispatcher executes admitted intents. Intents for the same entity run
// strictly one at a time in admission order; intents for different entities
// run concurrently. The ledger is only marked once a handler returns
// success, so outward effects commit before the key does.
type Dispatcher struct {
	ledger   *Ledger
	events   *events.Manager
	handlers map[Kind]Handler
	timeout  time.Duration
	log      zerolog.Logger

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	started chan struct{}

	stopOnce sync.Once

	mu       sync.Mutex
	queue    []queuedIntent
	inFlight map[string]bool // keyed by entity
}

type queuedIntent struct {
	intent   ActionIntent
	attempts int
}

// NewDispatcher creates an intent dispatcher.
func NewDispatcher(ledger *Ledger, em *events.Manager, log zerolog.Logger) *Dispatcher {
	return NewDispatcherWithTimeout(ledger, em, IntentTimeout, log)
}

// NewDispatcherWithTimeout creates a dispatcher with a custom per-intent
// timeout. This is primarily used for testing.
func NewDispatcherWithTimeout(ledger *Ledger, em *events.Manager, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		events:   em,
		handlers: make(map[Kind]Handler),
		timeout:  timeout,
		log:      log.With().Str("service", "dispatcher").Logger(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

// Register binds a handler to an intent kind. Unhandled kinds fail their
// intents permanently.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Enqueue adds intents to the dispatch queue. Call Trigger afterwards to
// wake the loop.
func (d *Dispatcher) Enqueue(intents []ActionIntent) {
	d.mu.Lock()
	for _, i := range intents {
		d.queue = append(d.queue, queuedIntent{intent: i})
	}
	d.mu.Unlock()
}

// Run starts the dispatch loop. This blocks until Stop is called.
func (d *Dispatcher) Run() {
	close(d.started)
	defer close(d.stopped)

	for {
		select {
		case <-d.stop:
			return
		case <-d.trigger:
			d.dispatchEligible()
		case <-d.done:
			d.dispatchEligible()
		}
	}
}

// Stop stops the dispatcher and waits for the loop to exit. In-flight
// handlers finish on their own; unconfirmed intents replay next tick.
// Safe to call repeatedly, and safe when Run was never started.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.started:
		<-d.stopped
	default:
	}
}

// Trigger wakes up the dispatcher to check for work.
// This is non-blocking and can be called from any goroutine.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// Idle reports whether nothing is queued or executing.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) == 0 && len(d.inFlight) == 0
}

// dispatchEligible launches every queued intent whose entity is not already
// executing. Skipped intents stay queued in order.
func (d *Dispatcher) dispatchEligible() {
	d.mu.Lock()
	var launch []queuedIntent
	kept := d.queue[:0]
	claimed := make(map[string]bool)
	for _, q := range d.queue {
		entity := q.intent.Entity
		if d.inFlight[entity] || claimed[entity] {
			kept = append(kept, q)
			continue
		}
		claimed[entity] = true
		d.inFlight[entity] = true
		launch = append(launch, q)
	}
	d.queue = kept
	d.mu.Unlock()

	for _, q := range launch {
		go d.execute(q)
	}
}

func (d *Dispatcher) execute(q queuedIntent) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, q.intent.Entity)
		d.mu.Unlock()

		select {
		case d.done <- struct{}{}:
		default:
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.executeOnce(ctx, q.intent)
	if err == nil {
		if err := d.ledger.MarkCompleted(q.intent.Key(), time.Now().UTC()); err != nil {
			d.log.Error().Err(err).Str("intent", q.intent.Key()).Msg("Failed to confirm intent")
		}
		return
	}

	q.attempts++
	retriable := !faults.IsPermanent(err) && q.attempts < MaxAttempts
	if ctx.Err() == context.DeadlineExceeded {
		d.log.Error().Str("intent", q.intent.Key()).Msg("Intent timed out")
	} else {
		d.log.Error().Err(err).Str("intent", q.intent.Key()).Int("attempts", q.attempts).Msg("Intent failed")
	}

	d.events.Emit("dispatcher", &events.IntentFailedData{
		Key:     q.intent.Key(),
		Kind:    string(q.intent.Kind),
		Error:   err.Error(),
		Retried: retriable,
	})

	if retriable {
		d.mu.Lock()
		d.queue = append(d.queue, q)
		d.mu.Unlock()
		return
	}

	if faults.IsPermanent(err) {
		// A permanently failed intent will never succeed; confirming it
		// stops the ledger from replaying it every tick.
		if err := d.ledger.MarkCompleted(q.intent.Key(), time.Now().UTC()); err != nil {
			d.log.Error().Err(err).Str("intent", q.intent.Key()).Msg("Failed to bury intent")
		}
		d.escalate(q.intent)
	}
	// Transient failures past the attempt cap stay pending in the ledger
	// and replay on the next tick.
}

// Kinds whose permanent failure is surfaced to the depot owner. Their
// Entity is a depot callsign, which is what the owner-notice path needs.
var ownerEscalated = map[Kind]bool{
	KindCreateRestock: true,
	KindMarketWarning: true,
	KindMarketAlert:   true,
}

// escalate queues an owner notice for a buried depot intent so the failure
// does not vanish silently. The notice rides the ledger like any intent.
func (d *Dispatcher) escalate(failed ActionIntent) {
	if !ownerEscalated[failed.Kind] {
		return
	}
	notice := ActionIntent{Kind: KindOwnerNotice, Entity: failed.Entity, Boundary: failed.Boundary}
	ok, err := d.ledger.Admit(notice, failed.Boundary)
	if err != nil {
		d.log.Error().Err(err).Str("intent", notice.Key()).Msg("Failed to admit owner notice")
		return
	}
	if !ok {
		return
	}
	d.log.Warn().Str("failed", failed.Key()).Str("callsign", failed.Entity).Msg("Escalating buried intent to owner")
	d.Enqueue([]ActionIntent{notice})
}

func (d *Dispatcher) executeOnce(ctx context.Context, intent ActionIntent) error {
	h, ok := d.handlers[intent.Kind]
	if !ok {
		return faults.Permanent(faults.Newf("no handler for intent kind %q", intent.Kind))
	}
	return h(ctx, intent)
}
