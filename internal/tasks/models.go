// Package tasks implements the restock and rescue task state machines.
//
// A task moves Pending -> Underway -> Complete, or is Aborted from either
// open stage. Closed tasks are terminal. Tasks untouched for the revive
// window are "revived": re-announced with escalating urgency, without any
// stage change.
package tasks

import (
	"time"

	"github.com/stellarbot/stellar/internal/domain"
)

// Variant identifies the kind of work a task represents.
type Variant string

const (
	VariantRestock       Variant = "restock"
	VariantShipRescue    Variant = "ship_rescue"
	VariantCarrierRescue Variant = "carrier_rescue"
)

// Rescue reports whether the variant is one of the rescue flavours.
func (v Variant) Rescue() bool {
	return v == VariantShipRescue || v == VariantCarrierRescue
}

// Task is a unit of coordinated hauler work.
type Task struct {
	ID            string
	Variant       Variant
	DepotCallsign string // restocks and carrier rescues
	ClientID      int64  // discord id of the stranded player, rescues only
	SystemName    string
	Stage         domain.Stage
	CreatedAt     time.Time
	LastTouched   time.Time
	ClosedAt      time.Time // zero while open
	ReviveCount   int

	// Restock progress. Required is the delivery target, Initial the stock
	// when the task was opened, Delivered the confirmed amount so far.
	Required  int
	Initial   int
	Delivered int
	SellPrice int

	// Tritium asked for by a stranded carrier.
	Tritium int

	Assignees []int64
	MessageID int64
}

// Open reports whether the task can still make progress.
func (t *Task) Open() bool {
	return t.Stage.Open()
}

// Progress returns delivered over required, clamped to [0, 1].
// Tasks with no target report 0.
func (t *Task) Progress() float64 {
	if t.Required <= 0 {
		return 0
	}
	p := float64(t.Delivered) / float64(t.Required)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// Assigned reports whether the given discord id holds an assignment.
func (t *Task) Assigned(id int64) bool {
	for _, a := range t.Assignees {
		if a == id {
			return true
		}
	}
	return false
}

// DueForRevival reports whether the task has sat untouched for the full
// revive window as of now. Closed tasks are never revived.
func (t *Task) DueForRevival(now time.Time, window time.Duration) bool {
	if !t.Open() {
		return false
	}
	return now.Sub(t.LastTouched) >= window
}
