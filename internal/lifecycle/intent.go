// Package lifecycle is the daily tick engine. One orchestrator pass derives
// everything the network owes the outside world (task announcements,
// revivals, stale-market nags, credential followups) as action intents,
// deduplicated through a persistent ledger so a crashed or repeated tick
// never sends anything twice.
package lifecycle

import (
	"fmt"
	"time"
)

// Kind names an outward-facing action.
type Kind string

const (
	// KindCreateRestock opens and announces a restock task for a depot.
	KindCreateRestock Kind = "create_restock"
	// KindCreateRescue announces a newly opened rescue task.
	KindCreateRescue Kind = "create_rescue"
	// KindReviveTask re-announces a neglected open task.
	KindReviveTask Kind = "revive_task"
	// KindMarketAlert nags a depot owner whose market data has expired.
	KindMarketAlert Kind = "market_alert"
	// KindMarketWarning advises a depot owner that market data is ageing.
	KindMarketWarning Kind = "market_warning"
	// KindCapiFollowup nags an owner whose credential link has lapsed.
	KindCapiFollowup Kind = "capi_followup"
	// KindOwnerNotice is a free-form owner notification.
	KindOwnerNotice Kind = "owner_notice"
)

// tickstampLayout keys intents to a minute-resolution boundary.
const tickstampLayout = "2006-01-02T15:04"

// ActionIntent is one deduplicated unit of outward work. Entity is the
// subject (depot callsign, task id, capi customer id); Boundary is the tick
// that produced it. Adapters resolve current details from the entity at
// execution time, so an intent carries no payload that could go stale.
type ActionIntent struct {
	Kind     Kind
	Entity   string
	Boundary time.Time
}

// Key is the ledger identity of the intent. Same kind, entity, and boundary
// means the same action, regardless of how many times a tick is replayed.
func (i ActionIntent) Key() string {
	return fmt.Sprintf("%s:%s:%s", i.Kind, i.Entity, i.Boundary.UTC().Format(tickstampLayout))
}

func (i ActionIntent) String() string {
	return i.Key()
}
