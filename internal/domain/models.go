// Package domain defines the core logistics entities shared across modules.
// Domain types are pure data; all persistence lives in module repositories.
package domain

import (
	"strings"
	"time"

	"github.com/stellarbot/stellar/internal/galaxy"
)

// Tritium is the commodity every depot trades in.
const Tritium = "tritium"

// Order is one side of a commodity market (stock or demand).
type Order struct {
	Price    int `msgpack:"price" json:"price"`
	Quantity int `msgpack:"quantity" json:"quantity"`
	Bracket  int `msgpack:"bracket" json:"bracket"`
}

// Good is a commodity listing in a depot's market.
type Good struct {
	Name      string `msgpack:"name" json:"name"`
	Stock     Order  `msgpack:"stock" json:"stock"`
	Demand    Order  `msgpack:"demand" json:"demand"`
	MeanPrice int    `msgpack:"mean_price" json:"mean_price"`
}

// Market is the last received commodity data for a depot.
type Market []Good

// Find returns the listing for a commodity, or nil if the depot does not
// trade it. Commodity names are matched case-insensitively.
func (m Market) Find(name string) *Good {
	for i := range m {
		if strings.EqualFold(m[i].Name, name) {
			return &m[i]
		}
	}
	return nil
}

// Tritium returns the tritium listing, or nil if the depot does not trade it.
func (m Market) Tritium() *Good {
	return m.Find(Tritium)
}

// StockBracket calculates the reported stock bracket for a given tonnage.
func StockBracket(amount int) int {
	const capacity = 25000

	switch {
	case amount >= capacity*3/4:
		return 3
	case amount >= capacity/4:
		return 2
	case amount > 0:
		return 1
	default:
		return 0
	}
}

// MarketSnapshot couples market content with its received-at instant.
// Freshness is always derived from ReceivedAt; it is never authoritative on
// its own.
type MarketSnapshot struct {
	Depot      string
	Market     Market
	System     galaxy.System
	ReceivedAt time.Time
}

// Stage tracks the progress of a task.
type Stage string

const (
	// StagePending - task posted, no hauler assigned yet.
	StagePending Stage = "Pending"
	// StageUnderway - at least one hauler is working the task.
	StageUnderway Stage = "Underway"
	// StageComplete - task resolved successfully.
	StageComplete Stage = "Complete"
	// StageAborted - task closed without resolution.
	StageAborted Stage = "Aborted"
)

// Open reports whether the stage counts as an open task.
func (s Stage) Open() bool {
	return s == StagePending || s == StageUnderway
}

// Closed reports whether the stage is terminal.
func (s Stage) Closed() bool {
	return s == StageComplete || s == StageAborted
}

// CapiState is the credential sync state of a CAPI-linked account.
type CapiState string

const (
	// CapiUnlisted - no credential link exists for the depot.
	CapiUnlisted CapiState = "Unlisted"
	// CapiExpired - the link exists but its access token is gone and the
	// refresh token could not produce a new one.
	CapiExpired CapiState = "Expired"
	// CapiSyncing - the link is healthy and markets sync automatically.
	CapiSyncing CapiState = "Syncing"
)
