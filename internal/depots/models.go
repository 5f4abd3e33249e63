// Package depots manages the registry of logistics depots: fleet carriers
// and bridge stations, their market snapshots, and market freshness.
package depots

import (
	"time"

	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/galaxy"
)

// Kind distinguishes the two depot flavours.
type Kind string

const (
	KindCarrier Kind = "carrier"
	KindBridge  Kind = "bridge"
)

// Depot is a registered logistics depot.
type Depot struct {
	Callsign       string
	Kind           Kind
	DisplayName    string
	System         galaxy.System
	DeploySystem   string // system the depot is assigned to, may differ from current
	MarketID       int64
	InaraURL       string
	OwnerDiscordID int64
	ReserveTritium int // stock at or below this triggers a restock
	AllocatedSpace int // cargo space reserved for tritium hauling
	Active         bool

	Market          domain.Market
	MarketUpdatedAt time.Time
	Freshness       freshness.State
	LastAlertedAt   time.Time // last expiry alert DM, zero if never
}

// Position implements galaxy.Locatable.
func (d *Depot) Position() galaxy.Point3 {
	return d.System.Location
}

// Name returns the human-facing name, falling back to the callsign.
func (d *Depot) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Callsign
}

// Tritium returns the depot's tritium listing, or nil when the market
// does not list it.
func (d *Depot) Tritium() *domain.Good {
	return d.Market.Tritium()
}

// SellsTritium reports whether the depot currently has tritium for sale.
func (d *Depot) SellsTritium() bool {
	g := d.Tritium()
	return g != nil && g.Stock.Quantity > 0
}

// BuysTritium reports whether the depot has an open tritium buy order.
// A depot buying tritium is already restocking itself.
func (d *Depot) BuysTritium() bool {
	g := d.Tritium()
	return g != nil && g.Demand.Quantity > 0
}

// TritiumStock returns current tritium tonnage, 0 when unlisted.
func (d *Depot) TritiumStock() int {
	g := d.Tritium()
	if g == nil {
		return 0
	}
	return g.Stock.Quantity
}

// NeedsRestock reports whether tritium stock has fallen to the reserve level.
// Depots with no tritium listing never need restocking.
func (d *Depot) NeedsRestock() bool {
	g := d.Tritium()
	if g == nil {
		return false
	}
	return g.Stock.Quantity <= d.ReserveTritium
}
