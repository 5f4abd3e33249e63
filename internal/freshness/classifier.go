// Package freshness classifies how stale a depot's market data is.
package freshness

import "time"

// State is the freshness classification of a market snapshot.
type State string

const (
	// Fresh - market data is recent enough to trust.
	Fresh State = "Fresh"
	// Warning - market data is ageing and the owner should refresh it.
	Warning State = "Warning"
	// Expired - market data is stale; a restock task is warranted.
	Expired State = "Expired"
)

// Classify maps a market's last-update instant to a freshness state.
//
//	age < warning           -> Fresh
//	warning <= age < expiry -> Warning
//	age >= expiry           -> Expired
//
// Boundaries are inclusive on the warning/expiry side. The function is pure;
// warning < expiry is guaranteed by config validation.
func Classify(lastUpdate, now time.Time, warning, expiry time.Duration) State {
	age := now.Sub(lastUpdate)

	if age >= expiry {
		return Expired
	}
	if age >= warning {
		return Warning
	}
	return Fresh
}
