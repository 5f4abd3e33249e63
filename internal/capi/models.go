// Package capi tracks Companion API credential links and their staleness.
//
// A link ties a Frontier (or Epic) account to a depot so the engine can pull
// that depot's market without manual uploads. Links degrade: a failed token
// refresh clears the access token, and the daily sweep nags owners whose
// links have lapsed.
package capi

import (
	"time"

	"github.com/stellarbot/stellar/internal/domain"
)

// AuthType is the upstream identity provider of a credential link.
type AuthType string

const (
	AuthFrontier AuthType = "frontier"
	AuthEpic     AuthType = "epic"
)

// Link is one account-to-depot credential binding.
type Link struct {
	CustomerID    int64
	Commander     string
	DepotCallsign string
	DiscordID     int64
	AuthType      AuthType

	// RefreshToken survives failed refreshes; it is only replaced once the
	// provider has confirmed a successor. AccessToken is empty after a
	// failed refresh.
	RefreshToken string
	AccessToken  string
	AccessExpiry time.Time

	LastRefreshed    time.Time
	LastFollowupSent time.Time
}

// State derives the sync state of the link at the given instant.
func (l *Link) State(now time.Time) domain.CapiState {
	if l == nil {
		return domain.CapiUnlisted
	}
	if l.AccessToken == "" || !now.Before(l.AccessExpiry) {
		return domain.CapiExpired
	}
	return domain.CapiSyncing
}

// Expired reports whether the link can no longer pull markets.
func (l *Link) Expired(now time.Time) bool {
	return l.State(now) == domain.CapiExpired
}

// DueForFollowup reports whether the owner should be nagged about an
// expired link. Healthy links never get followups; the quiet window keeps
// the nag at most once per window.
func (l *Link) DueForFollowup(now time.Time, window time.Duration) bool {
	if !l.Expired(now) {
		return false
	}
	if l.LastFollowupSent.IsZero() {
		return true
	}
	return now.Sub(l.LastFollowupSent) >= window
}
