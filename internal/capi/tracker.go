package capi

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
)

// refreshLead is how long before access expiry a refresh is attempted.
const refreshLead = 30 * time.Minute

// Tokens is the result of a confirmed token rotation.
type Tokens struct {
	RefreshToken string
	AccessToken  string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, link *Link) (*Tokens, error)
}

// Tracker owns credential link staleness: proactive token refreshes and the
// followup schedule for lapsed links.
type Tracker struct {
	repo      *Repository
	refresher Refresher
	events    *events.Manager
	retry     bool // retry transient refresh failures on the next sweep
	log       zerolog.Logger
}

// NewTracker creates a credential tracker.
func NewTracker(repo *Repository, refresher Refresher, em *events.Manager, retry bool, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		refresher: refresher,
		events:    em,
		retry:     retry,
		log:       log.With().Str("service", "capi").Logger(),
	}
}

// Repo exposes the underlying repository for read paths.
func (t *Tracker) Repo() *Repository {
	return t.repo
}

// StateFor derives the sync state of a depot's credential link.
func (t *Tracker) StateFor(callsign string, now time.Time) (domain.CapiState, error) {
	link, err := t.repo.GetByDepot(callsign)
	if err != nil {
		return domain.CapiUnlisted, err
	}
	return link.State(now), nil
}

// RefreshDue rotates tokens for every link whose access token is missing or
// expires within the lead window. Individual failures never stop the sweep.
func (t *Tracker) RefreshDue(ctx context.Context, now time.Time) error {
	links, err := t.repo.GetAll()
	if err != nil {
		return err
	}

	for i := range links {
		link := &links[i]
		if link.AccessToken != "" && link.AccessExpiry.After(now.Add(refreshLead)) {
			continue
		}
		if err := t.refreshOne(ctx, link, now); err != nil {
			t.log.Warn().Err(err).
				Int64("customer_id", link.CustomerID).
				Str("commander", link.Commander).
				Msg("Token refresh failed")
		}
	}
	return nil
}

// refreshOne attempts a single rotation. A permanent rejection (revoked or
// consumed refresh token) clears the access token so the link reads as
// Expired; a transient failure leaves the link untouched for the next sweep
// when retries are enabled.
func (t *Tracker) refreshOne(ctx context.Context, link *Link, now time.Time) error {
	tokens, err := t.refresher.Refresh(ctx, link)
	if err != nil {
		if faults.IsTransient(err) && t.retry {
			return err
		}
		if storeErr := t.repo.StoreRefreshFailure(link.CustomerID); storeErr != nil {
			return storeErr
		}
		t.events.Emit("capi", &events.CapiExpiredData{
			Commander: link.Commander,
			Depot:     link.DepotCallsign,
			Reason:    err.Error(),
		})
		return err
	}

	if err := t.repo.StoreRefreshSuccess(link.CustomerID, tokens.RefreshToken, tokens.AccessToken, tokens.Expiry, now); err != nil {
		return err
	}

	t.log.Debug().
		Int64("customer_id", link.CustomerID).
		Str("commander", link.Commander).
		Time("expiry", tokens.Expiry).
		Msg("Token refreshed")
	t.events.Emit("capi", &events.CapiRefreshedData{
		Commander: link.Commander,
		Depot:     link.DepotCallsign,
	})
	return nil
}

// DueForFollowups returns the links whose owners should be nagged, oldest
// followup first.
func (t *Tracker) DueForFollowups(now time.Time, window time.Duration) ([]Link, error) {
	links, err := t.repo.GetAll()
	if err != nil {
		return nil, err
	}

	var due []Link
	for _, l := range links {
		if l.DueForFollowup(now, window) {
			due = append(due, l)
		}
	}
	return due, nil
}

// MarkFollowupSent records that a followup for the link went out.
func (t *Tracker) MarkFollowupSent(customerID int64, at time.Time) error {
	return t.repo.UpdateFollowupSent(customerID, at)
}
