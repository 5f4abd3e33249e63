// Package events provides the in-process pub/sub bus linking the lifecycle
// engine, the market listeners, and the admin API.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// TickFired - the daily tick boundary was crossed and the engine ran.
	TickFired EventType = "TICK_FIRED"
	// MarketUpdated - a depot received a new market snapshot.
	MarketUpdated EventType = "MARKET_UPDATED"
	// FreshnessChanged - a depot's market freshness classification moved.
	FreshnessChanged EventType = "FRESHNESS_CHANGED"
	// TaskCreated - a restock or rescue task was opened.
	TaskCreated EventType = "TASK_CREATED"
	// TaskRevived - an open task was bumped after going quiet.
	TaskRevived EventType = "TASK_REVIVED"
	// TaskClosed - a task reached a terminal stage.
	TaskClosed EventType = "TASK_CLOSED"
	// CapiRefreshed - a credential link obtained fresh tokens.
	CapiRefreshed EventType = "CAPI_REFRESHED"
	// CapiExpired - a credential link's refresh token was rejected.
	CapiExpired EventType = "CAPI_EXPIRED"
	// IntentFailed - an adapter could not execute an action intent.
	IntentFailed EventType = "INTENT_FAILED"
	// ErrorOccurred - a component reported an error for the webhook mirror.
	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event is a system event with typed data.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// EventData is implemented by all event payload types, keeping payloads
// type-safe while the bus stays generic.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}
