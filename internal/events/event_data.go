package events

import "time"

// TickFiredData contains data for TickFired events
type TickFiredData struct {
	Boundary time.Time `json:"boundary"`
	Intents  int       `json:"intents"`
}

// EventType returns the event type for TickFiredData
func (d *TickFiredData) EventType() EventType { return TickFired }

// MarketUpdatedData contains data for MarketUpdated events
type MarketUpdatedData struct {
	Depot      string    `json:"depot"`
	System     string    `json:"system"`
	Goods      int       `json:"goods"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"` // eddn, capi, api
}

// EventType returns the event type for MarketUpdatedData
func (d *MarketUpdatedData) EventType() EventType { return MarketUpdated }

// FreshnessChangedData contains data for FreshnessChanged events
type FreshnessChangedData struct {
	Depot string `json:"depot"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// EventType returns the event type for FreshnessChangedData
func (d *FreshnessChangedData) EventType() EventType { return FreshnessChanged }

// TaskCreatedData contains data for TaskCreated events
type TaskCreatedData struct {
	TaskID  string `json:"task_id"`
	Variant string `json:"variant"`
	Depot   string `json:"depot,omitempty"`
	Client  int64  `json:"client,omitempty"`
}

// EventType returns the event type for TaskCreatedData
func (d *TaskCreatedData) EventType() EventType { return TaskCreated }

// TaskRevivedData contains data for TaskRevived events
type TaskRevivedData struct {
	TaskID      string `json:"task_id"`
	ReviveCount int    `json:"revive_count"`
}

// EventType returns the event type for TaskRevivedData
func (d *TaskRevivedData) EventType() EventType { return TaskRevived }

// TaskClosedData contains data for TaskClosed events
type TaskClosedData struct {
	TaskID  string `json:"task_id"`
	Aborted bool   `json:"aborted"`
}

// EventType returns the event type for TaskClosedData
func (d *TaskClosedData) EventType() EventType { return TaskClosed }

// CapiRefreshedData contains data for CapiRefreshed events
type CapiRefreshedData struct {
	Commander string `json:"commander"`
	Depot     string `json:"depot,omitempty"`
}

// EventType returns the event type for CapiRefreshedData
func (d *CapiRefreshedData) EventType() EventType { return CapiRefreshed }

// CapiExpiredData contains data for CapiExpired events
type CapiExpiredData struct {
	Commander string `json:"commander"`
	Depot     string `json:"depot,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for CapiExpiredData
func (d *CapiExpiredData) EventType() EventType { return CapiExpired }

// IntentFailedData contains data for IntentFailed events
type IntentFailedData struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
	Retried bool   `json:"retried"`
}

// EventType returns the event type for IntentFailedData
func (d *IntentFailedData) EventType() EventType { return IntentFailed }

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
