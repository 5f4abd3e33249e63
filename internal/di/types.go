// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/clients/discord"
	"github.com/stellarbot/stellar/internal/clients/eddn"
	"github.com/stellarbot/stellar/internal/clients/frontier"
	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/lifecycle"
	"github.com/stellarbot/stellar/internal/reliability"
	"github.com/stellarbot/stellar/internal/scheduler"
	"github.com/stellarbot/stellar/internal/statistics"
	"github.com/stellarbot/stellar/internal/tasks"
)

// Container holds all application dependencies. It is created by Wire and is
// the single source of truth for service instances.
type Container struct {
	// Databases. The credential store runs on the ledger profile; the
	// registry and task databases on the standard profile.
	RegistryDB *database.DB
	TasksDB    *database.DB
	CapiDB     *database.DB

	// Eventing
	EventBus     *events.Bus
	EventManager *events.Manager

	// Clients
	DiscordClient *discord.Client
	Notifier      *discord.Notifier
	EddnPublisher *eddn.Publisher
	EddnListener  *eddn.Listener // nil when no stream URL is configured
	Frontier      *frontier.Client

	// Repositories
	DepotRepo *depots.Repository
	TaskRepo  *tasks.Repository
	CapiRepo  *capi.Repository

	// Services
	DepotService *depots.Service
	TaskService  *tasks.Service
	CapiTracker  *capi.Tracker
	Statistics   *statistics.Service

	// Lifecycle engine
	Ledger       *lifecycle.Ledger
	Orchestrator *lifecycle.Orchestrator
	Dispatcher   *lifecycle.Dispatcher
	Handlers     *lifecycle.Handlers
	Ingest       *lifecycle.IngestPipeline

	// Reliability
	BackupService  *reliability.BackupService // nil when backups are disabled
	MaintenanceJob *reliability.MaintenanceJob

	// Scheduling
	Scheduler *scheduler.Scheduler
	TickJob   *scheduler.TickJob
}

// Databases returns every open database, for health checks and backups.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.RegistryDB, c.TasksDB, c.CapiDB}
}

// Close releases everything the container owns, in reverse wiring order.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Stop()
	}
	if c.EddnListener != nil {
		_ = c.EddnListener.Stop()
	}
	for _, db := range c.Databases() {
		if db != nil {
			_ = db.Close()
		}
	}
}
