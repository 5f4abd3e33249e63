package di

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/clients/discord"
	"github.com/stellarbot/stellar/internal/clients/eddn"
	"github.com/stellarbot/stellar/internal/clients/frontier"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/events"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/lifecycle"
	"github.com/stellarbot/stellar/internal/reliability"
	"github.com/stellarbot/stellar/internal/scheduler"
	"github.com/stellarbot/stellar/internal/statistics"
	"github.com/stellarbot/stellar/internal/tasks"
)

// Wire initializes all dependencies and returns a fully configured container.
//
// Order of operations:
//  1. Databases (with migrations)
//  2. Eventing
//  3. Clients
//  4. Repositories and services
//  5. Lifecycle engine
//  6. Reliability and scheduled jobs
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	if err := initDatabases(c, cfg); err != nil {
		c.Close()
		return nil, faults.Wrap(err, "failed to initialize databases")
	}

	c.EventBus = events.NewBus()
	c.EventManager = events.NewManager(c.EventBus, log)

	initClients(c, cfg, log)
	initServices(c, cfg, log)
	initLifecycle(c, cfg, log)

	if err := initReliability(c, cfg, log); err != nil {
		c.Close()
		return nil, faults.Wrap(err, "failed to initialize reliability services")
	}
	if err := initScheduler(c, cfg, log); err != nil {
		c.Close()
		return nil, faults.Wrap(err, "failed to schedule jobs")
	}

	log.Info().Msg("Dependency injection wiring completed")
	return c, nil
}

func initDatabases(c *Container, cfg *config.Config) error {
	open := func(name string, profile database.DatabaseProfile) (*database.DB, error) {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(name),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	var err error
	if c.RegistryDB, err = open("registry", database.ProfileStandard); err != nil {
		return err
	}
	if c.TasksDB, err = open("tasks", database.ProfileStandard); err != nil {
		return err
	}
	if c.CapiDB, err = open("capi", database.ProfileLedger); err != nil {
		return err
	}
	return nil
}

func initClients(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.DiscordClient = discord.NewClient(cfg.DiscordToken, log)
	c.Notifier = discord.NewNotifier(c.DiscordClient, cfg.Discord, log)
	c.Frontier = frontier.NewClient(frontier.DefaultTokenURL, cfg.Capi, log)
}

func initServices(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.DepotRepo = depots.NewRepository(c.RegistryDB.Conn(), log)
	c.TaskRepo = tasks.NewRepository(c.TasksDB.Conn(), log)
	c.CapiRepo = capi.NewRepository(c.CapiDB.Conn(), log)

	uploadURL := cfg.Eddn.UploadURL
	if uploadURL == "" {
		uploadURL = eddn.DefaultUploadURL
	}
	c.EddnPublisher = eddn.NewPublisher(uploadURL, cfg.Eddn, c.DepotRepo, log)

	c.DepotService = depots.NewService(
		c.DepotRepo,
		c.EventManager,
		c.EddnPublisher,
		cfg.Timings.MarketWarning,
		cfg.Timings.MarketExpiry,
		log,
	)
	c.TaskService = tasks.NewService(c.TaskRepo, c.EventManager, log)
	c.CapiTracker = capi.NewTracker(c.CapiRepo, c.Frontier, c.EventManager, cfg.Capi.RetryRefresh, log)
	c.Statistics = statistics.NewService(c.DepotRepo, c.TaskRepo, log)
}

func initLifecycle(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Ledger = lifecycle.NewLedger(c.TasksDB.Conn(), log)
	c.Orchestrator = lifecycle.NewOrchestrator(
		c.DepotService,
		c.TaskService,
		c.CapiTracker,
		c.Ledger,
		c.EventManager,
		cfg.Timings,
		log,
	)
	c.Dispatcher = lifecycle.NewDispatcher(c.Ledger, c.EventManager, log)
	c.Handlers = lifecycle.NewHandlers(c.DepotService, c.TaskService, c.CapiTracker, c.Notifier, log)
	c.Handlers.Wire(c.Dispatcher)
	c.Ingest = lifecycle.NewIngestPipeline(c.DepotService, c.Orchestrator, c.Dispatcher, log)

	if cfg.Eddn.StreamURL != "" {
		c.EddnListener = eddn.NewListener(cfg.Eddn.StreamURL, c.DepotRepo, c.Ingest, log)
	}
}

func initReliability(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.MaintenanceJob = reliability.NewMaintenanceJob(c.Databases(), cfg.DataDir, log)

	if !cfg.Backup.Enabled {
		return nil
	}

	store, err := reliability.NewS3Store(
		context.Background(),
		cfg.Backup,
		cfg.BackupAccessKey,
		cfg.BackupSecretKey,
		log,
	)
	if err != nil {
		return err
	}

	c.BackupService = reliability.NewBackupService(
		c.Databases(),
		store,
		cfg.DataDir,
		cfg.Backup.KeyPrefix,
		cfg.Software.Name+"-"+cfg.Software.Version,
		14,
		log,
	)
	return nil
}

func initScheduler(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	c.TickJob = scheduler.NewTickJob(c.Orchestrator, c.Dispatcher, log)
	if err := c.Scheduler.AddJob(cfg.Timings.Tick.CronSpec(), c.TickJob); err != nil {
		return err
	}
	// Safety poll: a boundary missed during downtime fires on the next hour.
	if err := c.Scheduler.AddJob("@hourly", c.TickJob); err != nil {
		return err
	}

	if err := c.Scheduler.AddJob("30 3 * * *", scheduler.NewLedgerPruneJob(c.Ledger)); err != nil {
		return err
	}
	if err := c.Scheduler.AddJob("0 4 * * *", c.MaintenanceJob); err != nil {
		return err
	}

	if c.BackupService != nil {
		backupJob := scheduler.NewFuncJob("engine:backup", func() error {
			return c.BackupService.CreateAndUpload(context.Background())
		})
		if err := c.Scheduler.AddJob("0 2 * * *", backupJob); err != nil {
			return err
		}
	}
	return nil
}
