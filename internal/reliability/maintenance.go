package reliability

import (
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/faults"
)

const (
	haltFreeBytes = 500 << 20 // refuse to run with less than 500MB free
	warnFreeBytes = 5 << 30
)

// MaintenanceJob runs the daily database upkeep pass: integrity checks,
// WAL checkpoints, and a disk space sanity check on the data directory.
type MaintenanceJob struct {
	databases []*database.DB
	dataDir   string
	log       zerolog.Logger
}

func NewMaintenanceJob(databases []*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

func (j *MaintenanceJob) Run() error {
	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	for _, db := range j.databases {
		var result string
		if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
			return faults.Wrapf(err, "failed integrity check on %s", db.Name())
		}
		if result != "ok" {
			return faults.Invariant(faults.Newf("database %s failed integrity check: %s", db.Name(), result))
		}

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Checkpoints retry tomorrow; a skipped one only grows the WAL.
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	j.log.Info().Int("databases", len(j.databases)).Msg("Maintenance completed")
	return nil
}

func (j *MaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return faults.Wrap(err, "failed to stat data directory")
	}

	if usage.Free < haltFreeBytes {
		return faults.Newf("only %d MB free on data volume", usage.Free>>20)
	}
	if usage.Free < warnFreeBytes {
		j.log.Warn().Uint64("free_mb", usage.Free>>20).Msg("Data volume running low on space")
	}
	return nil
}
