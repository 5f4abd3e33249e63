package lifecycle

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/faults"
)

// engine_state keys.
const stateLastFire = "last_fire"

// Ledger persists executed and pending action intents plus engine
// bookkeeping. It shares tasks.db with the task repository.
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLedger creates an intent ledger.
func NewLedger(db *sql.DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// Admit decides whether an intent may run. A completed key is refused for
// good; a pending key (recorded but never confirmed) is admitted again; an
// unseen key is recorded pending and admitted.
func (l *Ledger) Admit(intent ActionIntent, now time.Time) (bool, error) {
	key := intent.Key()

	var completed sql.NullInt64
	err := l.db.QueryRow(`SELECT completed_at FROM intent_ledger WHERE key = ?`, key).Scan(&completed)
	switch {
	case err == sql.ErrNoRows:
		_, err = l.db.Exec(`
			INSERT INTO intent_ledger (key, kind, entity, emitted_at, completed_at)
			VALUES (?, ?, ?, ?, NULL)`,
			key, string(intent.Kind), intent.Entity, now.Unix())
		if err != nil {
			return false, faults.Wrap(err, "failed to record intent")
		}
		return true, nil
	case err != nil:
		return false, faults.Wrap(err, "failed to look up intent")
	case completed.Valid:
		return false, nil
	default:
		// Pending from an earlier attempt, run it again.
		return true, nil
	}
}

// MarkCompleted confirms an intent executed. Completed keys are terminal.
func (l *Ledger) MarkCompleted(key string, at time.Time) error {
	_, err := l.db.Exec(`
		UPDATE intent_ledger SET completed_at = ? WHERE key = ? AND completed_at IS NULL`,
		at.Unix(), key)
	if err != nil {
		return faults.Wrap(err, "failed to complete intent")
	}
	return nil
}

// IsCompleted reports whether a key has been confirmed.
func (l *Ledger) IsCompleted(key string) (bool, error) {
	var completed sql.NullInt64
	err := l.db.QueryRow(`SELECT completed_at FROM intent_ledger WHERE key = ?`, key).Scan(&completed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(err, "failed to look up intent")
	}
	return completed.Valid, nil
}

// PendingCount returns the number of admitted-but-unconfirmed intents.
func (l *Ledger) PendingCount() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM intent_ledger WHERE completed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, faults.Wrap(err, "failed to count pending intents")
	}
	return n, nil
}

// Prune drops completed ledger rows older than the cutoff. Pending rows are
// kept regardless of age.
func (l *Ledger) Prune(cutoff time.Time) (int64, error) {
	result, err := l.db.Exec(`
		DELETE FROM intent_ledger WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, faults.Wrap(err, "failed to prune ledger")
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		l.log.Debug().Int64("pruned", n).Msg("Ledger pruned")
	}
	return n, nil
}

// LastFire returns the persisted instant of the last executed tick, or the
// zero time when the engine has never ticked.
func (l *Ledger) LastFire() (time.Time, error) {
	var value string
	err := l.db.QueryRow(`SELECT value FROM engine_state WHERE key = ?`, stateLastFire).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, faults.Wrap(err, "failed to read last fire")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, faults.Wrap(err, "corrupt last fire value")
	}
	return t.UTC(), nil
}

// SetLastFire persists the instant of the last executed tick.
func (l *Ledger) SetLastFire(at time.Time) error {
	_, err := l.db.Exec(`
		INSERT INTO engine_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateLastFire, at.UTC().Format(time.RFC3339))
	if err != nil {
		return faults.Wrap(err, "failed to persist last fire")
	}
	return nil
}
