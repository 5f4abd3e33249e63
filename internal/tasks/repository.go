package tasks

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
)

const taskColumns = `id, variant, depot_callsign, client_id, system_name, stage,
	created_at, last_touched, closed_at, revive_count,
	required, initial, delivered, sell_price, tritium, assignees, message_id`

// Repository handles task database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new task repository backed by tasks.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "tasks").Logger(),
	}
}

// Insert stores a new task.
func (r *Repository) Insert(t *Task) error {
	assignees, err := json.Marshal(orderedAssignees(t.Assignees))
	if err != nil {
		return faults.Wrap(err, "failed to encode assignees")
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID,
			string(t.Variant),
			t.DepotCallsign,
			t.ClientID,
			t.SystemName,
			string(t.Stage),
			t.CreatedAt.Unix(),
			t.LastTouched.Unix(),
			nullTime(t.ClosedAt),
			t.ReviveCount,
			t.Required,
			t.Initial,
			t.Delivered,
			t.SellPrice,
			t.Tritium,
			string(assignees),
			t.MessageID,
		)
		if err != nil {
			return faults.Wrap(err, "failed to insert task")
		}
		return nil
	})
}

// Update rewrites a task's mutable columns.
func (r *Repository) Update(t *Task) error {
	assignees, err := json.Marshal(orderedAssignees(t.Assignees))
	if err != nil {
		return faults.Wrap(err, "failed to encode assignees")
	}

	result, err := r.db.Exec(`
		UPDATE tasks SET
			stage = ?,
			last_touched = ?,
			closed_at = ?,
			revive_count = ?,
			delivered = ?,
			sell_price = ?,
			assignees = ?,
			message_id = ?
		WHERE id = ?`,
		string(t.Stage),
		t.LastTouched.Unix(),
		nullTime(t.ClosedAt),
		t.ReviveCount,
		t.Delivered,
		t.SellPrice,
		string(assignees),
		t.MessageID,
		t.ID,
	)
	if err != nil {
		return faults.Wrap(err, "failed to update task")
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return faults.Permanent(faults.Newf("unknown task %s", t.ID))
	}
	return nil
}

// GetByID returns a task, or nil when it does not exist.
func (r *Repository) GetByID(id string) (*Task, error) {
	list, err := r.query(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// GetOpen returns all open tasks ordered by creation time.
func (r *Repository) GetOpen() ([]Task, error) {
	return r.query(`SELECT ` + taskColumns + ` FROM tasks
		WHERE stage IN ('Pending', 'Underway') ORDER BY created_at`)
}

// GetOpenByDepot returns open tasks of a variant for one depot, oldest first.
func (r *Repository) GetOpenByDepot(callsign string, variant Variant) ([]Task, error) {
	return r.query(`SELECT `+taskColumns+` FROM tasks
		WHERE depot_callsign = ? AND variant = ? AND stage IN ('Pending', 'Underway')
		ORDER BY created_at`, callsign, string(variant))
}

// GetOpenForDepot returns every open task tied to a depot regardless of
// variant, oldest first.
func (r *Repository) GetOpenForDepot(callsign string) ([]Task, error) {
	return r.query(`SELECT `+taskColumns+` FROM tasks
		WHERE depot_callsign = ? AND stage IN ('Pending', 'Underway')
		ORDER BY created_at`, callsign)
}

// GetOpenByClient returns open rescue tasks for a stranded player.
func (r *Repository) GetOpenByClient(clientID int64) ([]Task, error) {
	return r.query(`SELECT `+taskColumns+` FROM tasks
		WHERE client_id = ? AND stage IN ('Pending', 'Underway')
		ORDER BY created_at`, clientID)
}

// GetDueForRevival returns open tasks untouched since the cutoff, ordered
// by last_touched ascending so the longest-neglected tasks come first.
func (r *Repository) GetDueForRevival(cutoff time.Time) ([]Task, error) {
	return r.query(`SELECT `+taskColumns+` FROM tasks
		WHERE stage IN ('Pending', 'Underway') AND last_touched <= ?
		ORDER BY last_touched`, cutoff.Unix())
}

// GetRecentClosed returns the most recently closed tasks, newest first.
func (r *Repository) GetRecentClosed(limit int) ([]Task, error) {
	return r.query(`SELECT `+taskColumns+` FROM tasks
		WHERE stage IN ('Complete', 'Aborted')
		ORDER BY closed_at DESC LIMIT ?`, limit)
}

// GetAll returns every task, newest first.
func (r *Repository) GetAll() ([]Task, error) {
	return r.query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`)
}

func (r *Repository) query(q string, args ...any) ([]Task, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, faults.Wrap(err, "failed to query tasks")
	}
	defer rows.Close()

	var list []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, faults.Wrap(err, "failed to scan task")
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(err, "error iterating tasks")
	}
	return list, nil
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var variant, stage, assignees string
	var created, touched int64
	var closed, sellPrice sql.NullInt64

	err := rows.Scan(
		&t.ID,
		&variant,
		&t.DepotCallsign,
		&t.ClientID,
		&t.SystemName,
		&stage,
		&created,
		&touched,
		&closed,
		&t.ReviveCount,
		&t.Required,
		&t.Initial,
		&t.Delivered,
		&sellPrice,
		&t.Tritium,
		&assignees,
		&t.MessageID,
	)
	if err != nil {
		return t, err
	}

	t.Variant = Variant(variant)
	t.Stage = domain.Stage(stage)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.LastTouched = time.Unix(touched, 0).UTC()
	if closed.Valid {
		t.ClosedAt = time.Unix(closed.Int64, 0).UTC()
	}
	if sellPrice.Valid {
		t.SellPrice = int(sellPrice.Int64)
	}
	if err := json.Unmarshal([]byte(assignees), &t.Assignees); err != nil {
		return t, err
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// orderedAssignees keeps the stored json stable and never null.
func orderedAssignees(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
