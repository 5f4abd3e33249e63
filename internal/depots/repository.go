package depots

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/galaxy"
)

const depotColumns = `callsign, kind, display_name, system_name, system_x, system_y, system_z,
	deploy_system, market_id, inara_url, owner_discord_id, reserve_tritium,
	allocated_space, active, market, market_updated_at, freshness, last_alerted_at`

// Repository handles depot registry database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new depot repository backed by registry.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "depots").Logger(),
	}
}

// GetAll returns all depots ordered by callsign.
func (r *Repository) GetAll() ([]Depot, error) {
	return r.query(`SELECT ` + depotColumns + ` FROM depots ORDER BY callsign`)
}

// GetActive returns all active depots ordered by callsign.
func (r *Repository) GetActive() ([]Depot, error) {
	return r.query(`SELECT ` + depotColumns + ` FROM depots WHERE active = 1 ORDER BY callsign`)
}

// GetByKind returns active depots of the given kind.
func (r *Repository) GetByKind(kind Kind) ([]Depot, error) {
	return r.query(`SELECT `+depotColumns+` FROM depots WHERE active = 1 AND kind = ? ORDER BY callsign`, string(kind))
}

// GetByCallsign returns a depot by callsign, or nil when not registered.
func (r *Repository) GetByCallsign(callsign string) (*Depot, error) {
	callsign = NormalizeCallsign(callsign)
	depots, err := r.query(`SELECT `+depotColumns+` FROM depots WHERE callsign = ?`, callsign)
	if err != nil {
		return nil, err
	}
	if len(depots) == 0 {
		return nil, nil
	}
	return &depots[0], nil
}

// GetByMarketID returns the depot owning the given market id, or nil.
func (r *Repository) GetByMarketID(marketID int64) (*Depot, error) {
	depots, err := r.query(`SELECT `+depotColumns+` FROM depots WHERE market_id = ?`, marketID)
	if err != nil {
		return nil, err
	}
	if len(depots) == 0 {
		return nil, nil
	}
	return &depots[0], nil
}

// Upsert inserts or replaces a depot row.
func (r *Repository) Upsert(d *Depot) error {
	d.Callsign = NormalizeCallsign(d.Callsign)
	if d.Callsign == "" {
		return faults.Invariant(faults.New("depot callsign is required"))
	}

	blob, err := msgpack.Marshal(d.Market)
	if err != nil {
		return faults.Wrap(err, "failed to encode market")
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO depots
			(`+depotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Callsign,
			string(d.Kind),
			d.DisplayName,
			d.System.Name,
			d.System.Location.X,
			d.System.Location.Y,
			d.System.Location.Z,
			d.DeploySystem,
			d.MarketID,
			d.InaraURL,
			d.OwnerDiscordID,
			d.ReserveTritium,
			d.AllocatedSpace,
			boolToInt(d.Active),
			blob,
			unixOrZero(d.MarketUpdatedAt),
			string(d.Freshness),
			unixOrZero(d.LastAlertedAt),
		)
		if err != nil {
			return faults.Wrap(err, "failed to upsert depot")
		}
		return nil
	})
}

// UpdateMarket stores a new market snapshot for a depot together with the
// system it was observed in and the recomputed freshness.
func (r *Repository) UpdateMarket(callsign string, market domain.Market, system galaxy.System, updatedAt time.Time, state freshness.State) error {
	blob, err := msgpack.Marshal(market)
	if err != nil {
		return faults.Wrap(err, "failed to encode market")
	}

	result, err := r.db.Exec(`
		UPDATE depots SET
			market = ?,
			market_updated_at = ?,
			freshness = ?,
			system_name = ?,
			system_x = ?,
			system_y = ?,
			system_z = ?
		WHERE callsign = ?`,
		blob,
		updatedAt.Unix(),
		string(state),
		system.Name,
		system.Location.X,
		system.Location.Y,
		system.Location.Z,
		NormalizeCallsign(callsign),
	)
	if err != nil {
		return faults.Wrap(err, "failed to update market")
	}

	n, _ := result.RowsAffected()
	r.log.Debug().Str("callsign", callsign).Int64("rows_affected", n).Msg("Market updated")
	return nil
}

// UpdateFreshness records a freshness transition without touching the market.
func (r *Repository) UpdateFreshness(callsign string, state freshness.State) error {
	_, err := r.db.Exec(`UPDATE depots SET freshness = ? WHERE callsign = ?`,
		string(state), NormalizeCallsign(callsign))
	if err != nil {
		return faults.Wrap(err, "failed to update freshness")
	}
	return nil
}

// UpdateLastAlerted records when the owner was last alerted about a stale market.
func (r *Repository) UpdateLastAlerted(callsign string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE depots SET last_alerted_at = ? WHERE callsign = ?`,
		at.Unix(), NormalizeCallsign(callsign))
	if err != nil {
		return faults.Wrap(err, "failed to update last_alerted_at")
	}
	return nil
}

// SetActive flips a depot active or inactive.
func (r *Repository) SetActive(callsign string, active bool) error {
	result, err := r.db.Exec(`UPDATE depots SET active = ? WHERE callsign = ?`,
		boolToInt(active), NormalizeCallsign(callsign))
	if err != nil {
		return faults.Wrap(err, "failed to update active flag")
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return faults.Permanent(faults.Newf("unknown depot %s", callsign))
	}
	return nil
}

// Delete removes a depot from the registry.
func (r *Repository) Delete(callsign string) error {
	result, err := r.db.Exec(`DELETE FROM depots WHERE callsign = ?`, NormalizeCallsign(callsign))
	if err != nil {
		return faults.Wrap(err, "failed to delete depot")
	}
	n, _ := result.RowsAffected()
	r.log.Info().Str("callsign", callsign).Int64("rows_affected", n).Msg("Depot deleted")
	return nil
}

func (r *Repository) query(q string, args ...any) ([]Depot, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, faults.Wrap(err, "failed to query depots")
	}
	defer rows.Close()

	var depots []Depot
	for rows.Next() {
		d, err := scanDepot(rows)
		if err != nil {
			return nil, faults.Wrap(err, "failed to scan depot")
		}
		depots = append(depots, d)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(err, "error iterating depots")
	}
	return depots, nil
}

func scanDepot(rows *sql.Rows) (Depot, error) {
	var d Depot
	var kind, freshnessState string
	var blob []byte
	var active int
	var marketUpdated, lastAlerted int64

	err := rows.Scan(
		&d.Callsign,
		&kind,
		&d.DisplayName,
		&d.System.Name,
		&d.System.Location.X,
		&d.System.Location.Y,
		&d.System.Location.Z,
		&d.DeploySystem,
		&d.MarketID,
		&d.InaraURL,
		&d.OwnerDiscordID,
		&d.ReserveTritium,
		&d.AllocatedSpace,
		&active,
		&blob,
		&marketUpdated,
		&freshnessState,
		&lastAlerted,
	)
	if err != nil {
		return d, err
	}

	d.Kind = Kind(kind)
	d.Active = active != 0
	d.Freshness = freshness.State(freshnessState)
	if marketUpdated > 0 {
		d.MarketUpdatedAt = time.Unix(marketUpdated, 0).UTC()
	}
	if lastAlerted > 0 {
		d.LastAlertedAt = time.Unix(lastAlerted, 0).UTC()
	}
	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &d.Market); err != nil {
			return d, err
		}
	}
	return d, nil
}

// NormalizeCallsign uppercases and trims a carrier callsign.
func NormalizeCallsign(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
