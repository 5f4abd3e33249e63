package capi

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/faults"
)

const linkColumns = `customer_id, commander, depot_callsign, discord_id, auth_type,
	refresh_token, access_token, access_expiry, last_refreshed, last_followup_sent`

// Repository handles credential link database operations. It runs against
// capi.db, which uses the ledger durability profile: token loss locks the
// owner out until they re-authenticate.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new credential link repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "capi").Logger(),
	}
}

// Upsert inserts or replaces a credential link.
func (r *Repository) Upsert(l *Link) error {
	if l.RefreshToken == "" {
		return faults.Invariant(faults.New("credential link requires a refresh token"))
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO credential_links (`+linkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.CustomerID,
			l.Commander,
			l.DepotCallsign,
			l.DiscordID,
			string(l.AuthType),
			l.RefreshToken,
			nullString(l.AccessToken),
			nullUnix(l.AccessExpiry),
			unixOrZero(l.LastRefreshed),
			unixOrZero(l.LastFollowupSent),
		)
		if err != nil {
			return faults.Wrap(err, "failed to upsert credential link")
		}
		return nil
	})
}

// GetByCustomerID returns a link, or nil when the account is not linked.
func (r *Repository) GetByCustomerID(customerID int64) (*Link, error) {
	links, err := r.query(`SELECT `+linkColumns+` FROM credential_links WHERE customer_id = ?`, customerID)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}
	return &links[0], nil
}

// GetByDepot returns the link backing a depot, or nil when unlisted.
func (r *Repository) GetByDepot(callsign string) (*Link, error) {
	links, err := r.query(`SELECT `+linkColumns+` FROM credential_links WHERE depot_callsign = ?`, callsign)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}
	return &links[0], nil
}

// GetAll returns every credential link ordered by commander.
func (r *Repository) GetAll() ([]Link, error) {
	return r.query(`SELECT ` + linkColumns + ` FROM credential_links ORDER BY commander`)
}

// StoreRefreshSuccess records a confirmed token rotation. Both tokens are
// replaced atomically.
func (r *Repository) StoreRefreshSuccess(customerID int64, refreshToken, accessToken string, expiry, at time.Time) error {
	result, err := r.db.Exec(`
		UPDATE credential_links SET
			refresh_token = ?,
			access_token = ?,
			access_expiry = ?,
			last_refreshed = ?
		WHERE customer_id = ?`,
		refreshToken, accessToken, expiry.Unix(), at.Unix(), customerID)
	if err != nil {
		return faults.Wrap(err, "failed to store refreshed tokens")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return faults.Permanent(faults.Newf("unknown credential link %d", customerID))
	}
	return nil
}

// StoreRefreshFailure clears the access token after a rejected refresh.
// The refresh token is deliberately left alone so a later retry can still
// succeed against a transient provider outage.
func (r *Repository) StoreRefreshFailure(customerID int64) error {
	_, err := r.db.Exec(`
		UPDATE credential_links SET access_token = NULL WHERE customer_id = ?`,
		customerID)
	if err != nil {
		return faults.Wrap(err, "failed to clear access token")
	}
	return nil
}

// UpdateFollowupSent records when the owner was last nagged.
func (r *Repository) UpdateFollowupSent(customerID int64, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE credential_links SET last_followup_sent = ? WHERE customer_id = ?`,
		at.Unix(), customerID)
	if err != nil {
		return faults.Wrap(err, "failed to update followup timestamp")
	}
	return nil
}

// Delete removes a credential link.
func (r *Repository) Delete(customerID int64) error {
	_, err := r.db.Exec(`DELETE FROM credential_links WHERE customer_id = ?`, customerID)
	if err != nil {
		return faults.Wrap(err, "failed to delete credential link")
	}
	r.log.Info().Int64("customer_id", customerID).Msg("Credential link deleted")
	return nil
}

func (r *Repository) query(q string, args ...any) ([]Link, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, faults.Wrap(err, "failed to query credential links")
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, faults.Wrap(err, "failed to scan credential link")
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(err, "error iterating credential links")
	}
	return links, nil
}

func scanLink(rows *sql.Rows) (Link, error) {
	var l Link
	var authType string
	var accessToken sql.NullString
	var accessExpiry sql.NullInt64
	var refreshed, followup int64

	err := rows.Scan(
		&l.CustomerID,
		&l.Commander,
		&l.DepotCallsign,
		&l.DiscordID,
		&authType,
		&l.RefreshToken,
		&accessToken,
		&accessExpiry,
		&refreshed,
		&followup,
	)
	if err != nil {
		return l, err
	}

	l.AuthType = AuthType(authType)
	if accessToken.Valid {
		l.AccessToken = accessToken.String
	}
	if accessExpiry.Valid {
		l.AccessExpiry = time.Unix(accessExpiry.Int64, 0).UTC()
	}
	if refreshed > 0 {
		l.LastRefreshed = time.Unix(refreshed, 0).UTC()
	}
	if followup > 0 {
		l.LastFollowupSent = time.Unix(followup, 0).UTC()
	}
	return l, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
