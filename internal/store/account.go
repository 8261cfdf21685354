package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/acctbroker/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var available, quotaFull int
	var membership string
	var trialLen, trialRemaining sql.NullInt64
	var membershipChecked, quotaChecked, occupiedTime, lastUsed sql.NullTime
	var occupiedBy sql.NullString

	err := scanner.Scan(
		&a.ID, &a.Handle, &a.SessionCredential, &a.AccessToken, &a.RefreshToken, &a.SignUpType,
		&available, &quotaFull, &a.UsedCents, &membership, &a.Tier, &trialLen, &trialRemaining,
		&membershipChecked, &quotaChecked, &occupiedBy, &occupiedTime, &lastUsed, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Available = available != 0
	a.QuotaFull = quotaFull != 0
	a.Membership = model.Membership(membership)
	if trialLen.Valid {
		n := int(trialLen.Int64)
		a.TrialLengthDays = &n
	}
	if trialRemaining.Valid {
		n := int(trialRemaining.Int64)
		a.TrialDaysRemaining = &n
	}
	if membershipChecked.Valid {
		a.MembershipCheckedAt = &membershipChecked.Time
	}
	if quotaChecked.Valid {
		a.QuotaCheckedAt = &quotaChecked.Time
	}
	if occupiedBy.Valid {
		a.OccupiedByLicense = &occupiedBy.String
	}
	if occupiedTime.Valid {
		a.OccupiedTime = &occupiedTime.Time
	}
	if lastUsed.Valid {
		a.LastUsedTime = &lastUsed.Time
	}
	return &a, nil
}

const accountCols = `id, handle, session_credential, access_token, refresh_token, sign_up_type,
	is_available, quota_full, used_cents, membership, tier, trial_length_days, trial_days_remaining,
	membership_checked_at, quota_checked_at, occupied_by_license, occupied_time, last_used_time, notes,
	created_at, updated_at`

func (s *AccountStore) queryAccounts(what, query string, args ...any) ([]model.Account, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Create adds an available, unverified account to the pool.
func (s *AccountStore) Create(a *model.Account, now time.Time) (*model.Account, error) {
	now = now.UTC()
	result, err := s.db.Exec(
		`INSERT INTO accounts (handle, session_credential, access_token, refresh_token, sign_up_type, is_available, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		a.Handle, a.SessionCredential, a.AccessToken, a.RefreshToken, a.SignUpType, a.Notes, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *AccountStore) GetByID(id int64) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByHandle(handle string) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE handle = ?`, handle)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by handle: %w", err)
	}
	return a, nil
}

// NextCandidate returns the least recently used account that is available,
// unoccupied and not quota-full, skipping the given ids. Never-used accounts
// come first.
func (s *AccountStore) NextCandidate(exclude []int64) (*model.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts
		WHERE is_available = 1 AND quota_full = 0 AND occupied_by_license IS NULL`
	args := make([]any, 0, len(exclude))
	if len(exclude) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(`, ?`, len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY last_used_time ASC, id ASC LIMIT 1`

	a, err := scanAccount(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next candidate: %w", err)
	}
	return a, nil
}

// Claim occupies the account for a license if nobody else got there first.
// It reports false when the compare-and-set lost.
func (s *AccountStore) Claim(id int64, licenseCode string, at time.Time) (bool, error) {
	at = at.UTC()
	result, err := s.db.Exec(
		`UPDATE accounts SET occupied_by_license = ?, occupied_time = ?, prev_last_used_time = last_used_time,
			last_used_time = ?, is_available = 0, updated_at = ?
		WHERE id = ? AND occupied_by_license IS NULL AND is_available = 1`,
		licenseCode, at, at, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Unclaim undoes a single claim made for licenseCode, restoring the account's
// place in the LRU order. A quota-full account stays unavailable.
func (s *AccountStore) Unclaim(id int64, licenseCode string, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE accounts SET occupied_by_license = NULL, occupied_time = NULL,
			last_used_time = prev_last_used_time, prev_last_used_time = NULL,
			is_available = CASE WHEN quota_full = 1 THEN 0 ELSE 1 END, updated_at = ?
		WHERE id = ? AND occupied_by_license = ?`,
		at.UTC(), id, licenseCode,
	)
	if err != nil {
		return false, fmt.Errorf("unclaim account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseByLicense frees every account occupied by the license and returns
// them as they were before release.
func (s *AccountStore) ReleaseByLicense(licenseCode string, at time.Time) ([]model.Account, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+accountCols+` FROM accounts WHERE occupied_by_license = ? ORDER BY id`, licenseCode)
	if err != nil {
		return nil, fmt.Errorf("list occupied: %w", err)
	}
	var released []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan account: %w", err)
		}
		released = append(released, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list occupied: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE accounts SET occupied_by_license = NULL, occupied_time = NULL,
			is_available = CASE WHEN quota_full = 1 THEN 0 ELSE 1 END, updated_at = ?
		WHERE occupied_by_license = ?`,
		at.UTC(), licenseCode,
	); err != nil {
		return nil, fmt.Errorf("release accounts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return released, nil
}

// Delete removes an unoccupied account. It reports false if the account is
// gone or currently occupied.
func (s *AccountStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM accounts WHERE id = ? AND occupied_by_license IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteHeldBy removes an account occupied by the given license. It is used
// when the current account of a swapping license turns out to be ineligible.
func (s *AccountStore) DeleteHeldBy(id int64, licenseCode string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM accounts WHERE id = ? AND occupied_by_license = ?`, id, licenseCode)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateMembership persists the result of a membership lookup.
func (s *AccountStore) UpdateMembership(id int64, m model.Membership, tier string, trialLength, trialRemaining *int, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET membership = ?, tier = ?, trial_length_days = ?, trial_days_remaining = ?,
			membership_checked_at = ?, updated_at = ? WHERE id = ?`,
		string(m), tier, nullInt(trialLength), nullInt(trialRemaining), at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

// UpdateQuota persists the result of a usage lookup. A full account is taken
// out of rotation.
func (s *AccountStore) UpdateQuota(id int64, full bool, usedCents int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET quota_full = ?, used_cents = ?, quota_checked_at = ?,
			is_available = CASE WHEN ? = 1 THEN 0 ELSE is_available END, updated_at = ? WHERE id = ?`,
		boolInt(full), usedCents, at.UTC(), boolInt(full), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	return nil
}

// MarkUnusable takes an account out of rotation without deleting it. quotaFull
// additionally flags it as exhausted.
func (s *AccountStore) MarkUnusable(id int64, quotaFull bool, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET is_available = 0, quota_full = CASE WHEN ? = 1 THEN 1 ELSE quota_full END, updated_at = ? WHERE id = ?`,
		boolInt(quotaFull), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark account unusable: %w", err)
	}
	return nil
}

// ListByLicense returns the accounts currently occupied by the license.
func (s *AccountStore) ListByLicense(licenseCode string) ([]model.Account, error) {
	return s.queryAccounts("list accounts by license",
		`SELECT `+accountCols+` FROM accounts WHERE occupied_by_license = ? ORDER BY occupied_time DESC`, licenseCode)
}

// ListForReverify returns accounts that carry a credential and are not yet
// known to be quota-full.
func (s *AccountStore) ListForReverify() ([]model.Account, error) {
	return s.queryAccounts("list accounts for reverify",
		`SELECT `+accountCols+` FROM accounts WHERE session_credential <> '' AND quota_full = 0 ORDER BY id`)
}

// PoolCounts summarizes the pool for metrics.
type PoolCounts struct {
	Total     int
	Available int
	Occupied  int
	QuotaFull int
}

func (s *AccountStore) Counts() (PoolCounts, error) {
	var c PoolCounts
	err := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_available = 1 AND quota_full = 0 AND occupied_by_license IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN occupied_by_license IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(quota_full), 0)
		FROM accounts`,
	).Scan(&c.Total, &c.Available, &c.Occupied, &c.QuotaFull)
	if err != nil {
		return c, fmt.Errorf("count accounts: %w", err)
	}
	return c, nil
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
