package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/acctbroker/internal/model"
)

type BindingStore struct {
	db *sql.DB
}

func NewBindingStore(db *sql.DB) *BindingStore {
	return &BindingStore{db: db}
}

func scanBinding(scanner interface{ Scan(...any) error }) (*model.DeviceBinding, error) {
	var b model.DeviceBinding
	var active int
	var lastSwitch sql.NullTime

	err := scanner.Scan(
		&b.ID, &b.LicenseCode, &b.DeviceID, &active, &b.FirstBindTime, &b.LastActiveTime,
		&b.SwitchCountToday, &b.LastSwitchDate, &lastSwitch, &b.TotalSwitchCount,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.IsActive = active != 0
	if lastSwitch.Valid {
		b.LastSwitchTime = &lastSwitch.Time
	}
	return &b, nil
}

const bindingCols = `id, license_code, device_id, is_active, first_bind_time, last_active_time, switch_count_today, last_switch_date, last_switch_time, total_switch_count, created_at, updated_at`

// Active returns the active binding of a license, or nil if it has none.
func (s *BindingStore) Active(licenseCode string) (*model.DeviceBinding, error) {
	row := s.db.QueryRow(
		`SELECT `+bindingCols+` FROM device_bindings WHERE license_code = ? AND is_active = 1 ORDER BY last_active_time DESC LIMIT 1`,
		licenseCode,
	)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active binding: %w", err)
	}
	return b, nil
}

func (s *BindingStore) Get(licenseCode, deviceID string) (*model.DeviceBinding, error) {
	row := s.db.QueryRow(
		`SELECT `+bindingCols+` FROM device_bindings WHERE license_code = ? AND device_id = ?`,
		licenseCode, deviceID,
	)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// ListByLicense returns every device ever bound to a license, most recently active first.
func (s *BindingStore) ListByLicense(licenseCode string) ([]model.DeviceBinding, error) {
	rows, err := s.db.Query(
		`SELECT `+bindingCols+` FROM device_bindings WHERE license_code = ? ORDER BY last_active_time DESC`,
		licenseCode,
	)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []model.DeviceBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		bindings = append(bindings, *b)
	}
	return bindings, rows.Err()
}

// Activation is the first-bind stamp of a license, applied together with the
// binding that triggers it.
type Activation struct {
	FirstBind time.Time
	Expiry    *time.Time
}

// Bind makes b the only active binding of its license and points the license
// at b's device. The row is inserted if the device was never seen before.
// A non-nil act also activates the license if it was never activated; the
// returned bool reports whether that happened. Everything commits together.
func (s *BindingStore) Bind(b *model.DeviceBinding, act *Activation) (*model.DeviceBinding, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	activated := false
	if act != nil {
		result, err := tx.Exec(
			`UPDATE licenses SET first_bind_time = ?, expiry_time = ?, updated_at = ? WHERE code = ? AND first_bind_time IS NULL`,
			act.FirstBind.UTC(), nullTime(act.Expiry), act.FirstBind.UTC(), b.LicenseCode,
		)
		if err != nil {
			return nil, false, fmt.Errorf("activate license: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("rows affected: %w", err)
		}
		activated = n == 1
	}

	now := b.UpdatedAt.UTC()
	if _, err := tx.Exec(
		`UPDATE device_bindings SET is_active = 0, updated_at = ? WHERE license_code = ? AND device_id <> ? AND is_active = 1`,
		now, b.LicenseCode, b.DeviceID,
	); err != nil {
		return nil, false, fmt.Errorf("deactivate bindings: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO device_bindings (license_code, device_id, is_active, first_bind_time, last_active_time,
			switch_count_today, last_switch_date, last_switch_time, total_switch_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_code, device_id) DO UPDATE SET
			is_active = 1,
			last_active_time = excluded.last_active_time,
			switch_count_today = excluded.switch_count_today,
			last_switch_date = excluded.last_switch_date,
			last_switch_time = excluded.last_switch_time,
			total_switch_count = excluded.total_switch_count,
			updated_at = excluded.updated_at`,
		b.LicenseCode, b.DeviceID, b.FirstBindTime.UTC(), b.LastActiveTime.UTC(),
		b.SwitchCountToday, b.LastSwitchDate, nullTime(b.LastSwitchTime), b.TotalSwitchCount, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert binding: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE licenses SET bound_device = ?, updated_at = ? WHERE code = ?`,
		b.DeviceID, now, b.LicenseCode,
	); err != nil {
		return nil, false, fmt.Errorf("set bound device: %w", err)
	}

	row := tx.QueryRow(`SELECT `+bindingCols+` FROM device_bindings WHERE license_code = ? AND device_id = ?`, b.LicenseCode, b.DeviceID)
	saved, err := scanBinding(row)
	if err != nil {
		return nil, false, fmt.Errorf("reload binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return saved, activated, nil
}

// Touch refreshes the activity timestamp of a binding.
func (s *BindingStore) Touch(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE device_bindings SET last_active_time = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch binding: %w", err)
	}
	return nil
}

// TodaySwitchCount sums the switch counters of every binding row of the
// license whose last switch fell on day.
func (s *BindingStore) TodaySwitchCount(licenseCode, day string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(switch_count_today), 0) FROM device_bindings WHERE license_code = ? AND last_switch_date = ?`,
		licenseCode, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("today switch count: %w", err)
	}
	return n, nil
}

// LastSwitchTime returns the most recent switch across all devices of the
// license, or nil if it never switched.
func (s *BindingStore) LastSwitchTime(licenseCode string) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRow(
		`SELECT last_switch_time FROM device_bindings WHERE license_code = ? AND last_switch_time IS NOT NULL ORDER BY last_switch_time DESC LIMIT 1`,
		licenseCode,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last switch time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func saveBindingCounters(tx *sql.Tx, b *model.DeviceBinding) error {
	_, err := tx.Exec(
		`UPDATE device_bindings SET switch_count_today = ?, last_switch_date = ?, last_switch_time = ?,
			total_switch_count = ?, last_active_time = ?, updated_at = ? WHERE id = ?`,
		b.SwitchCountToday, b.LastSwitchDate, nullTime(b.LastSwitchTime),
		b.TotalSwitchCount, b.LastActiveTime.UTC(), b.UpdatedAt.UTC(), b.ID,
	)
	if err != nil {
		return fmt.Errorf("save binding counters: %w", err)
	}
	return nil
}
