package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/acctbroker/internal/model"
)

// ErrNoSwitchesLeft is returned when a conditional switch decrement finds the
// count card already used up.
var ErrNoSwitchesLeft = errors.New("no switches left")

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var boundDevice sql.NullString
	var firstBind, expiry sql.NullTime
	var active int

	err := scanner.Scan(
		&l.ID, &l.Code, &l.Type, &boundDevice, &active, &l.TotalDays,
		&firstBind, &expiry, &l.TotalSwitches, &l.UsedSwitches, &l.Note,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Active = active != 0
	if boundDevice.Valid {
		l.BoundDevice = &boundDevice.String
	}
	if firstBind.Valid {
		l.FirstBindTime = &firstBind.Time
	}
	if expiry.Valid {
		l.ExpiryTime = &expiry.Time
	}
	return &l, nil
}

const licenseCols = `id, code, type, bound_device, active, total_days, first_bind_time, expiry_time, total_switches, used_switches, note, created_at, updated_at`

// Create inserts an unbound, unactivated, active license.
func (s *LicenseStore) Create(code string, typ model.LicenseType, totalDays, totalSwitches int, note string, now time.Time) (*model.License, error) {
	now = now.UTC()
	_, err := s.db.Exec(
		`INSERT INTO licenses (code, type, active, total_days, total_switches, note, created_at, updated_at) VALUES (?, ?, 1, ?, ?, ?, ?, ?)`,
		code, typ, totalDays, totalSwitches, note, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	return s.GetByCode(code)
}

func (s *LicenseStore) GetByCode(code string) (*model.License, error) {
	row := s.db.QueryRow(`SELECT `+licenseCols+` FROM licenses WHERE code = ?`, code)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

func (s *LicenseStore) CodeExists(code string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM licenses WHERE code = ?`, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check license code: %w", err)
	}
	return n > 0, nil
}

func (s *LicenseStore) Deactivate(code string, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE licenses SET active = 0, updated_at = ? WHERE code = ? AND active = 1`,
		now.UTC(), code,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate license: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// CommitSwitch records a switch on the binding row and, when consume is set,
// takes one switch off a count card. Both writes land together or not at all.
// ErrNoSwitchesLeft means the count card was used up concurrently.
func (s *LicenseStore) CommitSwitch(b *model.DeviceBinding, consume bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveBindingCounters(tx, b); err != nil {
		return err
	}

	if consume {
		result, err := tx.Exec(
			`UPDATE licenses SET used_switches = used_switches + 1, updated_at = ? WHERE code = ? AND used_switches < total_switches`,
			b.UpdatedAt.UTC(), b.LicenseCode,
		)
		if err != nil {
			return fmt.Errorf("consume switch: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNoSwitchesLeft
		}
	}

	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
