package model

import (
	"fmt"
	"time"
)

// LicenseType distinguishes time-bounded from swap-count-bounded licenses.
type LicenseType int

const (
	DayCard   LicenseType = 1
	CountCard LicenseType = 2
)

func (t LicenseType) String() string {
	switch t {
	case DayCard:
		return "day_card"
	case CountCard:
		return "count_card"
	default:
		return "unknown"
	}
}

func (t LicenseType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LicenseType) UnmarshalText(b []byte) error {
	v, ok := ParseLicenseType(string(b))
	if !ok {
		return fmt.Errorf("unknown license type %q", b)
	}
	*t = v
	return nil
}

// ParseLicenseType accepts the names produced by String as well as the
// numeric codes used in storage.
func ParseLicenseType(s string) (LicenseType, bool) {
	switch s {
	case "day_card", "1":
		return DayCard, true
	case "count_card", "2":
		return CountCard, true
	}
	return 0, false
}

type License struct {
	ID            int64       `json:"id"`
	Code          string      `json:"code"`
	Type          LicenseType `json:"type"`
	BoundDevice   *string     `json:"bound_device"`
	Active        bool        `json:"active"`
	TotalDays     int         `json:"total_days"`
	FirstBindTime *time.Time  `json:"first_bind_time"`
	ExpiryTime    *time.Time  `json:"expiry_time"`
	TotalSwitches int         `json:"total_switches"`
	UsedSwitches  int         `json:"used_switches"`
	Note          string      `json:"note"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Activated reports whether the license has ever been bound to a device.
func (l *License) Activated() bool {
	return l.FirstBindTime != nil
}

type DeviceBinding struct {
	ID               int64      `json:"id"`
	LicenseCode      string     `json:"license_code"`
	DeviceID         string     `json:"device_id"`
	IsActive         bool       `json:"is_active"`
	FirstBindTime    time.Time  `json:"first_bind_time"`
	LastActiveTime   time.Time  `json:"last_active_time"`
	SwitchCountToday int        `json:"switch_count_today"`
	LastSwitchDate   string     `json:"last_switch_date"`
	LastSwitchTime   *time.Time `json:"last_switch_time"`
	TotalSwitchCount int        `json:"total_switch_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
