// Package ledger owns the license entitlement state machine and device
// bindings. The transition functions in this file are pure: they take a
// record and a timestamp and return the next record plus the events the
// transition produced. Persistence decides how to apply them atomically.
package ledger

import (
	"time"

	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/event"
	"github.com/dukerupert/acctbroker/internal/model"
)

type Status string

const (
	StatusUnactivated Status = "unactivated"
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusExhausted   Status = "exhausted"
	StatusInactive    Status = "inactive"
)

// View is the read-only entitlement summary of a license at a point in time.
type View struct {
	Code              string     `json:"code"`
	Type              string     `json:"type"`
	Status            Status     `json:"status"`
	Valid             bool       `json:"valid"`
	Activated         bool       `json:"activated"`
	Active            bool       `json:"active"`
	BoundDevice       string     `json:"bound_device"`
	FirstBindTime     *time.Time `json:"first_bind_time,omitempty"`
	ExpiryTime        *time.Time `json:"expiry_time,omitempty"`
	TotalDays         int        `json:"total_days,omitempty"`
	RemainingDays     int        `json:"remaining_days,omitempty"`
	TotalSwitches     int        `json:"total_switches,omitempty"`
	UsedSwitches      int        `json:"used_switches,omitempty"`
	RemainingSwitches int        `json:"remaining_switches,omitempty"`
	UsagePercent      int        `json:"usage_percent"`

	SwitchesToday          int  `json:"switches_today"`
	DailySwitchLimit       int  `json:"daily_switch_limit,omitempty"`
	DailySwitchesRemaining *int `json:"daily_switches_remaining,omitempty"`
}

// Valid implements the validity rule:
// active AND (DayCard: unactivated OR now < expiry) OR (CountCard: used < total).
func Valid(l *model.License, now time.Time) bool {
	if !l.Active {
		return false
	}
	switch l.Type {
	case model.DayCard:
		if l.ExpiryTime == nil {
			return true
		}
		return now.Before(*l.ExpiryTime)
	case model.CountCard:
		return l.UsedSwitches < l.TotalSwitches
	}
	return false
}

func statusOf(l *model.License, now time.Time) Status {
	switch {
	case !l.Active:
		return StatusInactive
	case l.Type == model.DayCard && l.ExpiryTime == nil:
		return StatusUnactivated
	case l.Type == model.DayCard && !now.Before(*l.ExpiryTime):
		return StatusExpired
	case l.Type == model.CountCard && l.UsedSwitches >= l.TotalSwitches:
		return StatusExhausted
	}
	return StatusValid
}

// RemainingDays rounds the time left up to whole days, showing at least one
// day while the license is still valid.
func RemainingDays(l *model.License, now time.Time) int {
	if l.Type != model.DayCard {
		return 0
	}
	if l.ExpiryTime == nil {
		return l.TotalDays
	}
	if !Valid(l, now) {
		return 0
	}
	hours := int(l.ExpiryTime.Sub(now) / time.Hour)
	days := (hours + 23) / 24
	if days < 1 {
		days = 1
	}
	return days
}

func RemainingSwitches(l *model.License) int {
	if l.Type != model.CountCard {
		return 0
	}
	return max(0, l.TotalSwitches-l.UsedSwitches)
}

func usagePercent(l *model.License, now time.Time) int {
	switch l.Type {
	case model.CountCard:
		if l.TotalSwitches <= 0 {
			return 100
		}
		if !l.Activated() {
			return 0
		}
		return min(100, l.UsedSwitches*100/l.TotalSwitches)
	case model.DayCard:
		if l.TotalDays <= 0 {
			return 100
		}
		if l.ExpiryTime == nil {
			return 0
		}
		used := l.TotalDays - RemainingDays(l, now)
		return max(0, min(100, used*100/l.TotalDays))
	}
	return 0
}

// Evaluate computes the entitlement view. Switch counters are filled in by
// the caller, which owns the binding history.
func Evaluate(l *model.License, now time.Time) View {
	v := View{
		Code:          l.Code,
		Type:          l.Type.String(),
		Status:        statusOf(l, now),
		Valid:         Valid(l, now),
		Activated:     l.Activated(),
		Active:        l.Active,
		FirstBindTime: l.FirstBindTime,
		ExpiryTime:    l.ExpiryTime,
		UsagePercent:  usagePercent(l, now),
	}
	if l.BoundDevice != nil {
		v.BoundDevice = *l.BoundDevice
	}
	switch l.Type {
	case model.DayCard:
		v.TotalDays = l.TotalDays
		v.RemainingDays = RemainingDays(l, now)
	case model.CountCard:
		v.TotalSwitches = l.TotalSwitches
		v.UsedSwitches = l.UsedSwitches
		v.RemainingSwitches = RemainingSwitches(l)
	}
	return v
}

// CheckUsable returns nil when the license may be used right now, or the
// taxonomy error describing why not.
func CheckUsable(l *model.License, now time.Time) error {
	switch statusOf(l, now) {
	case StatusInactive:
		return apperr.New(apperr.LicenseInactive, "license %s has been deactivated", l.Code)
	case StatusExpired:
		return apperr.New(apperr.LicenseExpired, "license %s expired at %s", l.Code, l.ExpiryTime.Format(time.RFC3339))
	case StatusExhausted:
		return apperr.New(apperr.LicenseExhausted, "license %s has used all %d switches", l.Code, l.TotalSwitches)
	}
	return nil
}

// Activate stamps the first bind time. For a DayCard it also derives the
// expiry as exactly TotalDays*24h later, whatever zone at is in. Activating an
// already activated license changes nothing.
func Activate(l model.License, at time.Time) (model.License, []event.Event) {
	if l.FirstBindTime != nil {
		return l, nil
	}
	t := at
	l.FirstBindTime = &t
	if l.Type == model.DayCard {
		exp := at.Add(time.Duration(l.TotalDays) * 24 * time.Hour)
		l.ExpiryTime = &exp
	}
	l.UpdatedAt = at
	extra := map[string]any{"type": l.Type.String()}
	if l.ExpiryTime != nil {
		extra["expiry_time"] = l.ExpiryTime.Format(time.RFC3339)
	}
	return l, []event.Event{event.New(event.EntityLicense, event.LicenseActivated, l.Code, at, extra)}
}

// UseSwitch consumes one CountCard switch. Other license types pass through
// unchanged.
func UseSwitch(l model.License, at time.Time) (model.License, []event.Event, error) {
	if l.Type != model.CountCard {
		return l, nil, nil
	}
	if l.UsedSwitches >= l.TotalSwitches {
		return l, nil, apperr.New(apperr.LicenseExhausted, "license %s has used all %d switches", l.Code, l.TotalSwitches)
	}
	l.UsedSwitches++
	l.UpdatedAt = at
	return l, []event.Event{event.New(event.EntityLicense, event.SwitchUsed, l.Code, at, map[string]any{
		"used":  l.UsedSwitches,
		"total": l.TotalSwitches,
	})}, nil
}

func Deactivate(l model.License, at time.Time) (model.License, []event.Event) {
	if !l.Active {
		return l, nil
	}
	l.Active = false
	l.UpdatedAt = at
	return l, []event.Event{event.New(event.EntityLicense, event.LicenseDeactivated, l.Code, at, nil)}
}

// DayKey names the calendar day of t in loc, e.g. "2026-10-18".
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}

// RecordSwitch counts one switch on a binding row. The daily counter starts
// over at 1 on the first switch of a new calendar day.
func RecordSwitch(b model.DeviceBinding, at time.Time, loc *time.Location) (model.DeviceBinding, []event.Event) {
	day := DayKey(at, loc)
	if b.LastSwitchDate != day {
		b.SwitchCountToday = 1
		b.LastSwitchDate = day
	} else {
		b.SwitchCountToday++
	}
	t := at
	b.LastSwitchTime = &t
	b.TotalSwitchCount++
	b.LastActiveTime = at
	b.IsActive = true
	b.UpdatedAt = at
	return b, []event.Event{event.New(event.EntityBinding, event.SwitchRecorded, b.LicenseCode, at, map[string]any{
		"device":       b.DeviceID,
		"switch_today": b.SwitchCountToday,
	})}
}

// Touch refreshes the activity timestamp of a binding without counting a switch.
func Touch(b model.DeviceBinding, at time.Time) model.DeviceBinding {
	b.LastActiveTime = at
	b.IsActive = true
	b.UpdatedAt = at
	return b
}
