// Package switchlimit gates device and account switches per license.
package switchlimit

import (
	"time"

	"github.com/dukerupert/acctbroker/internal/apperr"
)

// Snapshot is the license-wide switch history the gates look at. It is
// derived from binding rows on every check.
type Snapshot struct {
	LastSwitchTime *time.Time
	TodayCount     int
}

type Limiter struct {
	// MinInterval is the minimum time between two switches. Zero or less
	// disables the gate.
	MinInterval time.Duration
	// MaxDaily caps the switches per calendar day when DailyEnabled is set.
	MaxDaily     int
	DailyEnabled bool
}

func New(minIntervalMinutes, maxDaily int, dailyEnabled bool) Limiter {
	return Limiter{
		MinInterval:  time.Duration(minIntervalMinutes) * time.Minute,
		MaxDaily:     maxDaily,
		DailyEnabled: dailyEnabled,
	}
}

// Check returns nil if a switch is allowed at now, otherwise a RateLimited
// error carrying either the remaining wait or today's count and the cap.
func (l Limiter) Check(s Snapshot, now time.Time) error {
	if l.MinInterval > 0 && s.LastSwitchTime != nil {
		elapsed := now.Sub(*s.LastSwitchTime)
		if elapsed < l.MinInterval {
			return apperr.TooSoon(l.MinInterval-elapsed, l.MinInterval)
		}
	}
	if l.DailyEnabled && s.TodayCount >= l.MaxDaily {
		return apperr.DailyCapReached(s.TodayCount, l.MaxDaily)
	}
	return nil
}

// Remaining reports how many switches are left today, or nil when the daily
// gate is off.
func (l Limiter) Remaining(todayCount int) *int {
	if !l.DailyEnabled {
		return nil
	}
	n := max(0, l.MaxDaily-todayCount)
	return &n
}
