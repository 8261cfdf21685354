// Package apperr defines the externally visible failure kinds of the broker.
// Every error that reaches a caller carries a stable Kind and a human-readable
// detail that never includes credentials or raw verifier payloads.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	NotFound                  Kind = "not_found"
	LicenseExpired            Kind = "license_expired"
	LicenseExhausted          Kind = "license_exhausted"
	LicenseInactive           Kind = "license_inactive"
	DeviceConflict            Kind = "device_conflict"
	RateLimited               Kind = "rate_limited"
	CurrentAccountStillUsable Kind = "current_account_still_usable"
	PoolExhausted             Kind = "pool_exhausted"
	VerifierUnavailable       Kind = "verifier_unavailable"
	InvalidArgument           Kind = "invalid_argument"
	Internal                  Kind = "internal"
)

// Error is the concrete error type for all Kinds.
type Error struct {
	Kind   Kind
	Detail string

	// RetryAfter is set for minimum-interval rate limiting.
	RetryAfter time.Duration
	// TodayCount and Limit are set for daily-quota rate limiting.
	TodayCount int
	Limit      int

	// Err is the underlying cause. It is logged, never rendered.
	Err error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so callers can write
// errors.Is(err, apperr.E(apperr.NotFound)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E returns a bare error of the given kind, mostly useful as an errors.Is target.
func E(kind Kind) *Error {
	return &Error{Kind: kind}
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// TooSoon builds the minimum-interval rejection.
func TooSoon(wait, interval time.Duration) *Error {
	return &Error{
		Kind:       RateLimited,
		Detail:     fmt.Sprintf("switches must be at least %s apart, retry in %s", interval, wait.Round(time.Second)),
		RetryAfter: wait,
	}
}

// DailyCapReached builds the daily-quota rejection.
func DailyCapReached(today, limit int) *Error {
	return &Error{
		Kind:       RateLimited,
		Detail:     fmt.Sprintf("daily switch limit reached: %d of %d used today", today, limit),
		TodayCount: today,
		Limit:      limit,
	}
}
