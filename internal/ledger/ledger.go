package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/event"
	"github.com/dukerupert/acctbroker/internal/model"
	"github.com/dukerupert/acctbroker/internal/store"
	"github.com/dukerupert/acctbroker/internal/switchlimit"
)

const (
	codeAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength      = 16
	maxCodeAttempts = 100
)

type Outcome string

const (
	OutcomeBound     Outcome = "bound"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeSwitched  Outcome = "switched"
)

// BindingResult describes what BindDevice did.
type BindingResult struct {
	Outcome Outcome
	Binding *model.DeviceBinding
	Events  []event.Event
}

// Ledger applies the entitlement state machine to stored licenses and
// bindings. Callers serialize mutations per license.
type Ledger struct {
	licenses *store.LicenseStore
	bindings *store.BindingStore
	limiter  switchlimit.Limiter
	loc      *time.Location
	logger   *slog.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func New(licenses *store.LicenseStore, bindings *store.BindingStore, limiter switchlimit.Limiter, loc *time.Location, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{
		licenses: licenses,
		bindings: bindings,
		limiter:  limiter,
		loc:      loc,
		logger:   logger,
		Now:      time.Now,
	}
}

func (l *Ledger) Limiter() switchlimit.Limiter {
	return l.limiter
}

// Get loads a license or fails with NotFound.
func (l *Ledger) Get(code string) (*model.License, error) {
	lic, err := l.licenses.GetByCode(code)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load license")
	}
	if lic == nil {
		return nil, apperr.New(apperr.NotFound, "license %s not found", code)
	}
	return lic, nil
}

// Snapshot derives the license-wide switch history used by the limiter.
func (l *Ledger) Snapshot(code string, now time.Time) (switchlimit.Snapshot, error) {
	last, err := l.bindings.LastSwitchTime(code)
	if err != nil {
		return switchlimit.Snapshot{}, apperr.Wrap(apperr.Internal, err, "load switch history")
	}
	today, err := l.bindings.TodaySwitchCount(code, DayKey(now, l.loc))
	if err != nil {
		return switchlimit.Snapshot{}, apperr.Wrap(apperr.Internal, err, "load switch history")
	}
	return switchlimit.Snapshot{LastSwitchTime: last, TodayCount: today}, nil
}

// CheckSwitch runs the limiter gates for a license at now.
func (l *Ledger) CheckSwitch(code string, now time.Time) error {
	snap, err := l.Snapshot(code, now)
	if err != nil {
		return err
	}
	return l.limiter.Check(snap, now)
}

// Validate returns the entitlement view of a license without changing anything.
func (l *Ledger) Validate(code string) (View, error) {
	lic, err := l.Get(code)
	if err != nil {
		return View{}, err
	}
	return l.view(lic, l.Now())
}

func (l *Ledger) view(lic *model.License, now time.Time) (View, error) {
	v := Evaluate(lic, now)
	snap, err := l.Snapshot(lic.Code, now)
	if err != nil {
		return View{}, err
	}
	v.SwitchesToday = snap.TodayCount
	if l.limiter.DailyEnabled {
		v.DailySwitchLimit = l.limiter.MaxDaily
	}
	v.DailySwitchesRemaining = l.limiter.Remaining(snap.TodayCount)
	return v, nil
}

// ValidateAndBind is the client-facing validation: a usable license is bound
// to the calling device (activating it on first use) and the refreshed view
// is returned. An unusable license is reported through its view, not an error.
func (l *Ledger) ValidateAndBind(code, deviceID string) (View, []event.Event, error) {
	lic, err := l.Get(code)
	if err != nil {
		return View{}, nil, err
	}
	now := l.Now()
	if CheckUsable(lic, now) != nil {
		v, err := l.view(lic, now)
		return v, nil, err
	}

	res, err := l.BindDevice(code, deviceID)
	if err != nil {
		return View{}, nil, err
	}
	v, err := l.Validate(code)
	return v, res.Events, err
}

// BindDevice binds a device to the license. Binding the active device only
// refreshes its activity; binding a different one is a rate-limited switch.
func (l *Ledger) BindDevice(code, deviceID string) (*BindingResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, apperr.New(apperr.InvalidArgument, "device id is required")
	}
	lic, err := l.Get(code)
	if err != nil {
		return nil, err
	}
	now := l.Now()
	if err := CheckUsable(lic, now); err != nil {
		return nil, err
	}

	active, err := l.bindings.Active(code)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load active binding")
	}

	if active != nil && active.DeviceID == deviceID {
		if err := l.bindings.Touch(active.ID, now); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "refresh binding")
		}
		b := Touch(*active, now)
		return &BindingResult{
			Outcome: OutcomeRefreshed,
			Binding: &b,
			Events:  []event.Event{event.New(event.EntityBinding, event.DeviceTouched, code, now, map[string]any{"device": deviceID})},
		}, nil
	}

	row, err := l.bindings.Get(code, deviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load binding")
	}
	if row == nil {
		row = &model.DeviceBinding{LicenseCode: code, DeviceID: deviceID, FirstBindTime: now}
	}

	var events []event.Event
	outcome := OutcomeBound
	next := Touch(*row, now)

	if active != nil {
		if err := l.CheckSwitch(code, now); err != nil {
			return nil, err
		}
		var recorded []event.Event
		next, recorded = RecordSwitch(next, now, l.loc)
		outcome = OutcomeSwitched
		events = append(events, event.New(event.EntityBinding, event.DeviceSwitched, code, now, map[string]any{
			"from": active.DeviceID,
			"to":   deviceID,
		}))
		events = append(events, recorded...)
	} else {
		events = append(events, event.New(event.EntityBinding, event.DeviceBound, code, now, map[string]any{"device": deviceID}))
	}

	var act *store.Activation
	var actEvents []event.Event
	if !lic.Activated() {
		var activated model.License
		activated, actEvents = Activate(*lic, now)
		act = &store.Activation{FirstBind: *activated.FirstBindTime, Expiry: activated.ExpiryTime}
	}

	saved, ok, err := l.bindings.Bind(&next, act)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "save binding")
	}
	if ok {
		events = append(actEvents, events...)
		l.logger.Info("license activated", "code", code, "type", lic.Type.String())
	}

	l.logger.Info("device bound", "code", code, "device", deviceID, "outcome", outcome)
	return &BindingResult{Outcome: outcome, Binding: saved, Events: events}, nil
}

// RecordSwap counts a committed account swap against the device's binding
// row and, for a count card, consumes one switch. Both happen atomically.
func (l *Ledger) RecordSwap(code, deviceID string) ([]event.Event, error) {
	lic, err := l.Get(code)
	if err != nil {
		return nil, err
	}
	row, err := l.bindings.Get(code, deviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load binding")
	}
	if row == nil {
		return nil, apperr.New(apperr.Internal, "license %s has no binding for device %s", code, deviceID)
	}

	now := l.Now()
	next, events := RecordSwitch(*row, now, l.loc)

	consume := lic.Type == model.CountCard
	if consume {
		_, used, err := UseSwitch(*lic, now)
		if err != nil {
			return nil, err
		}
		events = append(events, used...)
	}

	if err := l.licenses.CommitSwitch(&next, consume); err != nil {
		if errors.Is(err, store.ErrNoSwitchesLeft) {
			return nil, apperr.New(apperr.LicenseExhausted, "license %s has used all %d switches", code, lic.TotalSwitches)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "record switch")
	}
	return events, nil
}

// Issue creates a new unbound license with a freshly generated code. value is
// the number of days for a day card and the number of switches for a count card.
func (l *Ledger) Issue(typ model.LicenseType, value int, note string) (*model.License, []event.Event, error) {
	if value <= 0 {
		return nil, nil, apperr.New(apperr.InvalidArgument, "license value must be positive")
	}
	var days, switches int
	switch typ {
	case model.DayCard:
		days = value
	case model.CountCard:
		switches = value
	default:
		return nil, nil, apperr.New(apperr.InvalidArgument, "unknown license type %d", typ)
	}

	code, err := l.uniqueCode()
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "generate license code")
	}
	now := l.Now()
	lic, err := l.licenses.Create(code, typ, days, switches, note, now)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "create license")
	}
	l.logger.Info("license issued", "code", code, "type", typ.String(), "value", value)
	return lic, []event.Event{event.New(event.EntityLicense, event.LicenseIssued, code, now, map[string]any{
		"type":  typ.String(),
		"value": value,
	})}, nil
}

// Deactivate moves a license to Inactive. Deactivating twice is a no-op.
func (l *Ledger) Deactivate(code string) ([]event.Event, error) {
	lic, err := l.Get(code)
	if err != nil {
		return nil, err
	}
	now := l.Now()
	_, events := Deactivate(*lic, now)
	if len(events) == 0 {
		return nil, nil
	}
	if _, err := l.licenses.Deactivate(code, now); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "deactivate license")
	}
	l.logger.Info("license deactivated", "code", code)
	return events, nil
}

func (l *Ledger) uniqueCode() (string, error) {
	for range maxCodeAttempts {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		exists, err := l.licenses.CodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unique code after %d attempts", maxCodeAttempts)
}

func generateCode() (string, error) {
	var sb strings.Builder
	sb.Grow(codeLength)
	size := big.NewInt(int64(len(codeAlphabet)))
	for range codeLength {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
