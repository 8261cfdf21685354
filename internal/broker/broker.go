// Package broker composes the license ledger and the account pool into the
// operations clients and operators call.
package broker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukerupert/acctbroker/internal/allocator"
	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/event"
	"github.com/dukerupert/acctbroker/internal/keylock"
	"github.com/dukerupert/acctbroker/internal/ledger"
	"github.com/dukerupert/acctbroker/internal/metrics"
	"github.com/dukerupert/acctbroker/internal/model"
)

type Broker struct {
	ledger    *ledger.Ledger
	alloc     *allocator.Allocator
	locks     keylock.Locker
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(l *ledger.Ledger, a *allocator.Allocator, locks keylock.Locker, p event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Broker {
	if p == nil {
		p = event.Discard{}
	}
	return &Broker{
		ledger:    l,
		alloc:     a,
		locks:     locks,
		publisher: p,
		metrics:   m,
		logger:    logger,
	}
}

// withLicense runs fn while holding the license's lock.
func (b *Broker) withLicense(ctx context.Context, code string, fn func() error) error {
	unlock, err := b.locks.Lock(ctx, code)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "lock license")
	}
	defer unlock()
	return fn()
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.New(apperr.InvalidArgument, "%s is required", name)
	}
	return nil
}

// ValidateLicense reports the state of a license and binds the calling
// device to it when the license is usable.
func (b *Broker) ValidateLicense(ctx context.Context, code, deviceID string) (ledger.View, error) {
	if err := required("code", code); err != nil {
		return ledger.View{}, err
	}
	if err := required("device_id", deviceID); err != nil {
		return ledger.View{}, err
	}

	var view ledger.View
	err := b.withLicense(ctx, code, func() error {
		v, events, err := b.ledger.ValidateAndBind(code, deviceID)
		b.publisher.Publish(events...)
		view = v
		return err
	})
	return view, err
}

// SwapAccount gives the license a fresh pool account in place of the one it
// holds. The claim is undone if the swap cannot be recorded.
func (b *Broker) SwapAccount(ctx context.Context, code, deviceID, currentHandle string) (creds *model.Credentials, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		b.metrics.Swap(outcome)
	}()

	if err := required("code", code); err != nil {
		return nil, err
	}
	if err := required("device_id", deviceID); err != nil {
		return nil, err
	}

	err = b.withLicense(ctx, code, func() error {
		var events []event.Event
		defer func() { b.publisher.Publish(events...) }()

		lic, err := b.ledger.Get(code)
		if err != nil {
			return err
		}
		if err := ledger.CheckUsable(lic, b.ledger.Now()); err != nil {
			return err
		}

		switch {
		case lic.BoundDevice == nil:
			res, err := b.ledger.BindDevice(code, deviceID)
			if err != nil {
				return err
			}
			events = append(events, res.Events...)
		case *lic.BoundDevice != deviceID:
			return apperr.New(apperr.DeviceConflict, "license %s is bound to another device", code)
		}

		usable, evs, err := b.alloc.CurrentAccountUsable(ctx, code, currentHandle)
		events = append(events, evs...)
		if err != nil {
			return err
		}
		if usable {
			return apperr.New(apperr.CurrentAccountStillUsable, "account %s is still usable", currentHandle)
		}

		if err := b.ledger.CheckSwitch(code, b.ledger.Now()); err != nil {
			return err
		}

		acct, evs, err := b.alloc.Claim(ctx, code)
		events = append(events, evs...)
		if err != nil {
			return err
		}

		evs, err = b.ledger.RecordSwap(code, deviceID)
		if err != nil {
			undo, uerr := b.alloc.Unclaim(acct, code)
			events = append(events, undo...)
			if uerr != nil {
				b.logger.Error("revert claim", "handle", acct.Handle, "code", code, "error", uerr)
			}
			return err
		}
		events = append(events, evs...)

		c := model.CredentialsFor(acct)
		creds = &c
		b.logger.Info("account swapped", "code", code, "device", deviceID, "handle", acct.Handle)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Release frees every pool account the license holds.
func (b *Broker) Release(ctx context.Context, code string) ([]model.Account, error) {
	if err := required("code", code); err != nil {
		return nil, err
	}
	var released []model.Account
	err := b.withLicense(ctx, code, func() error {
		accounts, events, err := b.alloc.Release(code)
		b.publisher.Publish(events...)
		released = accounts
		return err
	})
	return released, err
}

func (b *Broker) Issue(typ model.LicenseType, value int, note string) (*model.License, error) {
	lic, events, err := b.ledger.Issue(typ, value, note)
	b.publisher.Publish(events...)
	return lic, err
}

func (b *Broker) Deactivate(ctx context.Context, code string) error {
	return b.withLicense(ctx, code, func() error {
		events, err := b.ledger.Deactivate(code)
		b.publisher.Publish(events...)
		return err
	})
}

func (b *Broker) License(code string) (ledger.View, error) {
	return b.ledger.Validate(code)
}

func (b *Broker) AccountsByLicense(code string) ([]model.Account, error) {
	if _, err := b.ledger.Get(code); err != nil {
		return nil, err
	}
	return b.alloc.AccountsByLicense(code)
}

func (b *Broker) AddAccount(in allocator.NewAccount) (*model.Account, error) {
	acct, events, err := b.alloc.AddAccount(in)
	b.publisher.Publish(events...)
	return acct, err
}

func (b *Broker) VerifyAccount(ctx context.Context, handle string) (*model.Account, error) {
	acct, events, err := b.alloc.VerifyAccount(ctx, handle)
	b.publisher.Publish(events...)
	return acct, err
}

func (b *Broker) Sweep(ctx context.Context) (allocator.SweepReport, error) {
	report, events, err := b.alloc.Reverify(ctx)
	b.publisher.Publish(events...)
	return report, err
}
