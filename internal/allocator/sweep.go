package allocator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/event"
	"github.com/dukerupert/acctbroker/internal/model"
	"github.com/dukerupert/acctbroker/internal/verifier"
)

// SweepReport summarizes one Reverify pass.
type SweepReport struct {
	Checked   int `json:"checked"`
	Removed   int `json:"removed"`
	QuotaFull int `json:"quota_full"`
	Failed    int `json:"failed"`
}

// Reverify re-checks every account that carries a credential and is not yet
// quota-full. It never changes occupancy and is safe to run alongside claims.
func (a *Allocator) Reverify(ctx context.Context) (SweepReport, []event.Event, error) {
	var report SweepReport
	accounts, err := a.accounts.ListForReverify()
	if err != nil {
		return report, nil, apperr.Wrap(apperr.Internal, err, "list accounts")
	}

	var mu sync.Mutex
	var events []event.Event

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.SweepConcurrency)
	for i := range accounts {
		acct := accounts[i]
		g.Go(func() error {
			r, evs, err := a.reverifyOne(gctx, &acct)
			mu.Lock()
			defer mu.Unlock()
			events = append(events, evs...)
			report.Checked++
			report.Removed += r.Removed
			report.QuotaFull += r.QuotaFull
			report.Failed += r.Failed
			return err
		})
	}
	err = g.Wait()

	if counts, cerr := a.accounts.Counts(); cerr == nil {
		a.metrics.Pool(counts.Total, counts.Available, counts.Occupied, counts.QuotaFull)
	}
	a.logger.Info("pool sweep finished",
		"checked", report.Checked,
		"removed", report.Removed,
		"quota_full", report.QuotaFull,
		"failed", report.Failed,
	)
	return report, events, err
}

func (a *Allocator) reverifyOne(ctx context.Context, acct *model.Account) (SweepReport, []event.Event, error) {
	var r SweepReport
	var events []event.Event
	now := a.Now()

	if a.opts.EnableMembership {
		m, err := a.verifier.Membership(ctx, acct.SessionCredential)
		switch {
		case errors.Is(err, verifier.ErrCredentialInvalid) && acct.OccupiedByLicense != nil:
			if err := a.accounts.UpdateMembership(acct.ID, model.MembershipIneligible, acct.Tier, nil, nil, now); err != nil {
				return r, nil, apperr.Wrap(apperr.Internal, err, "save membership")
			}
			return r, nil, nil
		case errors.Is(err, verifier.ErrCredentialInvalid):
			v, evs, err := a.remove(acct, now, "credential_invalid")
			if v == removed {
				r.Removed++
			}
			return r, evs, err
		case err != nil:
			if ctx.Err() != nil {
				return r, nil, ctx.Err()
			}
			r.Failed++
			a.logger.Warn("sweep membership check failed", "handle", acct.Handle, "error", err)
			if err := a.accounts.UpdateMembership(acct.ID, model.MembershipUnknown, "unknown", nil, nil, now); err != nil {
				return r, nil, apperr.Wrap(apperr.Internal, err, "save membership")
			}
			return r, nil, nil
		case !a.opts.TierEligible(m.Tier) && acct.OccupiedByLicense != nil:
			// Held accounts are left to their holder. The next claim after
			// release removes it.
			if err := a.accounts.UpdateMembership(acct.ID, model.MembershipIneligible, m.Tier, m.TrialLengthDays, m.TrialDaysRemaining, now); err != nil {
				return r, nil, apperr.Wrap(apperr.Internal, err, "save membership")
			}
			return r, nil, nil
		case !a.opts.TierEligible(m.Tier):
			v, evs, err := a.remove(acct, now, "ineligible")
			if v == removed {
				r.Removed++
			}
			return r, evs, err
		default:
			if err := a.accounts.UpdateMembership(acct.ID, model.MembershipEligible, m.Tier, m.TrialLengthDays, m.TrialDaysRemaining, now); err != nil {
				return r, nil, apperr.Wrap(apperr.Internal, err, "save membership")
			}
		}
	}

	if !a.opts.EnableQuota || !acct.Available || a.quotaVerdictFresh(acct, now) {
		return r, events, nil
	}
	v, evs, err := a.checkQuota(ctx, acct, now, false)
	events = append(events, evs...)
	switch {
	case err != nil:
		return r, events, err
	case v == removed:
		r.QuotaFull++
	case v == skipped:
		r.Failed++
	}
	return r, events, nil
}

// Sweeper runs Reverify on a fixed interval.
type Sweeper struct {
	mu        sync.RWMutex
	allocator *Allocator
	publisher event.Publisher
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSweeper(a *Allocator, p event.Publisher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		allocator: a,
		publisher: p,
		interval:  interval,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels a running sweep and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	_, events, err := s.allocator.Reverify(ctx)
	s.publisher.Publish(events...)
	if err != nil && ctx.Err() == nil {
		s.allocator.logger.Error("pool sweep", "error", err)
	}
}
