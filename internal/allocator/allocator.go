// Package allocator hands out pool accounts. It picks the least recently
// used candidate, re-verifies it against the eligibility authority, and
// claims it with a compare-and-set so no account is ever given to two
// licenses at once.
package allocator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/event"
	"github.com/dukerupert/acctbroker/internal/metrics"
	"github.com/dukerupert/acctbroker/internal/model"
	"github.com/dukerupert/acctbroker/internal/store"
	"github.com/dukerupert/acctbroker/internal/verifier"
)

// NoCurrentAccount is what older clients send when they hold no account.
const NoCurrentAccount = "no-current-account"

// Verifier is the eligibility authority.
type Verifier interface {
	Membership(ctx context.Context, credential string) (*verifier.Membership, error)
	Usage(ctx context.Context, credential string) (*verifier.Usage, error)
}

type Options struct {
	EnableMembership bool
	EnableQuota      bool
	// CheckCurrentLive re-verifies the caller's current account before a
	// swap instead of trusting the stored verdict.
	CheckCurrentLive bool
	// AcceptedTiers lists the membership tiers that make an account eligible.
	AcceptedTiers []string
	// AcceptFreeTier additionally treats the "free" tier as eligible.
	AcceptFreeTier       bool
	QuotaRecheckInterval time.Duration
	// MaxCandidates bounds the candidates verified by one claim.
	MaxCandidates int
	// MaxContention bounds the compare-and-set races one claim may lose.
	MaxContention int
	// SweepConcurrency bounds parallel verifier calls in Reverify.
	SweepConcurrency int
}

func DefaultOptions() Options {
	return Options{
		EnableMembership:     true,
		EnableQuota:          true,
		CheckCurrentLive:     true,
		AcceptedTiers:        []string{"pro", "free_trial"},
		QuotaRecheckInterval: time.Hour,
		MaxCandidates:        10,
		MaxContention:        64,
		SweepConcurrency:     4,
	}
}

// TierEligible reports whether a membership tier may be handed out.
func (o Options) TierEligible(tier string) bool {
	t := strings.ToLower(strings.TrimSpace(tier))
	if o.AcceptFreeTier && t == "free" {
		return true
	}
	return slices.Contains(o.AcceptedTiers, t)
}

type Allocator struct {
	accounts *store.AccountStore
	verifier Verifier
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func New(accounts *store.AccountStore, v Verifier, opts Options, logger *slog.Logger, m *metrics.Metrics) *Allocator {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 10
	}
	if opts.MaxContention <= 0 {
		opts.MaxContention = 64
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 1
	}
	return &Allocator{
		accounts: accounts,
		verifier: v,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		Now:      time.Now,
	}
}

type verdict int

const (
	usable verdict = iota
	// skipped leaves the account untouched.
	skipped
	// removed means the account was deleted or taken out of rotation.
	removed
)

// Claim assigns a verified account to the license. Events describe every
// pool change made along the way and are returned even when the claim fails.
func (a *Allocator) Claim(ctx context.Context, licenseCode string) (*model.Account, []event.Event, error) {
	var events []event.Event
	var exclude []int64
	checked, lost := 0, 0

	for {
		if checked >= a.opts.MaxCandidates {
			a.metrics.Claim("ceiling")
			return nil, events, apperr.New(apperr.PoolExhausted, "no eligible account among %d candidates", checked)
		}
		if lost >= a.opts.MaxContention {
			a.metrics.Claim("contention")
			return nil, events, apperr.New(apperr.PoolExhausted, "lost %d claim races", lost)
		}
		if err := ctx.Err(); err != nil {
			return nil, events, apperr.Wrap(apperr.Internal, err, "claim cancelled")
		}

		cand, err := a.accounts.NextCandidate(exclude)
		if err != nil {
			return nil, events, apperr.Wrap(apperr.Internal, err, "fetch candidate")
		}
		if cand == nil {
			a.metrics.Claim("empty")
			return nil, events, apperr.New(apperr.PoolExhausted, "no available accounts")
		}
		exclude = append(exclude, cand.ID)

		v, evs, err := a.vet(ctx, cand)
		events = append(events, evs...)
		if err != nil {
			return nil, events, err
		}
		if v != usable {
			checked++
			continue
		}

		now := a.Now()
		ok, err := a.accounts.Claim(cand.ID, licenseCode, now)
		if err != nil {
			return nil, events, apperr.Wrap(apperr.Internal, err, "claim account")
		}
		if !ok {
			lost++
			a.logger.Debug("claim race lost", "handle", cand.Handle, "code", licenseCode)
			continue
		}

		claimed, err := a.accounts.GetByID(cand.ID)
		if err != nil || claimed == nil {
			claimed = cand
		}
		a.metrics.Claim("ok")
		a.logger.Info("account claimed", "handle", cand.Handle, "code", licenseCode)
		events = append(events, event.New(event.EntityAccount, event.AccountClaimed, cand.Handle, now, map[string]any{"license": licenseCode}))
		return claimed, events, nil
	}
}

// vet re-verifies one candidate. Only store failures are returned as errors;
// verifier failures decide the verdict.
func (a *Allocator) vet(ctx context.Context, acct *model.Account) (verdict, []event.Event, error) {
	if !a.opts.EnableMembership && !a.opts.EnableQuota {
		return usable, nil, nil
	}
	now := a.Now()

	if strings.TrimSpace(acct.SessionCredential) == "" {
		if err := a.accounts.MarkUnusable(acct.ID, false, now); err != nil {
			return skipped, nil, apperr.Wrap(apperr.Internal, err, "mark account unusable")
		}
		a.metrics.Removed("no_credential")
		a.logger.Warn("account has no credential", "handle", acct.Handle)
		return removed, []event.Event{removedEvent(acct, now, "no_credential")}, nil
	}

	if a.opts.EnableMembership {
		v, evs, err := a.checkMembership(ctx, acct, now)
		if err != nil || v != usable {
			return v, evs, err
		}
	}

	if a.opts.EnableQuota {
		return a.checkQuota(ctx, acct, now, true)
	}
	return usable, nil, nil
}

func (a *Allocator) checkMembership(ctx context.Context, acct *model.Account, now time.Time) (verdict, []event.Event, error) {
	m, err := a.verifier.Membership(ctx, acct.SessionCredential)
	switch {
	case errors.Is(err, verifier.ErrCredentialInvalid):
		return a.remove(acct, now, "credential_invalid")
	case err != nil:
		a.logger.Warn("membership check failed", "handle", acct.Handle, "error", err)
		return skipped, nil, nil
	}

	if !a.opts.TierEligible(m.Tier) {
		a.logger.Info("account not eligible", "handle", acct.Handle, "tier", m.Tier)
		return a.remove(acct, now, "ineligible")
	}

	if err := a.accounts.UpdateMembership(acct.ID, model.MembershipEligible, m.Tier, m.TrialLengthDays, m.TrialDaysRemaining, now); err != nil {
		return skipped, nil, apperr.Wrap(apperr.Internal, err, "save membership")
	}
	acct.Membership = model.MembershipEligible
	acct.Tier = m.Tier
	return usable, nil, nil
}

// checkQuota looks up the account's usage. When the lookup fails and no fresh
// verdict is stored, failClosed persists the account as quota-full so later
// claims stop re-verifying it; otherwise the account is only skipped.
func (a *Allocator) checkQuota(ctx context.Context, acct *model.Account, now time.Time, failClosed bool) (verdict, []event.Event, error) {
	u, err := a.verifier.Usage(ctx, acct.SessionCredential)
	switch {
	case errors.Is(err, verifier.ErrCredentialInvalid):
		if err := a.accounts.MarkUnusable(acct.ID, true, now); err != nil {
			return skipped, nil, apperr.Wrap(apperr.Internal, err, "mark account unusable")
		}
		a.metrics.Removed("credential_invalid")
		return removed, []event.Event{removedEvent(acct, now, "credential_invalid")}, nil
	case err != nil:
		if a.quotaVerdictFresh(acct, now) && !acct.QuotaFull {
			a.logger.Warn("usage check failed, using cached verdict", "handle", acct.Handle, "error", err)
			return usable, nil, nil
		}
		a.logger.Warn("usage check failed", "handle", acct.Handle, "error", err)
		if !failClosed {
			return skipped, nil, nil
		}
		if err := a.accounts.MarkUnusable(acct.ID, true, now); err != nil {
			return skipped, nil, apperr.Wrap(apperr.Internal, err, "mark account unusable")
		}
		acct.QuotaFull = true
		a.metrics.Removed("quota_unverified")
		return removed, []event.Event{event.New(event.EntityAccount, event.AccountQuotaFull, acct.Handle, now, map[string]any{
			"unverified": true,
		})}, nil
	}

	if err := a.accounts.UpdateQuota(acct.ID, u.QuotaFull, u.TotalCents, now); err != nil {
		return skipped, nil, apperr.Wrap(apperr.Internal, err, "save quota")
	}
	acct.UsedCents = u.TotalCents
	acct.QuotaFull = u.QuotaFull
	if u.QuotaFull {
		a.metrics.Removed("quota_full")
		a.logger.Info("account quota full", "handle", acct.Handle, "used_cents", u.TotalCents)
		return removed, []event.Event{event.New(event.EntityAccount, event.AccountQuotaFull, acct.Handle, now, map[string]any{
			"used_cents": u.TotalCents,
		})}, nil
	}
	return usable, nil, nil
}

func (a *Allocator) quotaVerdictFresh(acct *model.Account, now time.Time) bool {
	return acct.QuotaCheckedAt != nil && now.Sub(*acct.QuotaCheckedAt) < a.opts.QuotaRecheckInterval
}

// remove deletes an account that can never be handed out again.
func (a *Allocator) remove(acct *model.Account, now time.Time, reason string) (verdict, []event.Event, error) {
	var ok bool
	var err error
	if acct.OccupiedByLicense != nil {
		ok, err = a.accounts.DeleteHeldBy(acct.ID, *acct.OccupiedByLicense)
	} else {
		ok, err = a.accounts.Delete(acct.ID)
	}
	if err != nil {
		return skipped, nil, apperr.Wrap(apperr.Internal, err, "delete account")
	}
	if !ok {
		// Claimed or deleted by someone else in the meantime.
		return skipped, nil, nil
	}
	a.metrics.Removed(reason)
	a.logger.Info("account removed", "handle", acct.Handle, "reason", reason)
	return removed, []event.Event{removedEvent(acct, now, reason)}, nil
}

func removedEvent(acct *model.Account, now time.Time, reason string) event.Event {
	return event.New(event.EntityAccount, event.AccountRemoved, acct.Handle, now, map[string]any{"reason": reason})
}

// CurrentAccountUsable reports whether the account the caller already holds
// is still eligible and below its quota, in which case a swap is refused.
// A handle that is not a pool account, or belongs to another license, never
// blocks a swap.
func (a *Allocator) CurrentAccountUsable(ctx context.Context, licenseCode, handle string) (bool, []event.Event, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" || handle == NoCurrentAccount {
		return false, nil, nil
	}
	acct, err := a.accounts.GetByHandle(handle)
	if err != nil {
		return false, nil, apperr.Wrap(apperr.Internal, err, "load current account")
	}
	if acct == nil {
		return false, nil, nil
	}
	if acct.OccupiedByLicense != nil && *acct.OccupiedByLicense != licenseCode {
		return false, nil, nil
	}
	if acct.QuotaFull {
		return false, nil, nil
	}

	if !a.opts.CheckCurrentLive || strings.TrimSpace(acct.SessionCredential) == "" {
		return a.cachedUsable(acct), nil, nil
	}

	now := a.Now()
	if a.opts.EnableMembership {
		m, err := a.verifier.Membership(ctx, acct.SessionCredential)
		switch {
		case errors.Is(err, verifier.ErrCredentialInvalid):
			_, evs, err := a.remove(acct, now, "credential_invalid")
			return false, evs, err
		case err != nil:
			a.logger.Warn("membership check of current account failed", "handle", handle, "error", err)
			if acct.Membership != model.MembershipEligible {
				return false, nil, nil
			}
		case !a.opts.TierEligible(m.Tier):
			_, evs, err := a.remove(acct, now, "ineligible")
			return false, evs, err
		default:
			if err := a.accounts.UpdateMembership(acct.ID, model.MembershipEligible, m.Tier, m.TrialLengthDays, m.TrialDaysRemaining, now); err != nil {
				return false, nil, apperr.Wrap(apperr.Internal, err, "save membership")
			}
		}
	}

	if !a.opts.EnableQuota {
		return true, nil, nil
	}
	v, evs, err := a.checkQuota(ctx, acct, now, true)
	return v == usable, evs, err
}

func (a *Allocator) cachedUsable(acct *model.Account) bool {
	if acct.QuotaFull {
		return false
	}
	if a.opts.EnableMembership && acct.Membership != model.MembershipEligible {
		return false
	}
	return true
}

// Release frees every account the license occupies.
func (a *Allocator) Release(licenseCode string) ([]model.Account, []event.Event, error) {
	now := a.Now()
	released, err := a.accounts.ReleaseByLicense(licenseCode, now)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "release accounts")
	}
	events := make([]event.Event, 0, len(released))
	for _, acct := range released {
		events = append(events, event.New(event.EntityAccount, event.AccountReleased, acct.Handle, now, map[string]any{"license": licenseCode}))
	}
	if len(released) > 0 {
		a.logger.Info("accounts released", "code", licenseCode, "count", len(released))
	}
	return released, events, nil
}

// Unclaim reverses a single claim. It is used to compensate when the swap
// cannot be recorded after the claim succeeded.
func (a *Allocator) Unclaim(acct *model.Account, licenseCode string) ([]event.Event, error) {
	now := a.Now()
	ok, err := a.accounts.Unclaim(acct.ID, licenseCode, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "unclaim account")
	}
	if !ok {
		return nil, nil
	}
	a.logger.Info("claim reverted", "handle", acct.Handle, "code", licenseCode)
	return []event.Event{event.New(event.EntityAccount, event.AccountReleased, acct.Handle, now, map[string]any{
		"license":  licenseCode,
		"reverted": true,
	})}, nil
}

func (a *Allocator) AccountsByLicense(licenseCode string) ([]model.Account, error) {
	accounts, err := a.accounts.ListByLicense(licenseCode)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list accounts")
	}
	return accounts, nil
}

// NewAccount is the operator input for adding one account to the pool.
type NewAccount struct {
	Handle            string
	SessionCredential string
	AccessToken       string
	RefreshToken      string
	SignUpType        string
	Notes             string
}

func (a *Allocator) AddAccount(in NewAccount) (*model.Account, []event.Event, error) {
	handle := strings.TrimSpace(in.Handle)
	if handle == "" {
		return nil, nil, apperr.New(apperr.InvalidArgument, "handle is required")
	}
	existing, err := a.accounts.GetByHandle(handle)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "check handle")
	}
	if existing != nil {
		return nil, nil, apperr.New(apperr.InvalidArgument, "account %s is already in the pool", handle)
	}

	now := a.Now()
	acct, err := a.accounts.Create(&model.Account{
		Handle:            handle,
		SessionCredential: strings.TrimSpace(in.SessionCredential),
		AccessToken:       strings.TrimSpace(in.AccessToken),
		RefreshToken:      strings.TrimSpace(in.RefreshToken),
		SignUpType:        in.SignUpType,
		Notes:             in.Notes,
	}, now)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "add account")
	}
	a.logger.Info("account added", "handle", handle)
	return acct, []event.Event{event.New(event.EntityAccount, event.AccountAdded, handle, now, nil)}, nil
}

// VerifyAccount refreshes the membership and usage of one account with the
// same removal rules a claim applies. The returned account is nil when it
// was deleted.
func (a *Allocator) VerifyAccount(ctx context.Context, handle string) (*model.Account, []event.Event, error) {
	acct, err := a.accounts.GetByHandle(handle)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "load account")
	}
	if acct == nil {
		return nil, nil, apperr.New(apperr.NotFound, "account %s not found", handle)
	}
	if strings.TrimSpace(acct.SessionCredential) == "" {
		return nil, nil, apperr.New(apperr.InvalidArgument, "account %s has no credential", handle)
	}

	now := a.Now()
	m, err := a.verifier.Membership(ctx, acct.SessionCredential)
	switch {
	case errors.Is(err, verifier.ErrCredentialInvalid):
		_, evs, err := a.remove(acct, now, "credential_invalid")
		return nil, evs, err
	case err != nil:
		return nil, nil, err
	case !a.opts.TierEligible(m.Tier):
		_, evs, err := a.remove(acct, now, "ineligible")
		return nil, evs, err
	}
	if err := a.accounts.UpdateMembership(acct.ID, model.MembershipEligible, m.Tier, m.TrialLengthDays, m.TrialDaysRemaining, now); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, err, "save membership")
	}
	events := []event.Event{event.New(event.EntityAccount, event.AccountVerified, handle, now, map[string]any{"tier": m.Tier})}

	if a.opts.EnableQuota {
		_, evs, err := a.checkQuota(ctx, acct, now, false)
		events = append(events, evs...)
		if err != nil {
			return nil, events, err
		}
	}

	refreshed, err := a.accounts.GetByID(acct.ID)
	if err != nil {
		return nil, events, apperr.Wrap(apperr.Internal, err, "reload account")
	}
	return refreshed, events, nil
}
