package store

import (
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/acctbroker/internal/model"
)

func addAccount(t *testing.T, as *AccountStore, handle string, now time.Time) *model.Account {
	t.Helper()
	a, err := as.Create(&model.Account{Handle: handle, SessionCredential: "cred-" + handle}, now)
	if err != nil {
		t.Fatalf("create %s: %v", handle, err)
	}
	return a
}

func TestAccountCreate(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a := addAccount(t, as, "a@example.com", now)
	if !a.Available || a.QuotaFull || a.OccupiedByLicense != nil {
		t.Errorf("new account state = %+v", a)
	}
	if a.Membership != model.MembershipUnknown {
		t.Errorf("membership = %q, want unknown", a.Membership)
	}

	if _, err := as.Create(&model.Account{Handle: "a@example.com"}, now); err == nil {
		t.Error("expected error on duplicate handle")
	}

	got, err := as.GetByHandle("missing@example.com")
	if err != nil || got != nil {
		t.Errorf("missing handle = %v, %v; want nil, nil", got, err)
	}
}

func TestNextCandidateLRU(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a := addAccount(t, as, "a@example.com", t0)
	b := addAccount(t, as, "b@example.com", t0)
	c := addAccount(t, as, "c@example.com", t0)

	// a was used long ago, b recently, c never.
	if ok, _ := as.Claim(a.ID, "L1", t0.Add(-48*time.Hour)); !ok {
		t.Fatal("claim a failed")
	}
	as.Unclaim(a.ID, "L1", t0)
	if ok, _ := as.Claim(b.ID, "L1", t0.Add(-time.Hour)); !ok {
		t.Fatal("claim b failed")
	}
	as.Unclaim(b.ID, "L1", t0)

	next, err := as.NextCandidate(nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != c.ID {
		t.Errorf("first candidate = %s, want never-used c", next.Handle)
	}

	next, _ = as.NextCandidate([]int64{c.ID})
	if next.ID != a.ID {
		t.Errorf("second candidate = %s, want least recently used a", next.Handle)
	}

	next, _ = as.NextCandidate([]int64{c.ID, a.ID})
	if next.ID != b.ID {
		t.Errorf("third candidate = %s, want b", next.Handle)
	}

	next, err = as.NextCandidate([]int64{a.ID, b.ID, c.ID})
	if err != nil || next != nil {
		t.Errorf("exhausted = %v, %v; want nil, nil", next, err)
	}
}

func TestNextCandidateSkipsUnusable(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()

	full := addAccount(t, as, "full@example.com", now)
	off := addAccount(t, as, "off@example.com", now)
	taken := addAccount(t, as, "taken@example.com", now)
	ok := addAccount(t, as, "ok@example.com", now)

	if err := as.UpdateQuota(full.ID, true, 1200, now); err != nil {
		t.Fatalf("update quota: %v", err)
	}
	if err := as.MarkUnusable(off.ID, false, now); err != nil {
		t.Fatalf("mark unusable: %v", err)
	}
	if claimed, _ := as.Claim(taken.ID, "L1", now); !claimed {
		t.Fatal("claim failed")
	}

	next, err := as.NextCandidate(nil)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != ok.ID {
		t.Errorf("candidate = %+v, want ok@example.com", next)
	}

	got, _ := as.GetByID(full.ID)
	if got.Available || !got.QuotaFull || got.UsedCents != 1200 || got.QuotaCheckedAt == nil {
		t.Errorf("quota-full account = %+v", got)
	}
}

func TestClaimCompareAndSet(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()
	a := addAccount(t, as, "a@example.com", now)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := as.Claim(a.ID, "L1", now)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	got, _ := as.GetByID(a.ID)
	if got.Available || got.OccupiedByLicense == nil || *got.OccupiedByLicense != "L1" {
		t.Errorf("claimed account = %+v", got)
	}
	if got.LastUsedTime == nil || got.OccupiedTime == nil {
		t.Error("expected occupied and last used times")
	}
}

func TestReleaseByLicense(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()
	a := addAccount(t, as, "a@example.com", now)
	b := addAccount(t, as, "b@example.com", now)
	c := addAccount(t, as, "c@example.com", now)

	as.Claim(a.ID, "L1", now)
	as.Claim(b.ID, "L1", now)
	as.Claim(c.ID, "L2", now)
	as.UpdateQuota(b.ID, true, 1000, now)

	released, err := as.ReleaseByLicense("L1", now)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released = %d, want 2", len(released))
	}

	gotA, _ := as.GetByID(a.ID)
	if !gotA.Available || gotA.OccupiedByLicense != nil || gotA.OccupiedTime != nil {
		t.Errorf("a after release = %+v", gotA)
	}
	gotB, _ := as.GetByID(b.ID)
	if gotB.Available || gotB.OccupiedByLicense != nil {
		t.Errorf("quota-full b should be free but unavailable: %+v", gotB)
	}
	gotC, _ := as.GetByID(c.ID)
	if gotC.OccupiedByLicense == nil || *gotC.OccupiedByLicense != "L2" {
		t.Error("release touched another license's account")
	}

	released, err = as.ReleaseByLicense("L1", now)
	if err != nil || len(released) != 0 {
		t.Errorf("second release = %d, %v; want 0, nil", len(released), err)
	}
}

func TestUnclaimOnlyOwnClaim(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()
	a := addAccount(t, as, "a@example.com", now)
	as.Claim(a.ID, "L1", now)

	if ok, _ := as.Unclaim(a.ID, "L2", now); ok {
		t.Error("unclaim by another license should not apply")
	}
	if ok, _ := as.Unclaim(a.ID, "L1", now); !ok {
		t.Error("unclaim by owner should apply")
	}
}

func TestUnclaimRestoresLRUPosition(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := addAccount(t, as, "a@example.com", t0)
	b := addAccount(t, as, "b@example.com", t0)

	// a was used an hour ago, b two hours ago: b comes first.
	if ok, _ := as.Claim(a.ID, "L0", t0.Add(-time.Hour)); !ok {
		t.Fatal("claim a")
	}
	as.ReleaseByLicense("L0", t0)
	if ok, _ := as.Claim(b.ID, "L0", t0.Add(-2*time.Hour)); !ok {
		t.Fatal("claim b")
	}
	as.ReleaseByLicense("L0", t0)

	// A reverted claim of b must not push it behind a.
	if ok, _ := as.Claim(b.ID, "L1", t0); !ok {
		t.Fatal("claim b again")
	}
	if ok, err := as.Unclaim(b.ID, "L1", t0); err != nil || !ok {
		t.Fatalf("unclaim = %v, %v", ok, err)
	}

	got, err := as.GetByID(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastUsedTime == nil || !got.LastUsedTime.Equal(t0.Add(-2*time.Hour)) {
		t.Errorf("last used = %v, want %v", got.LastUsedTime, t0.Add(-2*time.Hour))
	}
	next, err := as.NextCandidate(nil)
	if err != nil {
		t.Fatalf("next candidate: %v", err)
	}
	if next == nil || next.ID != b.ID {
		t.Errorf("next candidate = %+v, want b", next)
	}
}

func TestDeleteSparesOccupied(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()
	a := addAccount(t, as, "a@example.com", now)
	b := addAccount(t, as, "b@example.com", now)
	as.Claim(b.ID, "L1", now)

	if ok, err := as.Delete(a.ID); err != nil || !ok {
		t.Errorf("delete free = %v, %v", ok, err)
	}
	if ok, _ := as.Delete(b.ID); ok {
		t.Error("delete should spare an occupied account")
	}
	if ok, _ := as.DeleteHeldBy(b.ID, "L1"); !ok {
		t.Error("DeleteHeldBy should remove the owner's account")
	}
}

func TestUpdateMembershipAndCounts(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	now := time.Now()
	a := addAccount(t, as, "a@example.com", now)
	addAccount(t, as, "b@example.com", now)
	addAccount(t, as, ".c@example.com", now)

	trial := 14
	if err := as.UpdateMembership(a.ID, model.MembershipEligible, "free_trial", &trial, nil, now); err != nil {
		t.Fatalf("update membership: %v", err)
	}
	got, _ := as.GetByID(a.ID)
	if got.Membership != model.MembershipEligible || got.Tier != "free_trial" {
		t.Errorf("membership = %q tier = %q", got.Membership, got.Tier)
	}
	if got.TrialLengthDays == nil || *got.TrialLengthDays != 14 || got.TrialDaysRemaining != nil {
		t.Errorf("trial = %v / %v", got.TrialLengthDays, got.TrialDaysRemaining)
	}

	as.Claim(a.ID, "L1", now)
	c, err := as.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Total != 3 || c.Available != 2 || c.Occupied != 1 || c.QuotaFull != 0 {
		t.Errorf("counts = %+v", c)
	}

	list, _ := as.ListByLicense("L1")
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("list by license = %+v", list)
	}
	reverify, _ := as.ListForReverify()
	if len(reverify) != 3 {
		t.Errorf("reverify = %d, want 3", len(reverify))
	}
}
