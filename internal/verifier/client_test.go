package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/acctbroker/internal/apperr"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:   url,
		Timeout:   2 * time.Second,
		Retries:   2,
		RetryBase: time.Millisecond,
	}, nil)
}

func TestMembership(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/auth/stripe" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value != "tok-1" {
			t.Errorf("session cookie = %v, %v", c, err)
		}
		w.Write([]byte(`{"membershipType":"free_trial","trialLengthDays":14,"daysRemainingOnTrial":null}`))
	}))
	defer server.Close()

	m, err := newTestClient(server.URL).Membership(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.Tier != "free_trial" {
		t.Errorf("tier = %q, want free_trial", m.Tier)
	}
	if m.TrialLengthDays == nil || *m.TrialLengthDays != 14 {
		t.Errorf("trial length = %v, want 14", m.TrialLengthDays)
	}
	if m.TrialDaysRemaining != nil {
		t.Errorf("trial remaining = %v, want nil", *m.TrialDaysRemaining)
	}
}

func TestMembershipMissingTypeIsUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	m, err := newTestClient(server.URL).Membership(context.Background(), "tok")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.Tier != "unknown" {
		t.Errorf("tier = %q, want unknown", m.Tier)
	}
}

func TestCredentialInvalidNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Membership(context.Background(), "bad")
	if !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("err = %v, want ErrCredentialInvalid", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestTransientRetriedThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Usage(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrCredentialInvalid) {
		t.Error("5xx must not look like an invalid credential")
	}
	if !apperr.IsKind(err, apperr.VerifierUnavailable) {
		t.Errorf("kind = %q, want verifier_unavailable", apperr.KindOf(err))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestTransientRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"membershipType":"pro"}`))
	}))
	defer server.Close()

	m, err := newTestClient(server.URL).Membership(context.Background(), "tok")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.Tier != "pro" {
		t.Errorf("tier = %q, want pro", m.Tier)
	}
}

func TestUsageSumsChargedEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/dashboard/get-filtered-usage-events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req usageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		wantEnd := strconv.FormatInt(now.UnixMilli(), 10)
		wantStart := strconv.FormatInt(now.Add(-30*24*time.Hour).UnixMilli(), 10)
		if req.EndDate != wantEnd || req.StartDate != wantStart {
			t.Errorf("window = %s..%s, want %s..%s", req.StartDate, req.EndDate, wantStart, wantEnd)
		}
		if req.Page != 1 || req.PageSize != 100 {
			t.Errorf("page = %d size = %d", req.Page, req.PageSize)
		}
		w.Write([]byte(`{"usageEventsDisplay":[
			{"kind":"USAGE_EVENT_KIND_USAGE_BASED","tokenUsage":{"totalCents":400.4}},
			{"kind":"USAGE_EVENT_KIND_INCLUDED_IN_PRO","tokenUsage":{"totalCents":350.6}},
			{"kind":"USAGE_EVENT_KIND_ERRORED_NOT_CHARGED","tokenUsage":{"totalCents":900}},
			{"kind":"USAGE_EVENT_KIND_USAGE_BASED"}
		]}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.now = func() time.Time { return now }

	u, err := c.Usage(context.Background(), "tok")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.TotalCents != 751 {
		t.Errorf("total = %d, want 751", u.TotalCents)
	}
	if u.QuotaFull {
		t.Error("expected quota not full under $10")
	}
}

func TestUsageQuotaFullAtCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usageEventsDisplay":[{"kind":"X","tokenUsage":{"totalCents":1000}}]}`))
	}))
	defer server.Close()

	u, err := newTestClient(server.URL).Usage(context.Background(), "tok")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !u.QuotaFull || u.TotalCents != 1000 {
		t.Errorf("usage = %+v, want full at 1000", u)
	}
}

func TestSlowVerifierTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
			w.Write([]byte(`{"membershipType":"pro"}`))
		}
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL:   server.URL,
		Timeout:   200 * time.Millisecond,
		Retries:   2,
		RetryBase: time.Millisecond,
	}, nil)

	start := time.Now()
	_, err := c.Membership(context.Background(), "tok")
	elapsed := time.Since(start)

	if !apperr.IsKind(err, apperr.VerifierUnavailable) {
		t.Fatalf("err = %v, want verifier_unavailable", err)
	}
	if errors.Is(err, ErrCredentialInvalid) {
		t.Error("timeout must not look like an invalid credential")
	}
	if elapsed > time.Second {
		t.Errorf("lookup took %v, want it bounded by the 200ms timeout", elapsed)
	}
}

func TestSharedLookupSurvivesCancelledCaller(t *testing.T) {
	arrived := make(chan struct{}, 4)
	proceed := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		arrived <- struct{}{}
		<-proceed
		w.Write([]byte(`{"membershipType":"pro"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Membership(first, "tok")
		firstErr <- err
	}()
	<-arrived

	type result struct {
		m   *Membership
		err error
	}
	second := make(chan result, 1)
	go func() {
		m, err := c.Membership(context.Background(), "tok")
		second <- result{m, err}
	}()
	// Give the second caller time to join the in-flight lookup.
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if err == nil {
			t.Error("cancelled caller got no error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(proceed)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller: %v", r.err)
		}
		if r.m.Tier != "pro" {
			t.Errorf("tier = %q, want pro", r.m.Tier)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 shared lookup", n)
	}
}
