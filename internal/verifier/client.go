// Package verifier talks to the external authority that knows whether a pool
// account is a paying member and how much of its quota it has used.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dukerupert/acctbroker/internal/apperr"
	"github.com/dukerupert/acctbroker/internal/metrics"
)

// ErrCredentialInvalid means the authority rejected the session credential.
// Any other error from the client is transient.
var ErrCredentialInvalid = errors.New("credential rejected by verifier")

const (
	sessionCookie  = "WorkosCursorSessionToken"
	usageWindow    = 30 * 24 * time.Hour
	notChargedKind = "NOT_CHARGED"
)

// Config holds verifier client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds one logical call, retries included.
	Timeout       time.Duration
	Retries       uint64
	RetryBase     time.Duration
	RatePerSecond float64
	Burst         int
	QuotaCapCents int64
}

// Membership is the tier the authority reports for an account.
type Membership struct {
	Tier               string
	TrialLengthDays    *int
	TrialDaysRemaining *int
}

// Usage is the charged usage over the last 30 days.
type Usage struct {
	QuotaFull  bool
	TotalCents int64
}

type membershipResponse struct {
	MembershipType       string `json:"membershipType"`
	TrialLengthDays      *int   `json:"trialLengthDays"`
	DaysRemainingOnTrial *int   `json:"daysRemainingOnTrial"`
}

type usageRequest struct {
	TeamID    int    `json:"teamId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
}

type usageResponse struct {
	UsageEventsDisplay []struct {
		Kind       string `json:"kind"`
		TokenUsage *struct {
			TotalCents float64 `json:"totalCents"`
		} `json:"tokenUsage"`
	} `json:"usageEventsDisplay"`
}

// Client is an HTTP client for the eligibility authority. It paces outbound
// calls, retries transient failures and collapses concurrent identical lookups.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
	metrics    *metrics.Metrics

	// now is the clock used for the usage window.
	now func() time.Time
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cursor.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.QuotaCapCents == 0 {
		cfg.QuotaCapCents = 1000
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		metrics: m,
		now:     time.Now,
	}
}

// Membership looks up the tier of the account behind credential.
func (c *Client) Membership(ctx context.Context, credential string) (*Membership, error) {
	v, err := c.shared(ctx, "membership\x00"+credential, func(ctx context.Context) (any, error) {
		var out *Membership
		err := c.call(ctx, "membership", func(ctx context.Context) error {
			body, err := c.do(ctx, http.MethodGet, "/api/auth/stripe", credential, nil)
			if err != nil {
				return err
			}
			var mr membershipResponse
			if err := json.Unmarshal(body, &mr); err != nil {
				return retry.RetryableError(fmt.Errorf("decode membership: %w", err))
			}
			tier := strings.TrimSpace(mr.MembershipType)
			if tier == "" {
				tier = "unknown"
			}
			out = &Membership{
				Tier:               tier,
				TrialLengthDays:    mr.TrialLengthDays,
				TrialDaysRemaining: mr.DaysRemainingOnTrial,
			}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Membership), nil
}

// Usage sums the charged usage events of the last 30 days.
func (c *Client) Usage(ctx context.Context, credential string) (*Usage, error) {
	v, err := c.shared(ctx, "usage\x00"+credential, func(ctx context.Context) (any, error) {
		end := c.now()
		reqBody, err := json.Marshal(usageRequest{
			TeamID:    0,
			StartDate: strconv.FormatInt(end.Add(-usageWindow).UnixMilli(), 10),
			EndDate:   strconv.FormatInt(end.UnixMilli(), 10),
			Page:      1,
			PageSize:  100,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal usage request: %w", err)
		}

		var out *Usage
		err = c.call(ctx, "usage", func(ctx context.Context) error {
			body, err := c.do(ctx, http.MethodPost, "/api/dashboard/get-filtered-usage-events", credential, reqBody)
			if err != nil {
				return err
			}
			var ur usageResponse
			if err := json.Unmarshal(body, &ur); err != nil {
				return retry.RetryableError(fmt.Errorf("decode usage: %w", err))
			}
			var total int64
			for _, e := range ur.UsageEventsDisplay {
				if strings.Contains(e.Kind, notChargedKind) || e.TokenUsage == nil {
					continue
				}
				total += int64(math.Round(e.TokenUsage.TotalCents))
			}
			out = &Usage{QuotaFull: total >= c.cfg.QuotaCapCents, TotalCents: total}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Usage), nil
}

// shared runs fn once for all concurrent callers with the same key. The
// lookup is detached from any single caller's cancellation and bounded by the
// call timeout instead, so one caller going away does not fail the others.
func (c *Client) shared(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.VerifierUnavailable, ctx.Err(), "lookup abandoned")
	}
}

// call runs fn under the call timeout with retries and pacing, and records
// the outcome.
func (c *Client) call(ctx context.Context, kind string, fn retry.RetryFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	b := retry.WithMaxRetries(c.cfg.Retries, retry.NewExponential(c.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})

	result := "ok"
	switch {
	case errors.Is(err, ErrCredentialInvalid):
		result = "credential_invalid"
	case err != nil:
		result = "transient"
	}
	c.metrics.VerifierCall(kind, result, time.Since(start))

	if err != nil && !errors.Is(err, ErrCredentialInvalid) {
		return apperr.Wrap(apperr.VerifierUnavailable, err, "%s lookup failed", kind)
	}
	return err
}

// do performs one request. Failures worth retrying are wrapped with
// retry.RetryableError.
func (c *Client) do(ctx context.Context, method, path, credential string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: credential})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("request %s: %w", path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, ErrCredentialInvalid)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.RetryableError(fmt.Errorf("%s: status %d", path, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read %s: %w", path, err))
	}
	return data, nil
}
