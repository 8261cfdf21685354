package model

import (
	"strings"
	"time"
)

// Membership is the tri-state eligibility verdict for a pool account.
type Membership string

const (
	MembershipUnknown    Membership = "unknown"
	MembershipEligible   Membership = "eligible"
	MembershipIneligible Membership = "ineligible"
)

type Account struct {
	ID                  int64      `json:"id"`
	Handle              string     `json:"handle"`
	SessionCredential   string     `json:"-"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	SignUpType          string     `json:"sign_up_type"`
	Available           bool       `json:"available"`
	QuotaFull           bool       `json:"quota_full"`
	UsedCents           int64      `json:"used_cents"`
	Membership          Membership `json:"membership"`
	Tier                string     `json:"tier"`
	TrialLengthDays     *int       `json:"trial_length_days"`
	TrialDaysRemaining  *int       `json:"trial_days_remaining"`
	MembershipCheckedAt *time.Time `json:"membership_checked_at"`
	QuotaCheckedAt      *time.Time `json:"quota_checked_at"`
	OccupiedByLicense   *string    `json:"occupied_by_license"`
	OccupiedTime        *time.Time `json:"occupied_time"`
	LastUsedTime        *time.Time `json:"last_used_time"`
	Notes               string     `json:"notes"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Credentials is what a client receives after a successful swap. Absent
// values are empty strings so callers can tell "no value" from "omitted".
type Credentials struct {
	Handle            string `json:"handle"`
	SessionCredential string `json:"session_credential"`
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	SignUpType        string `json:"sign_up_type"`
	Tier              string `json:"tier"`
}

// CredentialsFor builds the client-facing view of a claimed account. The
// refresh token only travels together with an access token.
func CredentialsFor(a *Account) Credentials {
	c := Credentials{
		Handle:            a.Handle,
		SessionCredential: a.SessionCredential,
		SignUpType:        a.SignUpType,
		Tier:              a.Tier,
	}
	if strings.TrimSpace(a.AccessToken) != "" {
		c.AccessToken = a.AccessToken
		c.RefreshToken = a.RefreshToken
	}
	return c
}
