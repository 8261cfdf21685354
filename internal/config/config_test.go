package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.MaxDailySwitches != 8 || cfg.MinSwitchIntervalMinutes != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.SwitchLimitEnabled || !cfg.EnableMembershipVerification || !cfg.EnableQuotaVerification {
		t.Error("verification and limits should be on by default")
	}
	if len(cfg.AcceptedTiers) != 2 || cfg.AcceptedTiers[0] != "pro" {
		t.Errorf("accepted tiers = %v", cfg.AcceptedTiers)
	}

	opts := cfg.AllocatorOptions()
	if opts.QuotaRecheckInterval != time.Hour || opts.MaxCandidates != 10 {
		t.Errorf("options = %+v", opts)
	}
	lim := cfg.Limiter()
	if lim.MinInterval != 2*time.Minute || !lim.DailyEnabled || lim.MaxDaily != 8 {
		t.Errorf("limiter = %+v", lim)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BROKER_PORT", "9090")
	t.Setenv("BROKER_MAX_DAILY_SWITCHES", "-1")
	t.Setenv("BROKER_ACCEPT_INELIGIBLE_TIER_AS_USABLE", "true")
	t.Setenv("BROKER_ACCEPTED_TIERS", "pro,business")
	t.Setenv("BROKER_QUOTA_RECHECK_INTERVAL_HOURS", "6")
	t.Setenv("BROKER_VERIFIER_TIMEOUT", "3s")
	t.Setenv("BROKER_TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.Limiter().DailyEnabled {
		t.Error("a negative daily cap should disable the daily gate")
	}
	opts := cfg.AllocatorOptions()
	if !opts.AcceptFreeTier || !opts.TierEligible("business") || !opts.TierEligible("free") {
		t.Errorf("options = %+v", opts)
	}
	if opts.QuotaRecheckInterval != 6*time.Hour {
		t.Errorf("recheck = %s", opts.QuotaRecheckInterval)
	}
	if cfg.Verifier().Timeout != 3*time.Second {
		t.Errorf("verifier timeout = %s", cfg.Verifier().Timeout)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("location = %v", cfg.Location())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"log level", "BROKER_LOG_LEVEL", "loud", "LogLevel"},
		{"daily cap", "BROKER_MAX_DAILY_SWITCHES", "-5", "MaxDailySwitches"},
		{"verifier url", "BROKER_VERIFIER_URL", "not a url", "VerifierURL"},
		{"timezone", "BROKER_TIMEZONE", "Mars/Olympus", "timezone"},
		{"not a number", "BROKER_MAX_CANDIDATES", "ten", "MAX_CANDIDATES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
