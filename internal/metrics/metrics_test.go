package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Swap("ok")
	m.Claim("ok")
	m.Removed("ineligible")
	m.VerifierCall("membership", "ok", time.Millisecond)
	m.Pool(1, 1, 0, 0)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Swap("ok")
	m.Swap("ok")
	m.Removed("ineligible")
	m.VerifierCall("usage", "transient", 20*time.Millisecond)
	m.Pool(5, 3, 1, 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`acctbroker_swaps_total{outcome="ok"} 2`,
		`acctbroker_accounts_removed_total{reason="ineligible"} 1`,
		`acctbroker_verifier_calls_total{kind="usage",result="transient"} 1`,
		`acctbroker_pool_accounts{state="available"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
