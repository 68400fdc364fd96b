package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/BatmanBruc/vpn-bot/internal/reconcile"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	mu      sync.Mutex
	outcome reconcile.Outcome
	err     error
	bodies  []string
}

func (f *fakeEvents) HandlePaymentEvent(ctx context.Context, raw []byte) (reconcile.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, string(raw))
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("no deadline")
	}
	return f.outcome, f.err
}

func post(t *testing.T, s *Server, target, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

const event = `{"event":"payment.succeeded","object":{"id":"pay_1","metadata":{"telegram_id":"42","tariff_id":"1m"}}}`

func TestPaymentStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		out  reconcile.Outcome
		err  error
		code int
	}{
		{"processed", reconcile.OutcomeProcessed, nil, 200},
		{"duplicate", reconcile.OutcomeDuplicate, nil, 200},
		{"ignored", reconcile.OutcomeIgnored, nil, 200},
		{"malformed", "", types.ErrMalformedEvent, 400},
		{"unverified", "", types.ErrUnverifiedEvent, 401},
		{"provisioning", "", &types.ProvisioningError{Kind: types.ProvisioningUnconfigured, Op: "resolve_inbound"}, 500},
		{"gateway", "", &types.GatewayError{Op: "fetch", Transient: true, Err: errors.New("down")}, 500},
		{"store", "", types.ErrStoreUnavailable, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := &fakeEvents{outcome: tc.out, err: tc.err}
			s := New(events, Config{})
			code, body := post(t, s, PaymentPath, event, nil)
			assert.Equal(t, tc.code, code)
			if tc.code == 200 {
				assert.Equal(t, "ok", body["status"])
			} else {
				assert.Equal(t, "error", body["status"])
			}
			require.Len(t, events.bodies, 1)
			assert.Equal(t, event, events.bodies[0])
		})
	}
}

func TestServerErrorHidesDetails(t *testing.T) {
	events := &fakeEvents{err: errors.New("pq: connection refused on 10.0.0.5")}
	code, body := post(t, New(events, Config{}), PaymentPath, event, nil)
	assert.Equal(t, 500, code)
	assert.NotContains(t, body["error"], "10.0.0.5")
}

func TestSecret(t *testing.T) {
	events := &fakeEvents{outcome: reconcile.OutcomeProcessed}
	s := New(events, Config{Secret: "s3cret"})

	code, _ := post(t, s, PaymentPath, event, nil)
	assert.Equal(t, 401, code)

	code, _ = post(t, s, PaymentPath, event, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, 401, code)
	assert.Empty(t, events.bodies)

	code, _ = post(t, s, PaymentPath, event, map[string]string{"X-Webhook-Secret": "s3cret"})
	assert.Equal(t, 200, code)

	code, _ = post(t, s, PaymentPath+"?secret=s3cret", event, nil)
	assert.Equal(t, 200, code)
	assert.Len(t, events.bodies, 2)
}

func TestAllowedCIDRs(t *testing.T) {
	events := &fakeEvents{outcome: reconcile.OutcomeProcessed}
	denied := New(events, Config{AllowedCIDRs: []netip.Prefix{netip.MustParsePrefix("185.71.76.0/27")}})
	code, _ := post(t, denied, PaymentPath, event, nil)
	assert.Equal(t, 401, code)
	assert.Empty(t, events.bodies)

	allowed := New(events, Config{AllowedCIDRs: []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/0"),
		netip.MustParsePrefix("::/0"),
	}})
	code, _ = post(t, allowed, PaymentPath, event, nil)
	assert.Equal(t, 200, code)
}

func TestHealth(t *testing.T) {
	s := New(&fakeEvents{}, Config{})
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "vpn-bot-api", body["service"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestMetrics(t *testing.T) {
	s := New(&fakeEvents{outcome: reconcile.OutcomeProcessed}, Config{})
	post(t, s, PaymentPath, event, nil)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "vpnbot_webhook_events_total")
}
