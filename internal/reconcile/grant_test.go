package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrialGrantedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	eligible, err := h.engine.TrialEligible(ctx, 42)
	require.NoError(t, err)
	assert.True(t, eligible)

	sub, err := h.engine.GrantTrial(ctx, 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.TariffTrial, sub.Tariff)
	assert.Empty(t, sub.PaymentID)
	require.Len(t, h.panel.created, 1)
	assert.Equal(t, 7, h.panel.created[0].DurationDays)

	notices := h.notifier.all()
	require.Len(t, notices, 1)
	require.NotNil(t, notices[0].delivery)

	eligible, err = h.engine.TrialEligible(ctx, 42)
	require.NoError(t, err)
	assert.False(t, eligible)

	_, err = h.engine.GrantTrial(ctx, 42, "alice")
	assert.ErrorIs(t, err, types.ErrTrialUnavailable)
	assert.Equal(t, int32(1), h.panel.calls.Load())
}

func TestTrialUnavailableAfterPurchase(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.engine.HandlePaymentEvent(ctx, succeededEvent("pay_1", 42, "1m"))
	require.NoError(t, err)

	eligible, err := h.engine.TrialEligible(ctx, 42)
	require.NoError(t, err)
	assert.False(t, eligible)
}

func TestTrialDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TrialEnabled = false })
	_, err := h.engine.GrantTrial(context.Background(), 42, "")
	assert.ErrorIs(t, err, types.ErrTrialUnavailable)
}

func TestTrialPanelFailureKeepsEligibility(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.panel.fail = []error{&types.ProvisioningError{Kind: types.ProvisioningRejected, Op: "create_credential"}}

	_, err := h.engine.GrantTrial(ctx, 42, "")
	assert.True(t, types.IsProvisioningKind(err, types.ProvisioningRejected))

	eligible, err := h.engine.TrialEligible(ctx, 42)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestConcurrentTrialGrantsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := h.engine.GrantTrial(ctx, 42, "")
			errs <- err
		}()
	}
	granted := 0
	for i := 0; i < 5; i++ {
		err := <-errs
		if err == nil {
			granted++
			continue
		}
		assert.ErrorIs(t, err, types.ErrTrialUnavailable)
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, countSubscriptions(t, h, 42))

	h.panel.mu.Lock()
	defer h.panel.mu.Unlock()
	assert.Len(t, h.panel.revoked, int(h.panel.calls.Load())-1)
}

func TestAdminTest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.GrantAdminTest(ctx, 42)
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.Equal(t, int32(0), h.panel.calls.Load())

	sub, err := h.engine.GrantAdminTest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TariffAdminTest, sub.Tariff)
	assert.Equal(t, 30, h.panel.created[0].DurationDays)
}

func TestCreatePurchaseIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.engine.CreatePurchaseIntent(ctx, 42, "alice", "3m")
	require.NoError(t, err)
	assert.Equal(t, "3m", p.Tariff.ID)
	assert.Equal(t, "pay_1", p.Intent.GatewayPaymentID)
	assert.NotEmpty(t, p.Intent.ConfirmationURL)

	payment, err := h.store.GetPaymentByGatewayID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, payment.Status)
	assert.Equal(t, int64(79900), payment.Amount)
	assert.Equal(t, int64(42), payment.TelegramID)

	_, err = h.engine.CreatePurchaseIntent(ctx, 42, "alice", types.TariffTrial)
	assert.ErrorIs(t, err, types.ErrUnknownTariff)
}

func TestCreatePurchaseIntentReusesIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	transient := &types.GatewayError{Op: "create", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	h.gateway.fail = []error{transient, transient}

	p, err := h.engine.CreatePurchaseIntent(context.Background(), 42, "", "1m")
	require.NoError(t, err)
	assert.NotNil(t, p.Intent)

	require.Len(t, h.gateway.keys, 3)
	assert.NotEmpty(t, h.gateway.keys[0])
	assert.Equal(t, h.gateway.keys[0], h.gateway.keys[1])
	assert.Equal(t, h.gateway.keys[0], h.gateway.keys[2])
}

func TestCreatePurchaseIntentPermanentFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.gateway.fail = []error{&types.GatewayError{Op: "create", StatusCode: 400, Err: errors.New("bad request")}}

	_, err := h.engine.CreatePurchaseIntent(context.Background(), 42, "", "1m")
	var ge *types.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 1, h.gateway.calls)
}

func TestCreatePurchaseIntentWithoutGateway(t *testing.T) {
	h := newHarness(t, nil)
	engine, err := New(Deps{
		Store:       h.store,
		Provisioner: h.panel,
		Notifier:    h.notifier,
		Catalog:     h.engine.Catalog(),
	}, Config{})
	require.NoError(t, err)

	_, err = engine.CreatePurchaseIntent(context.Background(), 42, "", "1m")
	assert.ErrorIs(t, err, types.ErrGatewayDisabled)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestSubscriptionStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.SubscriptionStatus(ctx, 42)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.engine.HandlePaymentEvent(ctx, succeededEvent("pay_1", 42, "12m"))
	require.NoError(t, err)

	report, err := h.engine.SubscriptionStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "1 год", report.TariffName)
	require.NotNil(t, report.Usage)
	assert.Equal(t, int64(1024), report.Usage.UsedBytes)
}

func TestAdminReports(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.engine.HandlePaymentEvent(ctx, succeededEvent("pay_1", 42, "1m"))
	require.NoError(t, err)

	_, err = h.engine.Stats(ctx, 42)
	assert.ErrorIs(t, err, types.ErrForbidden)

	st, err := h.engine.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActiveSubscriptions)
	assert.Equal(t, int64(29900), st.Revenue)

	users, err := h.engine.RecentUsers(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	subs, err := h.engine.ActiveSubscriptions(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	pending, err := h.engine.UnprovisionedPayments(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStuckPayments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.panel.fail = []error{&types.ProvisioningError{Kind: types.ProvisioningRejected, Op: "create_credential"}}
	_, err := h.engine.HandlePaymentEvent(ctx, succeededEvent("pay_s", 42, "1m"))
	require.Error(t, err)

	stuck, err := h.engine.StuckPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "pay_s", stuck[0].GatewayPaymentID)

	_, err = h.engine.Reprovision(ctx, "pay_s")
	require.NoError(t, err)
	stuck, err = h.engine.StuckPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
