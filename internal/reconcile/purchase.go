package reconcile

import (
	"context"
	"errors"

	"github.com/BatmanBruc/vpn-bot/internal/metrics"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	retry "github.com/sethvargo/go-retry"
)

type Purchase struct {
	Intent *types.Intent
	Tariff pricing.Tariff
}

// CreatePurchaseIntent opens a gateway payment and records it as pending.
// Retries of the gateway call reuse one idempotency key so a lost response
// cannot produce a second charge.
func (e *Engine) CreatePurchaseIntent(ctx context.Context, telegramID int64, username, tariffID string) (*Purchase, error) {
	if e.gateway == nil {
		return nil, types.ErrGatewayDisabled
	}
	tariff, err := e.catalog.Purchasable(tariffID)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.EnsureUser(ctx, telegramID, username); err != nil {
		return nil, storeErr("ensure_user", err)
	}

	req := types.IntentRequest{
		AmountMinor:    tariff.Price,
		Currency:       e.cfg.Currency,
		Description:    "VPN подписка: " + tariff.Name,
		TelegramID:     telegramID,
		TariffID:       tariff.ID,
		IdempotencyKey: uuid.NewString(),
	}
	var intent *types.Intent
	err = retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		in, err := e.gateway.CreateIntent(ctx, req)
		if err != nil {
			var ge *types.GatewayError
			if errors.As(err, &ge) && ge.Transient {
				log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Transient gateway failure")
				return retry.RetryableError(err)
			}
			return err
		}
		intent = in
		return nil
	})
	if err != nil {
		metrics.PurchaseIntentsTotal.WithLabelValues("gateway_error").Inc()
		log.Error().Err(err).Int64("telegram_id", telegramID).Str("tariff", tariff.ID).Msg("Payment intent creation failed")
		return nil, err
	}

	_, err = e.store.RecordPendingPayment(ctx, types.PendingPayment{
		TelegramID:       telegramID,
		GatewayPaymentID: intent.GatewayPaymentID,
		Amount:           tariff.Price,
		Tariff:           tariff.ID,
	})
	if err != nil && !errors.Is(err, types.ErrDuplicateKey) {
		metrics.PurchaseIntentsTotal.WithLabelValues("store_error").Inc()
		return nil, storeErr("record_pending_payment", err)
	}
	metrics.PurchaseIntentsTotal.WithLabelValues("created").Inc()
	return &Purchase{Intent: intent, Tariff: tariff}, nil
}
