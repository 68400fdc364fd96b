package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
)

// TrialEligible is true only for users that never had any subscription and
// never consumed the trial.
func (e *Engine) TrialEligible(ctx context.Context, telegramID int64) (bool, error) {
	if !e.cfg.TrialEnabled {
		return false, nil
	}
	used, err := e.store.HasConsumedTrial(ctx, telegramID)
	if err != nil {
		return false, storeErr("has_consumed_trial", err)
	}
	if used {
		return false, nil
	}
	had, err := e.store.HasAnyHistoricalSubscription(ctx, telegramID)
	if err != nil {
		return false, storeErr("has_any_subscription", err)
	}
	return !had, nil
}

func (e *Engine) GrantTrial(ctx context.Context, telegramID int64, username string) (*types.Subscription, error) {
	eligible, err := e.TrialEligible(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, types.ErrTrialUnavailable
	}
	tariff, ok := e.catalog.GetTariffInfo(types.TariffTrial)
	if !ok {
		return nil, types.ErrUnknownTariff
	}

	sub, err := e.provision(ctx, grantRequest{
		telegramID:   telegramID,
		username:     username,
		tariff:       tariff,
		consumeTrial: true,
	})
	if err != nil {
		if !errors.Is(err, types.ErrTrialUnavailable) {
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Trial grant failed")
		}
		return nil, err
	}
	e.deliver(ctx, sub, tariff)
	return sub, nil
}

func (e *Engine) GrantAdminTest(ctx context.Context, telegramID int64) (*types.Subscription, error) {
	if !e.IsAdmin(telegramID) {
		return nil, types.ErrForbidden
	}
	tariff, ok := e.catalog.GetTariffInfo(types.TariffAdminTest)
	if !ok {
		return nil, types.ErrUnknownTariff
	}
	sub, err := e.provision(ctx, grantRequest{telegramID: telegramID, tariff: tariff})
	if err != nil {
		log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Admin test grant failed")
		return nil, err
	}
	e.deliver(ctx, sub, tariff)
	return sub, nil
}

// Reprovision retries provisioning for a captured payment that has no
// subscription yet. It is the operator's tool for the paid but not
// provisioned state.
func (e *Engine) Reprovision(ctx context.Context, gatewayPaymentID string) (*types.Subscription, error) {
	p, err := e.store.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, storeErr("get_payment", err)
	}
	if p.Status != types.PaymentSucceeded {
		return nil, fmt.Errorf("%w: status is %s", types.ErrPaymentNotSucceeded, p.Status)
	}
	has, err := e.store.HasSubscriptionForPayment(ctx, gatewayPaymentID)
	if err != nil {
		return nil, storeErr("has_subscription_for_payment", err)
	}
	if has {
		return nil, types.ErrDuplicateEvent
	}
	tariff, err := e.catalog.Purchasable(p.Tariff)
	if err != nil {
		return nil, err
	}
	log.Info().Str("payment_id", p.GatewayPaymentID).Int64("telegram_id", p.TelegramID).Msg("Reprovisioning payment")
	return e.provisionPaid(ctx, p.TelegramID, p.GatewayPaymentID, tariff)
}
