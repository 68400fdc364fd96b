package reconcile

import (
	"context"
	"errors"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
)

type SubscriptionReport struct {
	Subscription *types.Subscription
	TariffName   string
	// Usage is nil when the panel could not be reached.
	Usage *types.CredentialInfo
}

func (e *Engine) EnsureUser(ctx context.Context, telegramID int64, username string) (int64, error) {
	id, err := e.store.EnsureUser(ctx, telegramID, username)
	return id, storeErr("ensure_user", err)
}

func (e *Engine) SubscriptionStatus(ctx context.Context, telegramID int64) (*SubscriptionReport, error) {
	sub, err := e.store.GetActiveSubscription(ctx, telegramID)
	if err != nil {
		return nil, storeErr("get_active_subscription", err)
	}
	report := &SubscriptionReport{
		Subscription: sub,
		TariffName:   e.catalog.DisplayName(sub.Tariff),
	}
	info, err := e.panel.FetchCredentialStatus(ctx, sub.CredentialID)
	switch {
	case err == nil:
		report.Usage = info
	case errors.Is(err, types.ErrNotFound):
		log.Warn().Int64("telegram_id", telegramID).Str("credential_id", sub.CredentialID).Msg("Active subscription has no panel client")
	default:
		log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Panel status unavailable")
	}
	return report, nil
}

func (e *Engine) Stats(ctx context.Context, adminID int64) (*types.Stats, error) {
	if !e.IsAdmin(adminID) {
		return nil, types.ErrForbidden
	}
	st, err := e.store.Stats(ctx)
	return st, storeErr("stats", err)
}

func (e *Engine) RecentUsers(ctx context.Context, adminID int64, limit int) ([]types.User, error) {
	if !e.IsAdmin(adminID) {
		return nil, types.ErrForbidden
	}
	users, err := e.store.ListRecentUsers(ctx, limit)
	return users, storeErr("list_recent_users", err)
}

func (e *Engine) ActiveSubscriptions(ctx context.Context, adminID int64, limit int) ([]types.Subscription, error) {
	if !e.IsAdmin(adminID) {
		return nil, types.ErrForbidden
	}
	subs, err := e.store.ListActiveSubscriptions(ctx, limit)
	return subs, storeErr("list_active_subscriptions", err)
}

func (e *Engine) UnprovisionedPayments(ctx context.Context, adminID int64, limit int) ([]types.Payment, error) {
	if !e.IsAdmin(adminID) {
		return nil, types.ErrForbidden
	}
	payments, err := e.store.ListUnprovisionedPayments(ctx, limit)
	return payments, storeErr("list_unprovisioned_payments", err)
}

// StuckPayments lists captured payments without a subscription for
// background alerting.
func (e *Engine) StuckPayments(ctx context.Context, limit int) ([]types.Payment, error) {
	payments, err := e.store.ListUnprovisionedPayments(ctx, limit)
	return payments, storeErr("list_unprovisioned_payments", err)
}
