package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/metrics"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
	retry "github.com/sethvargo/go-retry"
)

type Config struct {
	DataCapGB         int
	Currency          string
	VerifyWithGateway bool
	TrialEnabled      bool
	AdminUsers        []int64
	// Retries is the number of extra attempts for transient panel and
	// gateway failures within one request.
	Retries   int
	RetryBase time.Duration
}

type Deps struct {
	Store       types.SubscriptionStore
	Provisioner types.Provisioner
	Gateway     types.PaymentGateway
	Notifier    types.Notifier
	Catalog     *pricing.Catalog
}

// Engine drives payment events to provisioned subscriptions. It is the only
// caller of the store, panel, gateway and notifier.
type Engine struct {
	store    types.SubscriptionStore
	panel    types.Provisioner
	gateway  types.PaymentGateway
	notifier types.Notifier
	catalog  *pricing.Catalog
	cfg      Config
	admins   map[int64]struct{}
	now      func() time.Time
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Provisioner == nil || deps.Notifier == nil || deps.Catalog == nil {
		return nil, errors.New("reconcile: store, provisioner, notifier and catalog are required")
	}
	if cfg.VerifyWithGateway && deps.Gateway == nil {
		return nil, errors.New("reconcile: gateway verification requires a gateway")
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.DataCapGB < 0 {
		cfg.DataCapGB = 0
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	admins := make(map[int64]struct{}, len(cfg.AdminUsers))
	for _, id := range cfg.AdminUsers {
		admins[id] = struct{}{}
	}
	return &Engine{
		store:    deps.Store,
		panel:    deps.Provisioner,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		catalog:  deps.Catalog,
		cfg:      cfg,
		admins:   admins,
		now:      time.Now,
	}, nil
}

func (e *Engine) Catalog() *pricing.Catalog {
	return e.catalog
}

func (e *Engine) IsAdmin(telegramID int64) bool {
	_, ok := e.admins[telegramID]
	return ok
}

// storeErr hides driver errors behind ErrStoreUnavailable. Lookup misses and
// duplicates keep their meaning.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrDuplicateKey) || errors.Is(err, types.ErrTrialUnavailable) {
		return err
	}
	log.Error().Err(err).Str("op", op).Msg("Store call failed")
	return fmt.Errorf("%s: %w", op, types.ErrStoreUnavailable)
}

func (e *Engine) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(e.cfg.Retries), retry.NewExponential(e.cfg.RetryBase))
}

func provisioningOutcome(err error) string {
	var pe *types.ProvisioningError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

// createCredential retries transient panel failures and gives up on
// everything else.
func (e *Engine) createCredential(ctx context.Context, telegramID int64, tariff pricing.Tariff) (*types.Credential, error) {
	req := types.CredentialRequest{
		TelegramID:   telegramID,
		Tariff:       tariff.ID,
		DurationDays: tariff.DurationDays,
		DataCapGB:    e.cfg.DataCapGB,
	}
	var cred *types.Credential
	attempt := 0
	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		attempt++
		c, err := e.panel.CreateCredential(ctx, req)
		if err != nil {
			var pe *types.ProvisioningError
			if errors.As(err, &pe) && pe.Retryable() {
				log.Warn().Err(err).Int("attempt", attempt).Int64("telegram_id", telegramID).Msg("Transient panel failure")
				return retry.RetryableError(err)
			}
			return err
		}
		cred = c
		return nil
	})
	if err != nil {
		var pe *types.ProvisioningError
		if !errors.As(err, &pe) {
			err = &types.ProvisioningError{Kind: types.ProvisioningTransient, Op: "create_credential", Err: err}
		}
		metrics.ProvisioningTotal.WithLabelValues(provisioningOutcome(err)).Inc()
		return nil, err
	}
	return cred, nil
}

func (e *Engine) revoke(ctx context.Context, cred *types.Credential) {
	ok, err := e.panel.RevokeCredential(context.WithoutCancel(ctx), cred.ID)
	if err != nil || !ok {
		log.Error().Err(err).Str("credential_id", cred.ID).Msg("Failed to revoke orphaned panel client")
		return
	}
	log.Info().Str("credential_id", cred.ID).Msg("Revoked orphaned panel client")
}

type grantRequest struct {
	telegramID   int64
	username     string
	tariff       pricing.Tariff
	paymentID    string
	consumeTrial bool
}

// provision runs the panel call and the grant. When the grant fails the
// fresh credential is revoked so the panel does not keep an orphan.
func (e *Engine) provision(ctx context.Context, g grantRequest) (*types.Subscription, error) {
	cred, err := e.createCredential(ctx, g.telegramID, g.tariff)
	if err != nil {
		return nil, err
	}

	userID, err := e.store.EnsureUser(ctx, g.telegramID, g.username)
	if err != nil {
		e.revoke(ctx, cred)
		metrics.ProvisioningTotal.WithLabelValues("grant_failed").Inc()
		return nil, storeErr("ensure_user", err)
	}
	sub, err := e.store.GrantSubscription(ctx, types.Grant{
		UserID:            userID,
		Tariff:            g.tariff.ID,
		CredentialID:      cred.ID,
		CredentialPayload: cred.Payload,
		ExpiresAt:         g.tariff.ExpiresAt(e.now()),
		PaymentID:         g.paymentID,
		ConsumeTrial:      g.consumeTrial,
	})
	if err != nil {
		e.revoke(ctx, cred)
		metrics.ProvisioningTotal.WithLabelValues("grant_failed").Inc()
		return nil, storeErr("grant_subscription", err)
	}
	metrics.ProvisioningTotal.WithLabelValues("success").Inc()
	log.Info().
		Int64("telegram_id", g.telegramID).
		Str("tariff", g.tariff.ID).
		Str("payment_id", g.paymentID).
		Str("credential_id", cred.ID).
		Time("expires_at", sub.ExpiresAt).
		Msg("Subscription granted")
	return sub, nil
}

// deliver never fails the caller; the grant is already durable. The
// request deadline may be spent by now, so the notifier's own timeout
// bounds the send.
func (e *Engine) deliver(ctx context.Context, sub *types.Subscription, tariff pricing.Tariff) {
	err := e.notifier.DeliverCredential(context.WithoutCancel(ctx), sub.TelegramID, types.Delivery{
		Payload:    sub.CredentialPayload,
		TariffName: tariff.Name,
		ExpiresAt:  sub.ExpiresAt,
	})
	if err != nil {
		log.Warn().Err(err).Int64("telegram_id", sub.TelegramID).Str("payment_id", sub.PaymentID).Msg("Credential delivery failed")
	}
}

func (e *Engine) notifyFailure(ctx context.Context, telegramID int64, paymentID string) {
	if err := e.notifier.ProvisioningFailed(context.WithoutCancel(ctx), telegramID, paymentID); err != nil {
		log.Warn().Err(err).Int64("telegram_id", telegramID).Str("payment_id", paymentID).Msg("Failure notification not delivered")
	}
}

// provisionPaid is the shared tail of the webhook and manual reprovision
// paths. The payment is already succeeded when this runs.
func (e *Engine) provisionPaid(ctx context.Context, telegramID int64, paymentID string, tariff pricing.Tariff) (*types.Subscription, error) {
	sub, err := e.provision(ctx, grantRequest{telegramID: telegramID, tariff: tariff, paymentID: paymentID})
	if errors.Is(err, types.ErrDuplicateKey) {
		log.Info().Str("payment_id", paymentID).Msg("Payment already has a subscription")
		return nil, types.ErrDuplicateEvent
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("payment_id", paymentID).
			Int64("telegram_id", telegramID).
			Str("tariff", tariff.ID).
			Str("kind", provisioningOutcome(err)).
			Msg("Payment captured but provisioning failed, manual reprovision required")
		e.notifyFailure(ctx, telegramID, paymentID)
		return nil, err
	}
	e.deliver(ctx, sub, tariff)
	return sub, nil
}
