package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRecorded  Outcome = "recorded"
)

// flexString accepts both "42" and 42.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type Event struct {
	Type   string      `json:"event"`
	Object EventObject `json:"object"`
}

type EventObject struct {
	ID       string        `json:"id" validate:"required"`
	Status   string        `json:"status"`
	Paid     *bool         `json:"paid"`
	Amount   *eventAmount  `json:"amount"`
	Metadata eventMetadata `json:"metadata"`
}

type eventAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type eventMetadata struct {
	TelegramID flexString `json:"telegram_id" validate:"required,numeric"`
	TariffID   flexString `json:"tariff_id" validate:"required"`
}

var eventValidator = validator.New()

func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	ev.Object.ID = strings.TrimSpace(ev.Object.ID)
	return &ev, nil
}

type paymentEvent struct {
	paymentID  string
	telegramID int64
	tariff     pricing.Tariff
	status     types.PaymentStatus
	amount     int64
}

// resolve validates the event and looks up its tariff. Nothing is written
// before this succeeds.
func (e *Engine) resolve(ev *Event) (*paymentEvent, error) {
	if err := eventValidator.Struct(ev.Object); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}
	telegramID, err := strconv.ParseInt(string(ev.Object.Metadata.TelegramID), 10, 64)
	if err != nil || telegramID <= 0 {
		return nil, fmt.Errorf("%w: telegram_id %q", types.ErrMalformedEvent, ev.Object.Metadata.TelegramID)
	}
	tariff, err := e.catalog.Purchasable(string(ev.Object.Metadata.TariffID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}

	status := types.PaymentSucceeded
	if ev.Object.Status != "" {
		s, ok := types.ParsePaymentStatus(ev.Object.Status)
		if !ok {
			return nil, fmt.Errorf("%w: status %q", types.ErrMalformedEvent, ev.Object.Status)
		}
		status = s
	}

	amount := tariff.Price
	if ev.Object.Amount != nil && ev.Object.Amount.Value != "" {
		v, err := pricing.ParseMinor(ev.Object.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
		}
		amount = v
	}

	return &paymentEvent{
		paymentID:  ev.Object.ID,
		telegramID: telegramID,
		tariff:     tariff,
		status:     status,
		amount:     amount,
	}, nil
}

// verify re-reads the payment from the gateway so that a forged webhook
// cannot trigger provisioning.
func (e *Engine) verify(ctx context.Context, pe *paymentEvent) error {
	info, err := e.gateway.FetchIntent(ctx, pe.paymentID)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("%w: payment %s unknown to gateway", types.ErrUnverifiedEvent, pe.paymentID)
	}
	if err != nil {
		return err
	}
	if !info.Paid || info.Status != string(types.PaymentSucceeded) {
		return fmt.Errorf("%w: gateway reports status %q paid=%t", types.ErrUnverifiedEvent, info.Status, info.Paid)
	}
	if info.Metadata["telegram_id"] != strconv.FormatInt(pe.telegramID, 10) || info.Metadata["tariff_id"] != pe.tariff.ID {
		return fmt.Errorf("%w: metadata mismatch", types.ErrUnverifiedEvent)
	}
	pe.status = types.PaymentSucceeded
	pe.amount = info.AmountMinor
	return nil
}

// HandlePaymentEvent applies one gateway webhook delivery. Repeated and
// concurrent deliveries of the same payment provision at most once.
func (e *Engine) HandlePaymentEvent(ctx context.Context, raw []byte) (Outcome, error) {
	ev, err := ParseEvent(raw)
	if err != nil {
		return "", err
	}
	if ev.Type != types.EventPaymentSucceeded {
		log.Debug().Str("event", ev.Type).Str("payment_id", ev.Object.ID).Msg("Ignoring webhook event")
		return OutcomeIgnored, nil
	}

	pe, err := e.resolve(ev)
	if err != nil {
		return "", err
	}
	logger := log.With().Str("payment_id", pe.paymentID).Int64("telegram_id", pe.telegramID).Str("tariff", pe.tariff.ID).Logger()

	if e.cfg.VerifyWithGateway {
		if err := e.verify(ctx, pe); err != nil {
			logger.Warn().Err(err).Msg("Webhook verification failed")
			return "", err
		}
	}

	if pe.status != types.PaymentSucceeded {
		err := e.store.MarkPaymentStatus(ctx, pe.paymentID, pe.status)
		if errors.Is(err, types.ErrNotFound) {
			logger.Info().Str("status", string(pe.status)).Msg("Status for unknown payment, nothing to record")
			return OutcomeIgnored, nil
		}
		if err != nil {
			return "", storeErr("mark_payment_status", err)
		}
		logger.Info().Str("status", string(pe.status)).Msg("Payment status recorded")
		return OutcomeRecorded, nil
	}

	existing, err := e.store.GetPaymentByGatewayID(ctx, pe.paymentID)
	switch {
	case err == nil && existing.Status == types.PaymentSucceeded:
		logger.Info().Msg("Duplicate webhook delivery")
		return OutcomeDuplicate, nil
	case err != nil && !errors.Is(err, types.ErrNotFound):
		return "", storeErr("get_payment", err)
	case err == nil && (existing.TelegramID != pe.telegramID || existing.Tariff != pe.tariff.ID):
		logger.Error().
			Int64("recorded_telegram_id", existing.TelegramID).
			Str("recorded_tariff", existing.Tariff).
			Msg("Webhook metadata does not match the recorded payment")
		return "", fmt.Errorf("%w: metadata differs from recorded payment", types.ErrUnverifiedEvent)
	}

	claimed, err := e.store.ClaimPayment(ctx, types.PaymentClaim{
		TelegramID:       pe.telegramID,
		GatewayPaymentID: pe.paymentID,
		Amount:           pe.amount,
		Tariff:           pe.tariff.ID,
	})
	if err != nil {
		return "", storeErr("claim_payment", err)
	}
	if !claimed {
		logger.Info().Msg("Payment claimed by a concurrent delivery")
		return OutcomeDuplicate, nil
	}
	logger.Info().Msg("Payment succeeded")

	if _, err := e.provisionPaid(ctx, pe.telegramID, pe.paymentID, pe.tariff); err != nil {
		if errors.Is(err, types.ErrDuplicateEvent) {
			return OutcomeDuplicate, nil
		}
		return "", err
	}
	return OutcomeProcessed, nil
}
