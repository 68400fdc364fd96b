package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/internal/metrics"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// Sender is the part of *bot.Bot the dispatcher needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

type Dispatcher struct {
	sender   Sender
	location *time.Location
	support  string
	timeout  time.Duration
}

var _ types.Notifier = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, location *time.Location, supportContact string) *Dispatcher {
	if location == nil {
		location = time.UTC
	}
	return &Dispatcher{
		sender:   sender,
		location: location,
		support:  supportContact,
		timeout:  10 * time.Second,
	}
}

func (d *Dispatcher) DeliverCredential(ctx context.Context, chatID int64, delivery types.Delivery) error {
	text := messages.CredentialDelivered(
		delivery.Payload,
		delivery.TariffName,
		messages.FormatExpiry(delivery.ExpiresAt, d.location),
		d.support,
	)
	return d.send(ctx, chatID, "credential", text)
}

func (d *Dispatcher) ProvisioningFailed(ctx context.Context, chatID int64, gatewayPaymentID string) error {
	return d.send(ctx, chatID, "provisioning_failed", messages.ProvisioningFailed(gatewayPaymentID, d.support))
}

// StuckPayments tells an admin about captured payments that still have no
// subscription.
func (d *Dispatcher) StuckPayments(ctx context.Context, chatID int64, payments []types.Payment) error {
	lines := make([]string, 0, len(payments))
	for _, p := range payments {
		lines = append(lines, messages.AdminPaymentLine(p.GatewayPaymentID, p.TelegramID, pricing.FormatRub(p.Amount)))
	}
	return d.send(ctx, chatID, "stuck_payments", messages.StuckPaymentsAlert(lines))
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, kind, text string) error {
	if d.sender == nil {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return fmt.Errorf("notify %s: no chat transport configured", kind)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		},
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify %s: %w", kind, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	log.Debug().Int64("telegram_id", chatID).Str("kind", kind).Msg("Notification sent")
	return nil
}
