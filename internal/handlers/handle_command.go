package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

func (bh *Handlers) HandleCommand(ctx context.Context, chat Chat, update *models.Update, sender contextkeys.Sender) {
	if update.Message == nil {
		return
	}
	fields := strings.Fields(update.Message.Text)
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	if strings.Contains(cmd, "@") {
		cmd = strings.SplitN(cmd, "@", 2)[0]
	}

	switch cmd {
	case "/start", "/menu":
		bh.sendTariffMenu(ctx, chat, sender, messages.StartWelcome(sender.FirstName))
	case "/help":
		bh.send(ctx, chat, sender.ChatID, messages.Help(bh.support), nil)
	case "/status":
		bh.sendStatus(ctx, chat, sender)
	case "/admin":
		if !bh.service.IsAdmin(sender.TelegramID) {
			bh.send(ctx, chat, sender.ChatID, messages.ErrorUnknownCommand(), nil)
			return
		}
		keyboard := buildAdminKeyboard()
		bh.send(ctx, chat, sender.ChatID, messages.AdminMenu(), &keyboard)
	case "/reprovision":
		if !bh.service.IsAdmin(sender.TelegramID) {
			bh.send(ctx, chat, sender.ChatID, messages.ErrorUnknownCommand(), nil)
			return
		}
		if len(fields) < 2 {
			bh.send(ctx, chat, sender.ChatID, messages.ReprovisionUsage(), nil)
			return
		}
		bh.reprovision(ctx, chat, sender, strings.TrimSpace(fields[1]))
	default:
		bh.send(ctx, chat, sender.ChatID, messages.ErrorUnknownCommand(), nil)
	}
}

func (bh *Handlers) sendStatus(ctx context.Context, chat Chat, sender contextkeys.Sender) {
	report, err := bh.service.SubscriptionStatus(ctx, sender.TelegramID)
	if errors.Is(err, types.ErrNotFound) {
		bh.send(ctx, chat, sender.ChatID, messages.NoSubscription(), nil)
		return
	}
	if err != nil {
		bh.send(ctx, chat, sender.ChatID, messages.ErrorDefault(), nil)
		return
	}
	sub := report.Subscription
	text := messages.SubscriptionStatus(sub.CredentialPayload, report.TariffName, messages.FormatExpiry(sub.ExpiresAt, bh.location))
	if report.Usage != nil {
		text += "\n\n" + messages.TrafficUsage(report.Usage.UsedBytes, report.Usage.TotalBytes)
	}
	bh.send(ctx, chat, sender.ChatID, text, nil)
}

func (bh *Handlers) reprovision(ctx context.Context, chat Chat, sender contextkeys.Sender, paymentID string) {
	_, err := bh.service.Reprovision(ctx, paymentID)
	switch {
	case err == nil:
		bh.send(ctx, chat, sender.ChatID, messages.ReprovisionDone(paymentID), nil)
	case errors.Is(err, types.ErrDuplicateEvent):
		bh.send(ctx, chat, sender.ChatID, messages.ReprovisionAlready(paymentID), nil)
	case errors.Is(err, types.ErrNotFound):
		bh.send(ctx, chat, sender.ChatID, messages.ReprovisionFailed(paymentID, "платёж не найден"), nil)
	case errors.Is(err, types.ErrPaymentNotSucceeded):
		bh.send(ctx, chat, sender.ChatID, messages.ReprovisionFailed(paymentID, "платёж не оплачен"), nil)
	default:
		log.Error().Err(err).Str("payment_id", paymentID).Int64("admin_id", sender.TelegramID).Msg("Manual reprovision failed")
		bh.send(ctx, chat, sender.ChatID, messages.ReprovisionFailed(paymentID, "не удалось выдать ключ, подробности в логах"), nil)
	}
}
