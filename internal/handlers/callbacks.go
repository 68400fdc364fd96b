package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

const trialTariffID = types.TariffTrial

func (bh *Handlers) HandleClickButton(ctx context.Context, chat Chat, update *models.Update, sender contextkeys.Sender) {
	if update.CallbackQuery == nil {
		return
	}
	callbackID := update.CallbackQuery.ID
	data, _ := contextkeys.GetCallbackData(ctx)
	if data == "" {
		data = update.CallbackQuery.Data
	}
	data = strings.TrimSpace(data)

	switch {
	case strings.HasPrefix(data, cbBuyPrefix):
		bh.answerCallback(ctx, chat, callbackID, "")
		bh.purchase(ctx, chat, sender, strings.TrimPrefix(data, cbBuyPrefix))
	case data == cbTrial:
		bh.answerCallback(ctx, chat, callbackID, "")
		bh.trial(ctx, chat, sender)
	case data == cbMySub:
		bh.answerCallback(ctx, chat, callbackID, "")
		bh.sendStatus(ctx, chat, sender)
	case data == cbTariffs:
		bh.answerCallback(ctx, chat, callbackID, "")
		bh.sendTariffMenu(ctx, chat, sender, messages.StartWelcome(sender.FirstName))
	case strings.HasPrefix(data, cbAdminPrefix):
		if !bh.service.IsAdmin(sender.TelegramID) {
			bh.answerCallbackAlert(ctx, chat, callbackID, "Недостаточно прав")
			return
		}
		bh.answerCallback(ctx, chat, callbackID, "")
		bh.HandleAdminClick(ctx, chat, sender, data)
	default:
		log.Debug().Str("data", data).Int64("telegram_id", sender.TelegramID).Msg("Unknown callback data")
		bh.answerCallback(ctx, chat, callbackID, "")
	}
}

func (bh *Handlers) purchase(ctx context.Context, chat Chat, sender contextkeys.Sender, tariffID string) {
	p, err := bh.service.CreatePurchaseIntent(ctx, sender.TelegramID, sender.Username, tariffID)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrGatewayDisabled):
		bh.send(ctx, chat, sender.ChatID, messages.ErrorPaymentsDisabled(), nil)
		return
	case errors.Is(err, types.ErrUnknownTariff):
		bh.sendTariffMenu(ctx, chat, sender, messages.ErrorDefault())
		return
	default:
		bh.send(ctx, chat, sender.ChatID, messages.ErrorPaymentCreate(), nil)
		return
	}
	keyboard := payKeyboard(p.Intent.ConfirmationURL)
	bh.send(ctx, chat, sender.ChatID, messages.PaymentCreated(p.Tariff.Name, pricing.FormatRub(p.Tariff.Price)), &keyboard)
}

// trial sends nothing on success; the credential arrives through the
// notifier like any other grant.
func (bh *Handlers) trial(ctx context.Context, chat Chat, sender contextkeys.Sender) {
	_, err := bh.service.GrantTrial(ctx, sender.TelegramID, sender.Username)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrTrialUnavailable):
		bh.send(ctx, chat, sender.ChatID, messages.TrialUnavailable(), nil)
	default:
		bh.send(ctx, chat, sender.ChatID, messages.TrialFailed(bh.support), nil)
	}
}

func (bh *Handlers) answerCallback(ctx context.Context, chat Chat, callbackID, text string) {
	_, _ = chat.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
}

func (bh *Handlers) answerCallbackAlert(ctx context.Context, chat Chat, callbackID, text string) {
	_, _ = chat.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       true,
	})
}
