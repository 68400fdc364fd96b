package handlers

import (
	"context"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

const (
	cbBuyPrefix   = "buy:"
	cbTrial       = "trial"
	cbMySub       = "my_sub"
	cbTariffs     = "tariffs"
	cbAdminPrefix = "admin:"

	cbAdminStats         = cbAdminPrefix + "stats"
	cbAdminUsers         = cbAdminPrefix + "users"
	cbAdminSubscriptions = cbAdminPrefix + "subs"
	cbAdminUnprovisioned = cbAdminPrefix + "unprovisioned"
	cbAdminTest          = cbAdminPrefix + "test"
)

func (bh *Handlers) buildTariffKeyboard(withTrial bool) models.InlineKeyboardMarkup {
	catalog := bh.service.Catalog()
	tariffs := catalog.List()
	rows := make([][]models.InlineKeyboardButton, 0, len(tariffs)+2)
	for _, t := range tariffs {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: messages.TariffButton(t.Name, pricing.FormatRub(t.Price)), CallbackData: cbBuyPrefix + t.ID},
		})
	}
	if withTrial {
		if trial, ok := catalog.GetTariffInfo(trialTariffID); ok {
			rows = append(rows, []models.InlineKeyboardButton{
				{Text: messages.TrialButton(trial.DurationDays), CallbackData: cbTrial},
			})
		}
	}
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: messages.MySubscriptionButton(), CallbackData: cbMySub},
	})
	return models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (bh *Handlers) sendTariffMenu(ctx context.Context, chat Chat, sender contextkeys.Sender, text string) {
	eligible, err := bh.service.TrialEligible(ctx, sender.TelegramID)
	if err != nil {
		log.Warn().Err(err).Int64("telegram_id", sender.TelegramID).Msg("Trial eligibility check failed")
		eligible = false
	}
	keyboard := bh.buildTariffKeyboard(eligible)
	bh.send(ctx, chat, sender.ChatID, text+"\n\n"+messages.ChooseTariff(), &keyboard)
}

func buildAdminKeyboard() models.InlineKeyboardMarkup {
	return models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: messages.AdminBtnStats, CallbackData: cbAdminStats}},
		{{Text: messages.AdminBtnUsers, CallbackData: cbAdminUsers}},
		{{Text: messages.AdminBtnSubscriptions, CallbackData: cbAdminSubscriptions}},
		{{Text: messages.AdminBtnUnprovisioned, CallbackData: cbAdminUnprovisioned}},
		{{Text: messages.AdminBtnTest, CallbackData: cbAdminTest}},
	}}
}

func payKeyboard(url string) models.InlineKeyboardMarkup {
	return models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: messages.PayButton(), URL: url}},
		{{Text: messages.BackButton(), CallbackData: cbTariffs}},
	}}
}
