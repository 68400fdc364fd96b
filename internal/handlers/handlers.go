package handlers

import (
	"context"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/internal/reconcile"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// Service is the slice of the reconciliation engine the chat adapter drives.
type Service interface {
	Catalog() *pricing.Catalog
	IsAdmin(telegramID int64) bool
	TrialEligible(ctx context.Context, telegramID int64) (bool, error)
	GrantTrial(ctx context.Context, telegramID int64, username string) (*types.Subscription, error)
	GrantAdminTest(ctx context.Context, telegramID int64) (*types.Subscription, error)
	CreatePurchaseIntent(ctx context.Context, telegramID int64, username, tariffID string) (*reconcile.Purchase, error)
	SubscriptionStatus(ctx context.Context, telegramID int64) (*reconcile.SubscriptionReport, error)
	Reprovision(ctx context.Context, gatewayPaymentID string) (*types.Subscription, error)
	Stats(ctx context.Context, adminID int64) (*types.Stats, error)
	RecentUsers(ctx context.Context, adminID int64, limit int) ([]types.User, error)
	ActiveSubscriptions(ctx context.Context, adminID int64, limit int) ([]types.Subscription, error)
	UnprovisionedPayments(ctx context.Context, adminID int64, limit int) ([]types.Payment, error)
}

// Chat is implemented by *bot.Bot.
type Chat interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

type Handlers struct {
	service  Service
	location *time.Location
	support  string
}

const adminListLimit = 20

func NewHandlers(service Service, location *time.Location, supportContact string) *Handlers {
	if location == nil {
		location = time.UTC
	}
	return &Handlers{
		service:  service,
		location: location,
		support:  supportContact,
	}
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	bh.Dispatch(ctx, b, update)
}

func (bh *Handlers) Dispatch(ctx context.Context, chat Chat, update *models.Update) {
	sender, ok := contextkeys.GetSender(ctx)
	if !ok {
		log.Error().Msg("Sender not found in context")
		return
	}

	messageType, _ := contextkeys.GetMessageType(ctx)
	switch messageType {
	case contextkeys.MessageTypeCommand:
		bh.HandleCommand(ctx, chat, update, sender)
	case contextkeys.MessageTypeClickButton:
		bh.HandleClickButton(ctx, chat, update, sender)
	default:
		bh.sendTariffMenu(ctx, chat, sender, messages.StartWelcome(sender.FirstName))
	}
}

func (bh *Handlers) send(ctx context.Context, chat Chat, chatID int64, text string, markup models.ReplyMarkup) {
	params := &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          messages.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: bot.True()},
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := chat.SendMessage(ctx, params); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}
