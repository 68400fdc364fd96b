package middleware

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
)

type UserRegistrar interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (int64, error)
}

type Middlewares struct {
	users UserRegistrar
}

func NewMessageAnalyzer(users UserRegistrar) *Middlewares {
	return &Middlewares{
		users: users,
	}
}

// EnsureUserMiddleware registers the sender on first contact and stores it
// in the context. Registration failures are logged and the update is still
// handled; the engine registers users again where it matters.
func (m *Middlewares) EnsureUserMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		sender, ok := SenderFromUpdate(update)
		if !ok {
			return
		}
		if m.users != nil {
			if _, err := m.users.EnsureUser(ctx, sender.TelegramID, sender.Username); err != nil {
				log.Warn().Err(err).Int64("telegram_id", sender.TelegramID).Msg("Failed to register user")
			}
		}
		next(contextkeys.WithSender(ctx, sender), b, update)
	}
}

func SenderFromUpdate(update *models.Update) (contextkeys.Sender, bool) {
	var s contextkeys.Sender
	switch {
	case update == nil:
		return s, false
	case update.Message != nil && update.Message.From != nil:
		s = contextkeys.Sender{
			TelegramID: update.Message.From.ID,
			ChatID:     update.Message.Chat.ID,
			Username:   update.Message.From.Username,
			FirstName:  update.Message.From.FirstName,
		}
	case update.CallbackQuery != nil:
		s = contextkeys.Sender{
			TelegramID: update.CallbackQuery.From.ID,
			ChatID:     getChatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message),
			Username:   update.CallbackQuery.From.Username,
			FirstName:  update.CallbackQuery.From.FirstName,
		}
		if s.ChatID == 0 {
			s.ChatID = s.TelegramID
		}
	default:
		return s, false
	}
	return s, s.TelegramID != 0 && s.ChatID != 0
}

func getChatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}

func (m *Middlewares) AnalyzeMessageMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		next(Classify(ctx, update), b, update)
	}
}

func Classify(ctx context.Context, update *models.Update) context.Context {
	if update.CallbackQuery != nil && update.CallbackQuery.Data != "" {
		ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeClickButton)
		return contextkeys.WithCallbackData(ctx, update.CallbackQuery.Data)
	}
	if update.Message == nil {
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	}
	text := strings.TrimSpace(update.Message.Text)
	switch {
	case strings.HasPrefix(text, "/"):
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeCommand)
	case text != "":
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeText)
	default:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	}
}
