package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/middleware"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/internal/reconcile"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	mu       sync.Mutex
	sent     []*bot.SendMessageParams
	answered []*bot.AnswerCallbackQueryParams
}

func (f *fakeChat) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return &models.Message{ID: len(f.sent)}, nil
}

func (f *fakeChat) AnswerCallbackQuery(_ context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, p)
	return true, nil
}

func (f *fakeChat) last(t *testing.T) *bot.SendMessageParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeService struct {
	catalog      *pricing.Catalog
	admins       map[int64]bool
	eligible     bool
	trialErr     error
	purchaseErr  error
	statusErr    error
	reprovErr    error
	reprovisions []string
	trials       []int64
	tariffs      []string
}

func newFakeService() *fakeService {
	return &fakeService{
		catalog: pricing.NewCatalog(pricing.DefaultPrices(), 7, 30),
		admins:  map[int64]bool{1: true},
	}
}

func (f *fakeService) Catalog() *pricing.Catalog { return f.catalog }

func (f *fakeService) IsAdmin(id int64) bool { return f.admins[id] }

func (f *fakeService) TrialEligible(context.Context, int64) (bool, error) { return f.eligible, nil }

func (f *fakeService) GrantTrial(_ context.Context, id int64, _ string) (*types.Subscription, error) {
	f.trials = append(f.trials, id)
	if f.trialErr != nil {
		return nil, f.trialErr
	}
	return &types.Subscription{TelegramID: id, Tariff: types.TariffTrial}, nil
}

func (f *fakeService) GrantAdminTest(_ context.Context, id int64) (*types.Subscription, error) {
	if !f.admins[id] {
		return nil, types.ErrForbidden
	}
	return &types.Subscription{TelegramID: id, Tariff: types.TariffAdminTest}, nil
}

func (f *fakeService) CreatePurchaseIntent(_ context.Context, _ int64, _ string, tariffID string) (*reconcile.Purchase, error) {
	f.tariffs = append(f.tariffs, tariffID)
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	t, err := f.catalog.Purchasable(tariffID)
	if err != nil {
		return nil, err
	}
	return &reconcile.Purchase{Tariff: t, Intent: &types.Intent{GatewayPaymentID: "pay_1", ConfirmationURL: "https://pay.example/pay_1"}}, nil
}

func (f *fakeService) SubscriptionStatus(_ context.Context, id int64) (*reconcile.SubscriptionReport, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &reconcile.SubscriptionReport{
		Subscription: &types.Subscription{TelegramID: id, Tariff: "1m", CredentialPayload: "vless://abc@host:443", ExpiresAt: time.Date(2026, 11, 18, 9, 0, 0, 0, time.UTC)},
		TariffName:   "1 месяц",
		Usage:        &types.CredentialInfo{UsedBytes: 1 << 30, TotalBytes: 100 << 30},
	}, nil
}

func (f *fakeService) Reprovision(_ context.Context, id string) (*types.Subscription, error) {
	f.reprovisions = append(f.reprovisions, id)
	return &types.Subscription{PaymentID: id}, f.reprovErr
}

func (f *fakeService) Stats(_ context.Context, id int64) (*types.Stats, error) {
	if !f.admins[id] {
		return nil, types.ErrForbidden
	}
	return &types.Stats{Users: 3, ActiveSubscriptions: 2, SucceededPayments: 4, Revenue: 119600}, nil
}

func (f *fakeService) RecentUsers(context.Context, int64, int) ([]types.User, error) {
	return []types.User{{TelegramID: 42, Username: "alice"}}, nil
}

func (f *fakeService) ActiveSubscriptions(context.Context, int64, int) ([]types.Subscription, error) {
	return nil, nil
}

func (f *fakeService) UnprovisionedPayments(context.Context, int64, int) ([]types.Payment, error) {
	return []types.Payment{{GatewayPaymentID: "pay_9", TelegramID: 42, Amount: 29900}}, nil
}

func command(from int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		Text: text,
		Chat: models.Chat{ID: from},
		From: &models.User{ID: from, FirstName: "Alice"},
	}}
}

func click(from int64, data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb1",
		From: models.User{ID: from},
		Data: data,
		Message: models.MaybeInaccessibleMessage{
			Message: &models.Message{Chat: models.Chat{ID: from}},
		},
	}}
}

func dispatch(h *Handlers, chat *fakeChat, update *models.Update) {
	ctx := middleware.Classify(context.Background(), update)
	if s, ok := middleware.SenderFromUpdate(update); ok {
		ctx = contextkeys.WithSender(ctx, s)
	}
	h.Dispatch(ctx, chat, update)
}

func keyboard(t *testing.T, p *bot.SendMessageParams) [][]models.InlineKeyboardButton {
	t.Helper()
	kb, ok := p.ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	return kb.InlineKeyboard
}

func TestStartShowsTariffs(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "@support")

	dispatch(h, chat, command(42, "/start"))
	msg := chat.last(t)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "Alice")
	rows := keyboard(t, msg)
	require.Len(t, rows, 4)
	assert.Equal(t, "buy:1m", rows[0][0].CallbackData)
	assert.Equal(t, cbMySub, rows[3][0].CallbackData)

	svc.eligible = true
	dispatch(h, chat, command(42, "/start@vpn_bot"))
	rows = keyboard(t, chat.last(t))
	require.Len(t, rows, 5)
	assert.Equal(t, cbTrial, rows[3][0].CallbackData)
}

func TestPurchaseSendsPayButton(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, click(42, "buy:3m"))
	assert.Equal(t, []string{"3m"}, svc.tariffs)
	require.Len(t, chat.answered, 1)
	msg := chat.last(t)
	assert.Contains(t, msg.Text, "3 месяца")
	assert.Equal(t, "https://pay.example/pay_1", keyboard(t, msg)[0][0].URL)
}

func TestPurchaseErrors(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	svc.purchaseErr = types.ErrGatewayDisabled
	dispatch(h, chat, click(42, "buy:1m"))
	assert.Contains(t, chat.last(t).Text, "Оплата временно недоступна")

	svc.purchaseErr = &types.GatewayError{Op: "create", Transient: true, Err: errors.New("down")}
	dispatch(h, chat, click(42, "buy:1m"))
	assert.Contains(t, chat.last(t).Text, "Не удалось создать платёж")
}

func TestTrial(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, click(42, cbTrial))
	assert.Equal(t, []int64{42}, svc.trials)
	assert.Empty(t, chat.sent)

	svc.trialErr = types.ErrTrialUnavailable
	dispatch(h, chat, click(42, cbTrial))
	assert.Contains(t, chat.last(t).Text, "Пробный период недоступен")
}

func TestStatus(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, command(42, "/status"))
	text := chat.last(t).Text
	assert.Contains(t, text, "18.11.2026 09:00")
	assert.Contains(t, text, "vless://abc@host:443")
	assert.Contains(t, text, "1.00 из 100 ГБ")

	svc.statusErr = types.ErrNotFound
	dispatch(h, chat, click(42, cbMySub))
	assert.Contains(t, chat.last(t).Text, "Активной подписки нет")
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, command(42, "/admin"))
	assert.Contains(t, chat.last(t).Text, "Команда не найдена")

	dispatch(h, chat, command(42, "/reprovision pay_1"))
	assert.Empty(t, svc.reprovisions)

	dispatch(h, chat, click(42, cbAdminStats))
	require.NotEmpty(t, chat.answered)
	assert.True(t, chat.answered[len(chat.answered)-1].ShowAlert)
}

func TestAdminMenu(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, command(1, "/admin"))
	assert.Len(t, keyboard(t, chat.last(t)), 5)

	dispatch(h, chat, click(1, cbAdminStats))
	assert.Contains(t, chat.last(t).Text, "1196 ₽")

	dispatch(h, chat, click(1, cbAdminUsers))
	assert.Contains(t, chat.last(t).Text, "@alice")

	dispatch(h, chat, click(1, cbAdminSubscriptions))
	assert.Contains(t, chat.last(t).Text, "Пусто")

	dispatch(h, chat, click(1, cbAdminUnprovisioned))
	assert.Contains(t, chat.last(t).Text, "pay_9")

	dispatch(h, chat, click(1, cbAdminTest))
	assert.Contains(t, chat.last(t).Text, "Тестовый ключ")
}

func TestReprovisionCommand(t *testing.T) {
	svc := newFakeService()
	chat := &fakeChat{}
	h := NewHandlers(svc, time.UTC, "")

	dispatch(h, chat, command(1, "/reprovision"))
	assert.Contains(t, chat.last(t).Text, "/reprovision")
	assert.Empty(t, svc.reprovisions)

	dispatch(h, chat, command(1, "/reprovision pay_7"))
	assert.Equal(t, []string{"pay_7"}, svc.reprovisions)
	assert.Contains(t, chat.last(t).Text, "pay_7")

	svc.reprovErr = types.ErrDuplicateEvent
	dispatch(h, chat, command(1, "/reprovision pay_7"))
	assert.Contains(t, chat.last(t).Text, "уже обработан")

	svc.reprovErr = &types.ProvisioningError{Kind: types.ProvisioningRejected, Op: "create_credential"}
	dispatch(h, chat, command(1, "/reprovision pay_7"))
	assert.NotContains(t, chat.last(t).Text, "create_credential")
}

func TestUnknownCommand(t *testing.T) {
	chat := &fakeChat{}
	dispatch(NewHandlers(newFakeService(), time.UTC, ""), chat, command(42, "/nope"))
	assert.Contains(t, chat.last(t).Text, "Команда не найдена")
}
