package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &models.Message{ID: len(f.sent)}, nil
}

func TestDeliverCredential(t *testing.T) {
	s := &fakeSender{}
	d := NewDispatcher(s, time.FixedZone("MSK", 3*3600), "@support")

	err := d.DeliverCredential(context.Background(), 42, types.Delivery{
		Payload:    "vless://abc@h:443?type=tcp",
		TariffName: "1 месяц",
		ExpiresAt:  time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	p := s.sent[0]
	assert.Equal(t, int64(42), p.ChatID)
	assert.Contains(t, p.Text, "vless://abc@h:443?type=tcp")
	assert.Contains(t, p.Text, "31.01.2025 12:00")
	assert.Contains(t, p.Text, "1 месяц")
	require.NotNil(t, p.LinkPreviewOptions)
	assert.True(t, *p.LinkPreviewOptions.IsDisabled)
}

func TestProvisioningFailed(t *testing.T) {
	s := &fakeSender{}
	d := NewDispatcher(s, nil, "")
	require.NoError(t, d.ProvisioningFailed(context.Background(), 42, "pay_1"))
	require.Len(t, s.sent, 1)
	assert.Contains(t, s.sent[0].Text, "pay_1")
}

func TestSendError(t *testing.T) {
	d := NewDispatcher(&fakeSender{err: errors.New("forbidden: bot was blocked by the user")}, nil, "")
	err := d.ProvisioningFailed(context.Background(), 1, "pay_2")
	assert.ErrorContains(t, err, "blocked")

	d = NewDispatcher(nil, nil, "")
	assert.Error(t, d.ProvisioningFailed(context.Background(), 1, "pay_2"))
}

func TestStuckPayments(t *testing.T) {
	s := &fakeSender{}
	d := NewDispatcher(s, time.UTC, "")

	err := d.StuckPayments(context.Background(), 1, []types.Payment{
		{GatewayPaymentID: "pay_1", TelegramID: 42, Amount: 29900},
		{GatewayPaymentID: "pay_2", TelegramID: 43, Amount: 79950},
	})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, int64(1), s.sent[0].ChatID)
	assert.Contains(t, s.sent[0].Text, "pay_1")
	assert.Contains(t, s.sent[0].Text, "799.50 ₽")
	assert.Contains(t, s.sent[0].Text, "/reprovision")
}
