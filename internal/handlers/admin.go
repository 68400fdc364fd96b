package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/BatmanBruc/vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/vpn-bot/internal/messages"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
)

func (bh *Handlers) HandleAdminClick(ctx context.Context, chat Chat, sender contextkeys.Sender, data string) {
	text, err := bh.adminReport(ctx, sender, data)
	if errors.Is(err, types.ErrForbidden) {
		bh.send(ctx, chat, sender.ChatID, messages.ErrorForbidden(), nil)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("action", data).Int64("admin_id", sender.TelegramID).Msg("Admin action failed")
		bh.send(ctx, chat, sender.ChatID, messages.ErrorDefault(), nil)
		return
	}
	if text != "" {
		bh.send(ctx, chat, sender.ChatID, text, nil)
	}
}

func (bh *Handlers) adminReport(ctx context.Context, sender contextkeys.Sender, data string) (string, error) {
	adminID := sender.TelegramID
	catalog := bh.service.Catalog()

	switch data {
	case cbAdminStats:
		st, err := bh.service.Stats(ctx, adminID)
		if err != nil {
			return "", err
		}
		return messages.AdminStats(st.Users, st.ActiveSubscriptions, st.SucceededPayments, pricing.FormatRub(st.Revenue)), nil
	case cbAdminUsers:
		users, err := bh.service.RecentUsers(ctx, adminID, adminListLimit)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, len(users))
		for _, u := range users {
			lines = append(lines, messages.AdminUserLine(u.TelegramID, u.Username, u.CreatedAt, bh.location))
		}
		return adminList(messages.AdminBtnUsers, lines), nil
	case cbAdminSubscriptions:
		subs, err := bh.service.ActiveSubscriptions(ctx, adminID, adminListLimit)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, len(subs))
		for _, s := range subs {
			lines = append(lines, messages.AdminSubscriptionLine(s.TelegramID, catalog.DisplayName(s.Tariff), s.ExpiresAt, bh.location))
		}
		return adminList(messages.AdminBtnSubscriptions, lines), nil
	case cbAdminUnprovisioned:
		payments, err := bh.service.UnprovisionedPayments(ctx, adminID, adminListLimit)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, len(payments))
		for _, p := range payments {
			lines = append(lines, messages.AdminPaymentLine(p.GatewayPaymentID, p.TelegramID, pricing.FormatRub(p.Amount)))
		}
		return adminList(messages.AdminBtnUnprovisioned, lines), nil
	case cbAdminTest:
		if _, err := bh.service.GrantAdminTest(ctx, adminID); err != nil {
			return "", err
		}
		return messages.AdminTestGranted(), nil
	default:
		return "", nil
	}
}

func adminList(title string, lines []string) string {
	if len(lines) == 0 {
		return messages.AdminListHeader(title) + messages.AdminEmptyList()
	}
	return messages.AdminListHeader(title) + strings.Join(lines, "\n")
}
