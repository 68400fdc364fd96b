package messages

import (
	"fmt"
	"strings"
	"time"
)

const ParseModeHTML = "HTML"

const ExpiryLayout = "02.01.2006 15:04"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func FormatExpiry(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(ExpiryLayout)
}

func support(contact string) string {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return "Напишите в поддержку"
	}
	return "Напишите в поддержку: " + Escape(contact)
}

func ErrorDefault() string {
	return "🚫 <b>Ошибка</b>\nПопробуйте ещё раз."
}

func ErrorUnknownCommand() string {
	return "❓ <b>Команда не найдена</b>\nИспользуйте /start"
}

func ErrorForbidden() string {
	return "⛔️ <b>Недостаточно прав</b>"
}

func StartWelcome(name string) string {
	greet := "👋 <b>Привет!</b>"
	if n := Escape(name); n != "" {
		greet = fmt.Sprintf("👋 <b>Привет, %s!</b>", n)
	}
	return greet + "\n\n" +
		"🔐 Быстрый и стабильный VPN.\n" +
		"💳 Выберите тариф, оплатите и сразу получите ключ для подключения."
}

func Help(contact string) string {
	return "ℹ️ <b>Как это работает</b>\n\n" +
		"1. Выберите тариф в /start\n" +
		"2. Оплатите по ссылке\n" +
		"3. Получите ключ и вставьте его в приложение (V2Box, v2rayNG, Happ)\n\n" +
		"/status - ваша подписка\n\n" +
		"❓ " + support(contact)
}

func ChooseTariff() string {
	return "💳 <b>Выберите тариф</b>"
}

func TariffButton(name, price string) string {
	return fmt.Sprintf("%s - %s", name, price)
}

func TrialButton(days int) string {
	return fmt.Sprintf("🎁 Пробный период (%d дней)", days)
}

func PaymentCreated(tariffName, price string) string {
	return fmt.Sprintf("🧾 <b>Счёт создан</b>\n\n"+
		"📦 <b>Тариф:</b> %s\n"+
		"💵 <b>Стоимость:</b> %s\n\n"+
		"Нажмите «Оплатить». Ключ придёт в этот чат сразу после оплаты.",
		Escape(tariffName), Escape(price))
}

func PayButton() string {
	return "💳 Оплатить"
}

func ErrorPaymentCreate() string {
	return "⚠️ <b>Не удалось создать платёж</b>\nПопробуйте ещё раз через минуту."
}

func ErrorPaymentsDisabled() string {
	return "⚠️ <b>Оплата временно недоступна</b>"
}

func CredentialDelivered(payload, tariffName, expires, contact string) string {
	return fmt.Sprintf("✅ <b>Подписка активирована!</b>\n\n"+
		"🔑 <b>Ваш VPN-ключ:</b>\n<code>%s</code>\n\n"+
		"📦 <b>Тариф:</b> %s\n"+
		"📅 <b>Действителен до:</b> %s\n\n"+
		"<b>📱 Как подключиться:</b>\n"+
		"1. Установите V2Box (iOS) или v2rayNG (Android)\n"+
		"2. Скопируйте ключ выше\n"+
		"3. В приложении: Добавить конфигурацию → Вставить из буфера\n\n"+
		"❓ %s",
		Escape(payload), Escape(tariffName), Escape(expires), support(contact))
}

func ProvisioningFailed(paymentID, contact string) string {
	return fmt.Sprintf("❌ <b>Оплата получена, но ключ выдать не удалось</b>\n\n"+
		"Мы уже разбираемся. %s и укажите номер платежа:\n<code>%s</code>",
		support(contact), Escape(paymentID))
}

func TrialUnavailable() string {
	return "ℹ️ <b>Пробный период недоступен</b>\nОн выдаётся один раз новым пользователям."
}

func TrialFailed(contact string) string {
	return "❌ <b>Не удалось выдать пробный доступ</b>\n" + support(contact)
}

func NoSubscription() string {
	return "📭 <b>Активной подписки нет</b>\nВыберите тариф в /start"
}

func SubscriptionStatus(payload, tariffName, expires string) string {
	return fmt.Sprintf("📋 <b>Ваша подписка</b>\n\n"+
		"📦 <b>Тариф:</b> %s\n"+
		"📅 <b>Действует до:</b> %s\n\n"+
		"🔑 <b>Ключ:</b>\n<code>%s</code>",
		Escape(tariffName), Escape(expires), Escape(payload))
}

func TrafficUsage(used, total int64) string {
	const gb = 1 << 30
	if total <= 0 {
		return fmt.Sprintf("📶 <b>Трафик:</b> %.2f ГБ", float64(used)/gb)
	}
	return fmt.Sprintf("📶 <b>Трафик:</b> %.2f из %.0f ГБ", float64(used)/gb, float64(total)/gb)
}

func MySubscriptionButton() string {
	return "📋 Моя подписка"
}

func BackButton() string {
	return "⬅️ Назад"
}

func AdminMenu() string {
	return "🛠 <b>Админ-панель</b>"
}

const (
	AdminBtnStats         = "📊 Статистика"
	AdminBtnUsers         = "👥 Пользователи"
	AdminBtnSubscriptions = "🔐 Активные подписки"
	AdminBtnUnprovisioned = "⚠️ Без ключа"
	AdminBtnTest          = "🧪 Тестовый VPN"
)

func AdminStats(users, active, payments int64, revenue string) string {
	return fmt.Sprintf("📊 <b>Статистика</b>\n\n"+
		"👥 Пользователей: <b>%d</b>\n"+
		"🔐 Активных подписок: <b>%d</b>\n"+
		"💳 Оплат: <b>%d</b>\n"+
		"💰 Выручка: <b>%s</b>",
		users, active, payments, Escape(revenue))
}

func AdminListHeader(title string) string {
	return fmt.Sprintf("📋 <b>%s</b>\n", Escape(title))
}

func AdminEmptyList() string {
	return "Пусто"
}

func AdminTestGranted() string {
	return "🧪 Тестовый ключ отправлен в этот чат"
}

func AdminUserLine(telegramID int64, username string, created time.Time, loc *time.Location) string {
	name := "-"
	if u := Escape(username); u != "" {
		name = "@" + u
	}
	return fmt.Sprintf("<code>%d</code> %s · %s", telegramID, name, FormatExpiry(created, loc))
}

func AdminSubscriptionLine(telegramID int64, tariffName string, expires time.Time, loc *time.Location) string {
	return fmt.Sprintf("<code>%d</code> %s · до %s", telegramID, Escape(tariffName), FormatExpiry(expires, loc))
}

func AdminPaymentLine(paymentID string, telegramID int64, amount string) string {
	return fmt.Sprintf("<code>%s</code> · %d · %s", Escape(paymentID), telegramID, Escape(amount))
}

func StuckPaymentsAlert(lines []string) string {
	return "⚠️ <b>Оплачено, но ключ не выдан</b>\n\n" +
		strings.Join(lines, "\n") +
		"\n\nВыдать вручную: <code>/reprovision &lt;payment_id&gt;</code>"
}

func ReprovisionUsage() string {
	return "Использование: <code>/reprovision &lt;payment_id&gt;</code>"
}

func ReprovisionDone(paymentID string) string {
	return fmt.Sprintf("✅ Ключ по платежу <code>%s</code> выдан", Escape(paymentID))
}

func ReprovisionAlready(paymentID string) string {
	return fmt.Sprintf("ℹ️ Платёж <code>%s</code> уже обработан", Escape(paymentID))
}

func ReprovisionFailed(paymentID string, reason string) string {
	return fmt.Sprintf("❌ Платёж <code>%s</code>: %s", Escape(paymentID), Escape(reason))
}
