package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
)

type Tariff struct {
	ID           string
	Name         string
	DurationDays int
	Price        int64
	Purchasable  bool
}

func (t Tariff) Duration() time.Duration {
	return time.Duration(t.DurationDays) * 24 * time.Hour
}

// ExpiresAt is the absolute expiry of a grant made at now.
func (t Tariff) ExpiresAt(now time.Time) time.Time {
	return now.Add(t.Duration())
}

type Prices struct {
	OneMonth    int64
	ThreeMonth  int64
	TwelveMonth int64
}

func DefaultPrices() Prices {
	return Prices{OneMonth: 29900, ThreeMonth: 79900, TwelveMonth: 249900}
}

// Catalog is immutable after construction.
type Catalog struct {
	byID        map[string]Tariff
	purchasable []Tariff
}

func NewCatalog(prices Prices, trialDays, adminTestDays int) *Catalog {
	if trialDays <= 0 {
		trialDays = 7
	}
	if adminTestDays <= 0 {
		adminTestDays = 30
	}
	purchasable := []Tariff{
		{ID: "1m", Name: "1 месяц", DurationDays: 30, Price: prices.OneMonth, Purchasable: true},
		{ID: "3m", Name: "3 месяца", DurationDays: 90, Price: prices.ThreeMonth, Purchasable: true},
		{ID: "12m", Name: "1 год", DurationDays: 365, Price: prices.TwelveMonth, Purchasable: true},
	}
	c := &Catalog{
		byID:        make(map[string]Tariff, len(purchasable)+2),
		purchasable: purchasable,
	}
	for _, t := range purchasable {
		c.byID[t.ID] = t
	}
	c.byID[types.TariffTrial] = Tariff{ID: types.TariffTrial, Name: fmt.Sprintf("Пробный период (%d дней)", trialDays), DurationDays: trialDays}
	c.byID[types.TariffAdminTest] = Tariff{ID: types.TariffAdminTest, Name: "Тестовый доступ", DurationDays: adminTestDays}
	return c
}

// GetTariffInfo looks up any tariff, including the synthetic trial and
// admin test tariffs.
func (c *Catalog) GetTariffInfo(id string) (Tariff, bool) {
	t, ok := c.byID[strings.TrimSpace(id)]
	return t, ok
}

// Purchasable looks up a tariff that can be paid for.
func (c *Catalog) Purchasable(id string) (Tariff, error) {
	t, ok := c.GetTariffInfo(id)
	if !ok || !t.Purchasable {
		return Tariff{}, fmt.Errorf("%w: %q", types.ErrUnknownTariff, id)
	}
	return t, nil
}

func (c *Catalog) List() []Tariff {
	out := make([]Tariff, len(c.purchasable))
	copy(out, c.purchasable)
	return out
}

// DisplayName falls back to the raw id for tariffs that were removed from
// the catalog but still referenced by old subscriptions.
func (c *Catalog) DisplayName(id string) string {
	if t, ok := c.GetTariffInfo(id); ok {
		return t.Name
	}
	return id
}

// FormatRub renders minor units as whole rubles, keeping kopecks only when
// present.
func FormatRub(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if minor%100 == 0 {
		return fmt.Sprintf("%s%d ₽", sign, minor/100)
	}
	return fmt.Sprintf("%s%d.%02d ₽", sign, minor/100, minor%100)
}
