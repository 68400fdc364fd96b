package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("TZ", "Europe/Moscow")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "./data/vpn_bot.db", cfg.SQLitePath)
	assert.Equal(t, "admin", cfg.PanelUsername)
	assert.Equal(t, 100, cfg.DataLimitGB)
	assert.Equal(t, 30*time.Second, cfg.PanelTimeout)
	assert.Equal(t, int64(29900), cfg.Tariff1MPrice)
	assert.Equal(t, int64(79900), cfg.Tariff3MPrice)
	assert.Equal(t, int64(249900), cfg.Tariff12MPrice)
	assert.True(t, cfg.TrialEnabled)
	assert.Equal(t, 7, cfg.TrialPeriodDays)
	assert.Equal(t, 30, cfg.AdminTestDays)
	assert.Equal(t, "RUB", cfg.PaymentCurrency)
	assert.Equal(t, ":8080", cfg.WebhookAddr)
	assert.NotNil(t, cfg.Location)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("TARIFF_1M_PRICE", "0")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tariff1MPrice")

	t.Setenv("TARIFF_1M_PRICE", "abc")
	_, err = FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TARIFF_1M_PRICE")
}

func TestFromEnvRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvParsesListsAndDurations(t *testing.T) {
	t.Setenv("ADMIN_USERS", "1, 2;3")
	t.Setenv("WEBHOOK_ALLOWED_CIDRS", "185.71.76.0/27, 77.75.156.11")
	t.Setenv("PANEL_TIMEOUT", "15")
	t.Setenv("GATEWAY_TIMEOUT", "2m")
	t.Setenv("STUCK_PAYMENT_CHECK_INTERVAL", "0")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, cfg.AdminUsers)
	require.Len(t, cfg.WebhookAllowedCIDRs, 2)
	assert.Equal(t, "185.71.76.0/27", cfg.WebhookAllowedCIDRs[0].String())
	assert.Equal(t, "77.75.156.11/32", cfg.WebhookAllowedCIDRs[1].String())
	assert.Equal(t, 15*time.Second, cfg.PanelTimeout)
	assert.Equal(t, 2*time.Minute, cfg.GatewayTimeout)
	assert.Zero(t, cfg.StuckPaymentInterval)
}

func TestParseIDListInvalid(t *testing.T) {
	_, err := ParseIDList("1,x")
	assert.Error(t, err)
}

func TestLoadFromFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.env")
	require.NoError(t, os.WriteFile(path, []byte("SUPPORT_CONTACT=@from_file\nSERVER_HOST=vpn.example.com\n"), 0o600))

	t.Setenv("SUPPORT_CONTACT", "@from_env")
	t.Setenv("SERVER_HOST", "")
	os.Unsetenv("SERVER_HOST")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "@from_env", cfg.SupportContact)
	assert.Equal(t, "vpn.example.com", cfg.ServerHost)
	os.Unsetenv("SERVER_HOST")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
