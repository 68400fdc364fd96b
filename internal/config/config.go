package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	BotToken string

	StoreDriver string `validate:"oneof=postgres sqlite"`
	PostgresDSN string
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	PanelURL       string        `validate:"omitempty,url"`
	PanelUsername  string        `validate:"required"`
	PanelPassword  string
	PanelInboundID int           `validate:"gte=0"`
	ServerHost     string
	DataLimitGB    int           `validate:"gte=0"`
	PanelTimeout   time.Duration `validate:"gt=0"`
	PanelRetries   int           `validate:"gte=0,lte=10"`

	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaAPIURL    string        `validate:"required,url"`
	PaymentReturnURL  string        `validate:"omitempty,url"`
	PaymentCurrency   string        `validate:"required,len=3"`
	GatewayTimeout    time.Duration `validate:"gt=0"`

	WebhookAddr              string `validate:"required"`
	WebhookSecret            string
	WebhookAllowedCIDRs      []netip.Prefix
	WebhookVerifyWithGateway bool

	Tariff1MPrice  int64 `validate:"gt=0"`
	Tariff3MPrice  int64 `validate:"gt=0"`
	Tariff12MPrice int64 `validate:"gt=0"`

	TrialEnabled    bool
	TrialPeriodDays int `validate:"gt=0"`
	AdminTestDays   int `validate:"gt=0"`
	AdminUsers      []int64

	// StuckPaymentInterval is how often admins are told about captured
	// payments without a subscription. Zero disables the watcher.
	StuckPaymentInterval time.Duration `validate:"gte=0"`

	SupportContact string
	Location       *time.Location

	LogLevel  string `validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `validate:"omitempty,oneof=json console auto"`
}

// Load seeds the environment from path when it exists and builds a Config.
// Variables already present in the process environment win.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var errs []error
	intVar := func(key string, fallback int) int {
		v, err := envInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	int64Var := func(key string, fallback int64) int64 {
		v, err := envInt64(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		v, err := envDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVar := func(key string, fallback bool) bool {
		v, err := envBool(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		BotToken:    strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", "sqlite")),
		PostgresDSN: strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		SQLitePath:  envOrDefault("SQLITE_PATH", "./data/vpn_bot.db"),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intVar("REDIS_DB", 0),

		PanelURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("PANEL_URL")), "/"),
		PanelUsername:  envOrDefault("PANEL_USERNAME", "admin"),
		PanelPassword:  os.Getenv("PANEL_PASSWORD"),
		PanelInboundID: intVar("PANEL_INBOUND_ID", 0),
		ServerHost:     strings.TrimSpace(os.Getenv("SERVER_HOST")),
		DataLimitGB:    intVar("VPN_DATA_LIMIT_GB", 100),
		PanelTimeout:   durVar("PANEL_TIMEOUT", 30*time.Second),
		PanelRetries:   intVar("PANEL_RETRIES", 2),

		YooKassaShopID:    strings.TrimSpace(os.Getenv("YOOKASSA_SHOP_ID")),
		YooKassaSecretKey: strings.TrimSpace(os.Getenv("YOOKASSA_SECRET_KEY")),
		YooKassaAPIURL:    strings.TrimRight(envOrDefault("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"), "/"),
		PaymentReturnURL:  strings.TrimSpace(os.Getenv("PAYMENT_RETURN_URL")),
		PaymentCurrency:   strings.ToUpper(envOrDefault("PAYMENT_CURRENCY", "RUB")),
		GatewayTimeout:    durVar("GATEWAY_TIMEOUT", 30*time.Second),

		WebhookAddr:              envOrDefault("WEBHOOK_ADDR", ":8080"),
		WebhookSecret:            strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")),
		WebhookVerifyWithGateway: boolVar("WEBHOOK_VERIFY_WITH_GATEWAY", false),

		Tariff1MPrice:  int64Var("TARIFF_1M_PRICE", 29900),
		Tariff3MPrice:  int64Var("TARIFF_3M_PRICE", 79900),
		Tariff12MPrice: int64Var("TARIFF_12M_PRICE", 249900),

		TrialEnabled:    boolVar("TRIAL_ENABLED", true),
		TrialPeriodDays: intVar("TRIAL_PERIOD_DAYS", 7),
		AdminTestDays:   intVar("ADMIN_TEST_DAYS", 30),

		StuckPaymentInterval: durVar("STUCK_PAYMENT_CHECK_INTERVAL", 10*time.Minute),

		SupportContact: strings.TrimSpace(os.Getenv("SUPPORT_CONTACT")),

		LogLevel:  strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		LogFormat: strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))),
	}

	admins, err := ParseIDList(os.Getenv("ADMIN_USERS"))
	if err != nil {
		errs = append(errs, fmt.Errorf("ADMIN_USERS: %w", err))
	}
	cfg.AdminUsers = admins

	cidrs, err := ParseCIDRs(os.Getenv("WEBHOOK_ALLOWED_CIDRS"))
	if err != nil {
		errs = append(errs, fmt.Errorf("WEBHOOK_ALLOWED_CIDRS: %w", err))
	}
	cfg.WebhookAllowedCIDRs = cidrs

	cfg.Location = loadLocation(envOrDefault("TZ", "Europe/Moscow"))

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func (c *Config) PanelConfigured() bool {
	return c.PanelURL != "" && c.PanelPassword != ""
}

func (c *Config) GatewayConfigured() bool {
	return c.YooKassaShopID != "" && c.YooKassaSecretKey != ""
}

// ParseIDList accepts ids separated by commas, semicolons or whitespace.
func ParseIDList(raw string) ([]int64, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

// ParseCIDRs accepts prefixes or bare addresses separated by commas.
func ParseCIDRs(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}
