package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/config"
	"github.com/BatmanBruc/vpn-bot/internal/gateway"
	"github.com/BatmanBruc/vpn-bot/internal/handlers"
	"github.com/BatmanBruc/vpn-bot/internal/middleware"
	"github.com/BatmanBruc/vpn-bot/internal/notify"
	"github.com/BatmanBruc/vpn-bot/internal/panel"
	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/internal/reconcile"
	"github.com/BatmanBruc/vpn-bot/internal/scheduler"
	"github.com/BatmanBruc/vpn-bot/internal/webhook"
	"github.com/BatmanBruc/vpn-bot/store"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const panelSessionTTL = 12 * time.Hour

type app struct {
	cfg     *config.Config
	store   types.SubscriptionStore
	redis   *store.RedisClient
	bot     *bot.Bot
	engine  *reconcile.Engine
	webhook *webhook.Server
	watcher *scheduler.Scheduler
}

func openStore(ctx context.Context, cfg *config.Config) (types.SubscriptionStore, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	if cfg.BotToken == "" {
		return nil, errors.New("BOT_TOKEN is required")
	}
	if !cfg.PanelConfigured() {
		return nil, errors.New("PANEL_URL and PANEL_PASSWORD are required")
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var sessions panel.SessionCache
	if cfg.RedisAddr != "" {
		a.redis, err = store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "vpn_bot")
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		sessions = store.NewRedisSessionStore(a.redis, panelSessionTTL)
	}
	panelClient, err := panel.New(panel.Config{
		BaseURL:   cfg.PanelURL,
		Username:  cfg.PanelUsername,
		Password:  cfg.PanelPassword,
		InboundID: cfg.PanelInboundID,
		Host:      cfg.ServerHost,
		Timeout:   cfg.PanelTimeout,
	}, sessions)
	if err != nil {
		return nil, err
	}

	var gw types.PaymentGateway
	if cfg.GatewayConfigured() {
		gw = gateway.NewYooKassa(gateway.Config{
			APIURL:    cfg.YooKassaAPIURL,
			ShopID:    cfg.YooKassaShopID,
			SecretKey: cfg.YooKassaSecretKey,
			ReturnURL: cfg.PaymentReturnURL,
			Timeout:   cfg.GatewayTimeout,
		})
	} else {
		log.Warn().Msg("YooKassa credentials missing, purchases are disabled")
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	pollTimeout := 50 * time.Second
	a.bot, err = bot.New(cfg.BotToken, bot.WithHTTPClient(pollTimeout, httpClient))
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	catalog := pricing.NewCatalog(pricing.Prices{
		OneMonth:    cfg.Tariff1MPrice,
		ThreeMonth:  cfg.Tariff3MPrice,
		TwelveMonth: cfg.Tariff12MPrice,
	}, cfg.TrialPeriodDays, cfg.AdminTestDays)

	dispatcher := notify.NewDispatcher(a.bot, cfg.Location, cfg.SupportContact)
	a.engine, err = reconcile.New(reconcile.Deps{
		Store:       a.store,
		Provisioner: panelClient,
		Gateway:     gw,
		Notifier:    dispatcher,
		Catalog:     catalog,
	}, reconcile.Config{
		DataCapGB:         cfg.DataLimitGB,
		Currency:          cfg.PaymentCurrency,
		VerifyWithGateway: cfg.WebhookVerifyWithGateway,
		TrialEnabled:      cfg.TrialEnabled,
		AdminUsers:        cfg.AdminUsers,
		Retries:           cfg.PanelRetries,
	})
	if err != nil {
		return nil, err
	}

	a.webhook = webhook.New(a.engine, webhook.Config{
		Secret:            cfg.WebhookSecret,
		AllowedCIDRs:      cfg.WebhookAllowedCIDRs,
		VerifyWithGateway: cfg.WebhookVerifyWithGateway,
		HandlerTimeout:    cfg.PanelTimeout*time.Duration(cfg.PanelRetries+2) + cfg.GatewayTimeout,
	})

	if cfg.StuckPaymentInterval > 0 && len(cfg.AdminUsers) > 0 {
		a.watcher = scheduler.NewScheduler(a.engine, dispatcher, scheduler.Config{
			Interval: cfg.StuckPaymentInterval,
			Admins:   cfg.AdminUsers,
		})
	}

	h := handlers.NewHandlers(a.engine, cfg.Location, cfg.SupportContact)
	mw := middleware.NewMessageAnalyzer(a.engine)
	handlerChain := mw.EnsureUserMiddleware(
		mw.AnalyzeMessageMiddleware(
			h.MainHandler,
		),
	)
	a.bot.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)
	a.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)

	return a, nil
}

// Run serves the webhook and polls Telegram until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Start()
		defer a.watcher.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.webhook.Listen(a.cfg.WebhookAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.webhook.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info().Msg("Bot started")
		a.bot.Start(ctx)
		return nil
	})
	return g.Wait()
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
