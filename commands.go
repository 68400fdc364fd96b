package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BatmanBruc/vpn-bot/internal/config"
	"github.com/BatmanBruc/vpn-bot/internal/logging"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "vpn-bot",
		Short:         "VPN storefront bot",
		Long:          "Sells VPN access over Telegram, takes payments through YooKassa and provisions clients on a 3x-ui panel.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", envOr("CONFIG_FILE", "config.env"), "env file to load before reading the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot and the payment webhook server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), configFile)
			},
		},
		&cobra.Command{
			Use:   "reprovision <payment-id>",
			Short: "Provision a paid payment that has no subscription",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runReprovision(cmd.Context(), configFile, args[0], cmd)
			},
		},
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vpn-bot %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(path string) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info"})
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context, configFile string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().Str("version", Version).Str("store", cfg.StoreDriver).Msg("Starting vpn-bot")
	return a.Run(ctx)
}

func runMigrate(parent context.Context, configFile string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	st.Close()
	log.Info().Str("store", cfg.StoreDriver).Msg("Migrations applied")
	return nil
}

func runReprovision(parent context.Context, configFile, paymentID string, cmd *cobra.Command) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := a.engine.Reprovision(ctx, paymentID)
	switch {
	case errors.Is(err, types.ErrDuplicateEvent):
		fmt.Fprintf(cmd.OutOrStdout(), "payment %s already has a subscription\n", paymentID)
		return nil
	case err != nil:
		return fmt.Errorf("reprovision %s: %w", paymentID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "payment %s provisioned for %d until %s\n", paymentID, sub.TelegramID, sub.ExpiresAt.Format("2006-01-02 15:04"))
	return nil
}
