package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "checkout-cli",
		Short:         "Pay for Mineshop orders with PIX from the terminal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.mineshop/config.yaml)")
	flags.String("api-url", "", "Storefront API base URL")
	flags.String("token", "", "Customer bearer token")
	flags.String("state-file", "", "Where the active payment is saved")
	flags.String("state-redis", "", "Redis URL to share the active payment between devices")
	flags.Bool("realtime", true, "Listen for pushed payment updates")
	flags.BoolP("verbose", "v", false, "Log what the checkout is doing")

	load := func(cmd *cobra.Command) (*Config, *zap.Logger, error) {
		cfg, err := loadConfig(v, cmd, configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		logger, err := newLogger(cfg.Verbose)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return cfg, logger, nil
	}

	rootCmd.AddCommand(checkoutCmd(load))
	rootCmd.AddCommand(resumeCmd(load))
	rootCmd.AddCommand(verifyCmd(load))
	rootCmd.AddCommand(statusCmd(load))
	rootCmd.AddCommand(cancelCmd(load))

	return rootCmd
}

// newLogger keeps the terminal quiet unless asked otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}
