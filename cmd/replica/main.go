package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/replica-server/internal/app"
	"github.com/vovakirdan/replica-server/internal/auth"
	"github.com/vovakirdan/replica-server/internal/config"
	"github.com/vovakirdan/replica-server/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "replica",
		Short:         "Replication server for shared channels and objects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath), newHashSecretCmd(), newTokenCmd(&configPath), newSmokeCmd())
	return root
}

// overrides holds command line values that win over file and env config.
type overrides struct {
	tcp, udp, http string
	logLevel       string
}

func (o overrides) apply(cfg *config.Config) {
	cfg.UpdateFrom(config.Config{
		TCPAddr:  o.tcp,
		UDPAddr:  o.udp,
		HTTPAddr: o.http,
		LogLevel: o.logLevel,
	})
}

func newServeCmd(configPath *string) *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			boot := log.New("info")
			cfg, path, err := config.Load(boot, *configPath)
			if err != nil {
				return err
			}
			o.apply(&cfg)

			logger := log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Msg("configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&o.tcp, "tcp", "", "TCP listen address")
	cmd.Flags().StringVar(&o.udp, "udp", "", "UDP listen address")
	cmd.Flags().StringVar(&o.http, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level")
	return cmd
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print the bcrypt hash to use as admin_secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an operator API token from the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(log.Nop(), *configPath)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(app.JWTConfig(&cfg), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
