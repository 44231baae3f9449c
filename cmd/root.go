// Package cmd defines the dataimport command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/app"
	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd builds the command tree. appOpts reach every app.New call, which lets
// tests swap the HTTP transport.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "dataimport",
		Short: "Upload a data file and its descriptor to the import service.",
		Long: `dataimport packages a data file and its dataset descriptor into a zip archive,
resolves the organization's cluster, logs in and uploads the archive to the
data import API.

Settings come from an optional config file (YAML, JSON, TOML or the legacy XML
uploader document), DATAIMPORT_* environment variables and flags, in increasing
order of precedence.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml, .json, .toml or legacy .xml)")
	cmd.PersistentFlags().String("log-level", "", "minimum log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("dev-logs", true, "human-friendly development logging")
	bindFlag(v, "logging.level", cmd.PersistentFlags().Lookup("log-level"))
	bindFlag(v, "logging.development", cmd.PersistentFlags().Lookup("dev-logs"))

	cmd.AddCommand(newUploadCmd(v, appOpts))
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
