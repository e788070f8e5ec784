package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/logger"
)

const envPrefix = "LEDGERSYNC_ADMIN"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "admin",
		Short: "Ledgersync admin CLI",
		Long: `Maintenance commands for the ledgersync bank-sync pipeline.

Flags can also be set through LEDGERSYNC_ADMIN_* environment variables,
e.g. LEDGERSYNC_ADMIN_DATABASE_URL.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	root.PersistentFlags().String("database-url", "", "Postgres connection string (default: from DATABASE_URL / DB_* settings)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("database-url", root.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(migrateCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(categorizeCmd())
	root.AddCommand(backfillCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	logger.Setup(viper.GetString("log-level"), viper.GetString("log-format"))
	return nil
}

// openDB connects using --database-url, or the API's database settings when
// the flag is unset.
func openDB() (*postgres.DB, error) {
	url := viper.GetString("database-url")
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		url = cfg.Database.ConnectionString()
	}

	db, err := postgres.New(url, postgres.DefaultPoolConfig)
	if err != nil {
		return nil, err
	}
	return db, nil
}
