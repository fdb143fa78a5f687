package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"trellosync/internal/config"
	"trellosync/internal/printer"
	"trellosync/internal/remote/pgremote"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema and change triggers",
	Long: `Create tables, indexes and the NOTIFY triggers that feed the change stream.
Safe to run repeatedly. Requires remote: postgres and DATABASE_URL.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Remote != config.RemotePostgres {
		return printer.Error(
			"Nothing to migrate",
			"The configured remote is "+cfg.Remote+", which keeps no schema.",
			[]string{"Set TRELLOSYNC_REMOTE=postgres and DATABASE_URL."},
		)
	}
	log := newLogger(os.Stderr, cfg, false)
	ctx := context.Background()
	pg, err := pgremote.Open(ctx, cfg.DatabaseURL, pgremote.Options{Logger: log, Channel: cfg.Channel})
	if err != nil {
		return printer.Error("Cannot reach Postgres", err.Error(), []string{"Check DATABASE_URL."})
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return printer.Error("Migration failed", err.Error(), nil)
	}
	printer.Success(cmd.OutOrStdout(), "schema is up to date\n")
	return nil
}
