package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"trellosync/internal/config"
	"trellosync/internal/model"
	"trellosync/internal/printer"
	"trellosync/internal/remote"
	"trellosync/internal/remote/memory"
	"trellosync/internal/remote/pgremote"
	"trellosync/internal/remote/redisfeed"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "trellosync",
	Short: "trellosync - offline-tolerant sync cache for task boards",
	Long: `trellosync keeps a local cache of boards, lists and cards in step with a
remote store. Local edits apply immediately and are confirmed, or rolled
back, when the remote answers; change events from other writers are merged
in commit order.

Configuration comes from --config (YAML) with environment overrides:
ADDR, DATABASE_URL, REDIS_URL, TRELLOSYNC_REMOTE, TRELLOSYNC_CHANNEL,
REORDER_WINDOW and LOG_LEVEL.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Cobra's own error printing is silenced;
// commands report through the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to trellosync.yml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"Invalid configuration",
			err.Error(),
			[]string{"Check the file passed with --config and the TRELLOSYNC_* environment variables."},
		)
	}
	return cfg, nil
}

// newLogger builds the process logger: JSON for the server, text otherwise.
func newLogger(w io.Writer, cfg *config.Config, json bool) *slog.Logger {
	lvl, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var syncTables = []model.Table{model.TableBoards, model.TableLists, model.TableCards}

// openRemote connects the configured remote. When a Redis URL is set the
// change feed is read from the relay channel instead, and with forward the
// upstream feed is also published to it.
func openRemote(ctx context.Context, cfg *config.Config, log *slog.Logger, forward bool) (remote.Remote, func(), error) {
	var (
		r       remote.Remote
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Remote {
	case config.RemotePostgres:
		pg, err := pgremote.Open(ctx, cfg.DatabaseURL, pgremote.Options{Logger: log, Channel: cfg.Channel})
		if err != nil {
			return nil, nil, printer.Error("Cannot reach Postgres", err.Error(), []string{"Check DATABASE_URL."})
		}
		closers = append(closers, func() { pg.Close() })
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		r = pg
	default:
		r = memory.New(memory.Options{Logger: log})
	}

	if cfg.RedisURL == "" {
		return r, cleanup, nil
	}
	relay, err := redisfeed.FromURL(cfg.RedisURL, cfg.Channel, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { relay.Close() })
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := relay.Ping(pctx); err != nil {
		cleanup()
		return nil, nil, printer.Error("Cannot reach Redis", err.Error(), []string{"Check REDIS_URL, or unset it to read changes from the remote directly."})
	}
	if forward {
		upstream := r
		go relayLoop(ctx, relay, upstream, log)
	}
	return remote.WithFeed(r, relay.Subscribe), cleanup, nil
}

// relayLoop keeps the upstream change feed forwarded to Redis until ctx ends.
func relayLoop(ctx context.Context, relay *redisfeed.Relay, upstream remote.Remote, log *slog.Logger) {
	for ctx.Err() == nil {
		feed, err := upstream.Subscribe(ctx, syncTables...)
		if err == nil {
			log.Info("relaying change feed", "channel", relay.Channel())
			err = relay.Forward(ctx, feed)
			feed.Close()
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("change relay stopped, restarting", "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}
