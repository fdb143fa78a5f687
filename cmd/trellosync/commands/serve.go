package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trellosync/internal/board"
	"trellosync/internal/server"
)

var serveForward bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync client behind an HTTP API",
	Long: `Run a board client against the configured remote and expose it over HTTP.

Endpoints live under /api; GET /api/boards/{id}/events streams changes to one
board as server-sent events.

With REDIS_URL set, change events are read from the Redis relay channel.
--forward (the default) also publishes this process's upstream feed to it;
run exactly one forwarding process per remote.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveForward, "forward", true, "Publish the upstream change feed to Redis (only with REDIS_URL)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stdout, cfg, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, cleanup, err := openRemote(ctx, cfg, log, serveForward)
	if err != nil {
		return err
	}
	defer cleanup()

	client := board.New(r, board.Options{Logger: log, ReorderWindow: cfg.Window(), OwnerID: cfg.OwnerID})
	api := server.New(client, log)

	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Run(ctx) }()
	go func() {
		if err := api.Run(ctx); err != nil {
			log.Error("event fan-out", "err", err)
		}
	}()

	// no WriteTimeout: event streams stay open
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Handler(),
		ReadTimeout: 15 * time.Second, ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second}
	go func() {
		log.Info("listening", "addr", cfg.Addr, "remote", cfg.Remote)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) && err != nil {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-clientErr:
		log.Error("board client stopped", "err", runErr)
	}
	log.Info("shutting down")
	ctxSh, cancelSh := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSh()
	if err := srv.Shutdown(ctxSh); err != nil {
		log.Error("shutdown", "err", err)
	}
	stop()
	<-client.Done()
	return runErr
}
