package commands

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trellosync/internal/board"
	"trellosync/internal/model"
	"trellosync/internal/printer"
)

var (
	boardArchived bool
	boardTimeout  time.Duration
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Read boards from the configured remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var boardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List boards",
	Args:  cobra.NoArgs,
	RunE:  runBoardList,
}

var boardShowCmd = &cobra.Command{
	Use:   "show <board-id>",
	Short: "Print a board with its lists and cards",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardShow,
}

func init() {
	boardCmd.PersistentFlags().BoolVar(&boardArchived, "archived", false, "Include archived boards")
	boardCmd.PersistentFlags().DurationVar(&boardTimeout, "timeout", 10*time.Second, "How long to wait for the initial snapshot")
	boardCmd.AddCommand(boardListCmd, boardShowCmd)
	rootCmd.AddCommand(boardCmd)
}

// withClient loads a board client from the configured remote, runs fn once
// the snapshot is in, then shuts the client down.
func withClient(fn func(ctx context.Context, c *board.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, cleanup, err := openRemote(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer cleanup()

	c := board.New(r, board.Options{Logger: log})
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-c.Done()
	}()

	select {
	case <-c.Ready():
	case err := <-runErr:
		return printer.Error("Cannot load boards", err.Error(), nil)
	case <-time.After(boardTimeout):
		return printer.Error("Timed out loading boards", "The remote did not return a snapshot in "+boardTimeout.String()+".", nil)
	}
	return fn(ctx, c)
}

func runBoardList(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *board.Client) error {
		boards, err := c.Boards(ctx, boardArchived)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(boards) == 0 {
			printer.Warning(out, "no boards\n")
			return nil
		}
		for _, b := range boards {
			v, err := c.GetBoardWithDetails(ctx, b.ID, true)
			if err != nil {
				return err
			}
			printer.Step(out, "%s  %s  (%d lists)\n", b.ID, b.Title, len(v.Lists))
		}
		return nil
	})
}

func runBoardShow(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *board.Client) error {
		v, err := c.GetBoardWithDetails(ctx, args[0], boardArchived)
		if errors.Is(err, model.ErrNotFound) {
			return printer.Error(
				"Board not found",
				"No board "+args[0]+" in the remote snapshot.",
				[]string{"Run 'trellosync board list --archived' to see every board id."},
			)
		}
		if err != nil {
			return err
		}
		printer.Board(cmd.OutOrStdout(), v)
		return nil
	})
}
