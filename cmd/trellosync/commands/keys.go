package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"trellosync/internal/position"
	"trellosync/internal/printer"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect fractional ordering keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var keysBetweenCmd = &cobra.Command{
	Use:   "between [prev] [next]",
	Short: "Print a key strictly between two keys",
	Long: `Print a key that sorts strictly between prev and next.
Pass "" for an open end; with no arguments the middle key is printed.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runKeysBetween,
}

var keysRebalanceCmd = &cobra.Command{
	Use:   "rebalance <count>",
	Short: "Print evenly spaced keys for a sibling group",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRebalance,
}

func init() {
	keysCmd.AddCommand(keysBetweenCmd, keysRebalanceCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysBetween(cmd *cobra.Command, args []string) error {
	var prev, next string
	if len(args) > 0 {
		prev = args[0]
	}
	if len(args) > 1 {
		next = args[1]
	}
	k, err := position.Between(prev, next)
	if errors.Is(err, position.ErrOrderingExhausted) {
		return printer.Error(
			"No key fits",
			fmt.Sprintf("There is no key of at most %d digits between %q and %q.", position.MaxKeyLen, prev, next),
			[]string{
				"Check that prev sorts before next and both use only 0-9A-Za-z without a trailing 0.",
				"Rebalance the sibling group with 'trellosync keys rebalance <count>'.",
			},
		)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), k)
	return nil
}

func runKeysRebalance(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return printer.Error("Invalid count", fmt.Sprintf("%q is not a positive number.", args[0]), nil)
	}
	for _, k := range position.Rebalance(n) {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}
