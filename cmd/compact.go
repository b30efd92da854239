package cmd

import (
	"errors"
	"fmt"

	"github.com/arcward/inu/inu"
	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the file backend's logs, dropping superseded records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = backend.Close()
		}()

		c, ok := backend.(inu.Compactor)
		if !ok {
			return errors.New("backend doesn't support compaction")
		}
		err = c.Compact(ctx)
		switch {
		case errors.Is(err, inu.ErrInvalid):
			return err
		case err != nil:
			return &inu.ExitError{Code: inu.ExitBackend, Err: err}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "compacted")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
