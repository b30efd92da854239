package cmd

import (
	"github.com/arcward/inu/inu"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects to discord and serves commands (and, optionally, the admin API)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bot, err := inu.New(cfg)
			if err != nil {
				return err
			}
			return bot.Run(cmd.Context())
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
