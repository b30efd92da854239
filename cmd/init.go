package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/arcward/inu/inu"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an admin API token hash",
	Long: "Prompts for an admin API token (or generates one, if left " +
		"empty) and prints the hash to set as API_TOKEN_HASH",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var token string
		for {
			fmt.Fprint(out, "Enter API token (leave empty to generate one): ")
			tokenBytes, err := readPassword()
			if err != nil {
				return fmt.Errorf("error reading token: %w", err)
			}
			token = string(tokenBytes)
			fmt.Fprintln(out)

			if token == "" {
				token, err = inu.GenerateToken()
				if err != nil {
					return fmt.Errorf("error generating token: %w", err)
				}
				fmt.Fprintf(out, "Generated API token: %s\n", token)
				break
			}

			fmt.Fprint(out, "Confirm API token: ")
			confirmBytes, err := readPassword()
			if err != nil {
				return fmt.Errorf("error reading token: %w", err)
			}
			fmt.Fprintln(out)

			if token == string(confirmBytes) {
				break
			}
			fmt.Fprintln(out, "Tokens do not match. Please try again.")
		}
		if len(token) < minTokenLength {
			return errors.New("token must be at least 16 characters")
		}

		hashed, err := inu.HashPassword(token)
		if err != nil {
			return fmt.Errorf("error hashing token: %w", err)
		}
		fmt.Fprintln(out, "Set this in your environment to enable the API:")
		fmt.Fprintf(out, "API_ENABLED=true\nAPI_TOKEN_HASH='%s'\n", hashed)
		return nil
	},
}

const minTokenLength = 16

func init() {
	rootCmd.AddCommand(initCmd)
}
