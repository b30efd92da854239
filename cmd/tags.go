package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arcward/inu/inu"
	"github.com/spf13/cobra"
)

var exportScope string

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage stored tags",
}

var tagsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write tags to stdout as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var scope inu.Scope
		if exportScope != "" {
			s, err := inu.ParseScope(exportScope)
			if err != nil {
				return err
			}
			scope = s
		}
		backend, store, err := openTagStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = backend.Close()
		}()

		n, err := inu.ExportTags(ctx, store, scope, cmd.OutOrStdout())
		if err != nil {
			return &inu.ExitError{Code: inu.ExitBackend, Err: err}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d tag(s)\n", n)
		return nil
	},
}

var tagsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore tags from a YAML export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()

		backend, store, err := openTagStore(ctx)
		if err != nil {
			return err
		}
		report, err := inu.ImportTags(ctx, store, f, cmdLogger())
		if err != nil {
			_ = backend.Close()
			return &inu.ExitError{Code: inu.ExitBackend, Err: err}
		}
		if err = closeBackend(ctx, backend); err != nil {
			return err
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"imported %d tag(s), skipped %d\n",
			report.Imported,
			report.Skipped,
		)
		return nil
	},
}

var tagsReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the tag name index from the stored tags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, store, err := openTagStore(ctx)
		if err != nil {
			return err
		}
		report, err := store.Reindex(ctx)
		if err != nil {
			_ = backend.Close()
			return &inu.ExitError{Code: inu.ExitBackend, Err: err}
		}
		if err = closeBackend(ctx, backend); err != nil {
			return err
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"tags=%d names=%d restored=%d dropped=%d duplicates=%d\n",
			report.Tags,
			report.Names,
			report.Restored,
			report.Dropped,
			report.Duplicates,
		)
		return nil
	},
}

func cmdLogger() *slog.Logger {
	return slog.New(inu.NewLogHandler(os.Stderr, cfg.TagStore.LogLevel))
}

// openBackend validates the config and opens the configured backend
func openBackend(ctx context.Context) (inu.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &inu.ExitError{Code: inu.ExitConfig, Err: err}
	}
	spec, err := inu.ParseBackendSpec(cfg.TagStore.Backend)
	if err != nil {
		return nil, &inu.ExitError{Code: inu.ExitConfig, Err: err}
	}
	backend, err := inu.OpenBackend(ctx, spec, cfg.TagStore, cmdLogger())
	if err != nil {
		return nil, &inu.ExitError{Code: inu.ExitBackend, Err: err}
	}
	return backend, nil
}

// openTagStore opens the backend and a tag store without an authorizer,
// for offline maintenance
func openTagStore(ctx context.Context) (inu.Backend, *inu.TagStore, error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := inu.NewTagStore(backend, nil, cfg.TagStore, cmdLogger())
	if err != nil {
		_ = backend.Close()
		return nil, nil, &inu.ExitError{Code: inu.ExitConfig, Err: err}
	}
	return backend, store, nil
}

func closeBackend(ctx context.Context, backend inu.Backend) error {
	if err := backend.Flush(ctx); err != nil {
		_ = backend.Close()
		return &inu.ExitError{Code: inu.ExitBackend, Err: err}
	}
	if err := backend.Close(); err != nil {
		return &inu.ExitError{Code: inu.ExitBackend, Err: err}
	}
	return nil
}

func init() {
	tagsExportCmd.Flags().StringVar(
		&exportScope,
		"scope",
		"",
		"Only export tags in this scope (`global` or `guild:<id>`)",
	)
	tagsCmd.AddCommand(tagsExportCmd, tagsImportCmd, tagsReindexCmd)
	rootCmd.AddCommand(tagsCmd)
}
