package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fmueller/voxmeet/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackupCmd(app *appState) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write every meeting with its transcript and notes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			bundle, err := db.Export(cmd.Context(), app.now())
			if err != nil {
				return err
			}

			if output == "" {
				return store.WriteBundle(cmd.OutOrStdout(), bundle)
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
			if err := store.WriteBundle(f, bundle); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			app.log().Info("backup written", zap.String("path", output), zap.Int("meetings", len(bundle.Meetings)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write JSON to this file instead of stdout")
	return cmd
}

func newRestoreCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup.json>",
		Short: "Import meetings from a JSON backup, updating ones that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open backup: %w", err)
			}
			defer f.Close()

			bundle, err := store.ReadBundle(f)
			if err != nil {
				return err
			}

			db, err := app.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := db.Import(cmd.Context(), bundle)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d meetings (%d new, %d updated, %d segments added)\n",
				res.Created+res.Updated, res.Created, res.Updated, res.Segments)
			return nil
		},
	}
}
