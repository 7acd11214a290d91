package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/fmueller/voxmeet/internal/download"
	"github.com/fmueller/voxmeet/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				return listModels(cmd.OutOrStdout(), app.cfg.Model, app.cfg.Language)
			}

			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.cfg.Model, app.cfg.Language, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			expectedChecksum := resolved.SHA256
			if expectedChecksum == "" && resolved.SHA256URL != "" {
				checksum, err := download.ResolveExpectedChecksum(cmd.Context(), resolved.SHA256URL, filepath.Base(resolved.Path), nil)
				if err != nil {
					return fmt.Errorf("resolve checksum for model %s: %w", resolved.Name, err)
				}
				expectedChecksum = checksum
			}

			if !resolved.NeedsDownload && expectedChecksum != "" {
				if err := download.VerifyFileChecksum(resolved.Path, expectedChecksum); err != nil {
					app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
					resolved.NeedsDownload = true
				}
			}

			if !resolved.NeedsDownload {
				app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}

			resolved.SHA256 = expectedChecksum
			if err := app.downloadModel(cmd.Context(), resolved); err != nil {
				return fmt.Errorf("download model %s: %w", resolved.Name, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List known models and exit")
	return cmd
}

// listModels marks the model that --model and --language currently select.
func listModels(out io.Writer, model, language string) error {
	selected := whisper.ModelForLanguage(model, language)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tSIZE\tLANGUAGES")
	for _, m := range whisper.Models() {
		mark, languages := "", "multilingual"
		if m.Name == selected {
			mark = "*"
		}
		if m.EnglishOnly {
			languages = "english"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, m.Name, m.Size, languages)
	}
	return w.Flush()
}

// downloadModel fetches a registry model with checksum verification. It
// is also what the live session's model loader calls for a missing model.
func (a *appState) downloadModel(ctx context.Context, model whisper.ResolvedModel) error {
	a.log().Info("downloading model", zap.String("model", model.Name), zap.String("path", model.Path))
	return download.DownloadFile(ctx, download.Options{
		URL:            model.URL,
		Destination:    model.Path,
		ExpectedSHA256: model.SHA256,
		ChecksumURL:    model.SHA256URL,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	})
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	resolved, err := whisper.ResolveModel(a.cfg.Model, a.cfg.Language, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}
	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.cfg.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `voxmeet setup --model %s` or use --auto-download=true", resolved.Name, resolved.Path, resolved.Name)
	}

	if err := a.downloadModel(ctx, resolved); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
