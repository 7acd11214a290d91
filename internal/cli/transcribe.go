package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/clipboard"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const blankAudioToken = "[BLANK_AUDIO]"

func newTranscribeCmd(app *appState) *cobra.Command {
	var copyToClipboard bool

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := app.transcribeFn(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), text)
			blank := !transcribe.IsMeaningful(text)
			if blank {
				app.log().Warn(noSpeechHint())
			}
			if !copyToClipboard || (blank && !app.copyEmpty) {
				return nil
			}
			return app.copyText(cmd.Context(), text, "transcript")
		},
	}

	bindTranscriptionFlags(cmd.Flags(), app)
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Copy transcript to clipboard")
	cmd.Flags().BoolVar(&app.copyEmpty, "copy-empty", app.copyEmpty, "Copy blank transcripts to clipboard")
	return cmd
}

func (a *appState) transcribeAudio(ctx context.Context, audioPath string) (string, error) {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file not found: %w", err)
	}

	if text, skipped := a.silenceGateFile(audioPath); skipped {
		return text, nil
	}

	model, err := a.ensureModelAvailable(ctx)
	if err != nil {
		return "", err
	}

	engine, err := whisper.NewBundledEngine(a.log())
	if err != nil {
		return "", err
	}

	a.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("model", model.Path), zap.String("language", a.cfg.Language))
	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	started := time.Now()

	text, err := engine.Transcribe(ctx, whisper.Request{
		AudioPath: audioPath,
		ModelPath: model.Path,
		Language:  a.cfg.Language,
	})
	stopSpinner()
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return "", err
	}
	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)))

	return text, nil
}

// silenceGateFile short-cuts near-silent WAV files to the blank token.
// Analysis failures fall through to a normal transcription.
func (a *appState) silenceGateFile(audioPath string) (string, bool) {
	if !a.cfg.Transcription.SilenceGate || !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		return "", false
	}

	threshold := a.cfg.Transcription.SilenceThresholdDBFS
	silent, metrics, err := audio.IsSilentWAV(audioPath, threshold)
	if err != nil {
		a.log().Warn("silence gate analysis failed; continuing transcription", zap.Error(err), zap.String("audio", audioPath))
		return "", false
	}
	if !silent {
		return "", false
	}

	a.log().Info(
		"audio considered silent; skipping transcription",
		zap.String("audio", audioPath),
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", threshold),
	)
	return blankAudioToken, true
}

func (a *appState) copyText(ctx context.Context, value, what string) error {
	if err := a.copyFn(ctx, value); err != nil {
		if errors.Is(err, clipboard.ErrUnavailable) {
			a.log().Warn("clipboard tool unavailable; " + what + " left on stdout")
			return nil
		}
		return err
	}
	a.log().Info(what + " copied to clipboard")
	return nil
}

func noSpeechHint() string {
	return "No speech detected. Check mic mute and selected input device, then try again."
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
