package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/fmueller/voxmeet/internal/capture"
	"github.com/fmueller/voxmeet/internal/clipboard"
	"github.com/fmueller/voxmeet/internal/config"
	"github.com/fmueller/voxmeet/internal/logging"
	"github.com/fmueller/voxmeet/internal/notes"
	"github.com/fmueller/voxmeet/internal/ollama"
	"github.com/fmueller/voxmeet/internal/platform"
	"github.com/fmueller/voxmeet/internal/record"
	"github.com/fmueller/voxmeet/internal/store"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/version"
	"github.com/fmueller/voxmeet/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	cfg        config.Config
	configPath string
	flags      config.Config

	verbose    bool
	jsonLogs   bool
	noProgress bool
	copyEmpty  bool

	logger *zap.Logger
	now    func() time.Time
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	openMicFn        capture.Opener
	authorizer       capture.Authorizer
	loopbackDriverFn func(logger *zap.Logger) (capture.LoopbackDriver, error)
	loaderFn         func() transcribe.Loader
	transcribeFn     func(ctx context.Context, audioPath string) (string, error)
	chatFn           func() notes.Chatter
	copyFn           func(ctx context.Context, value string) error
	waitStopFn       func(ctx context.Context, duration time.Duration) error
	drainTimeout     time.Duration
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		cfg:   config.Default(),
		flags: config.Default(),
		now:   time.Now,
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
	}
	app.openMicFn = app.openMicrophone
	app.loopbackDriverFn = func(logger *zap.Logger) (capture.LoopbackDriver, error) {
		return capture.DefaultLoopbackDriver(runtime.GOOS, logger)
	}
	app.loaderFn = app.whisperLoader
	app.transcribeFn = app.transcribeAudio
	app.chatFn = app.ollamaClient
	app.copyFn = clipboard.CopyText
	app.waitStopFn = app.waitForStop

	live := &liveOptions{}
	cmd := &cobra.Command{
		Use:           "voxmeet",
		Short:         "Transcribe meetings live from your microphone and system audio",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return app.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runLive(cmd.Context(), *live)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindModelFlags(cmd, app)
	bindStorageFlags(cmd, app)
	bindCaptureFlags(cmd.Flags(), app)
	bindTranscriptionFlags(cmd.Flags(), app)
	bindLiveFlags(cmd.Flags(), live)

	cmd.AddCommand(newLiveCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newMeetingsCmd(app))
	cmd.AddCommand(newExportCmd(app))
	cmd.AddCommand(newNotesCmd(app))
	cmd.AddCommand(newAskCmd(app))
	cmd.AddCommand(newBackupCmd(app))
	cmd.AddCommand(newRestoreCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.configPath, "config", "", "Config file (default <data dir>/config.yaml)")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.flags.Model, "model", app.flags.Model, "Model name or model file path")
	flags.StringVar(&app.flags.ModelDir, "model-dir", app.flags.ModelDir, "Directory where models are stored")
	flags.StringVar(&app.flags.Language, "language", app.flags.Language, "Language code (auto|en|de|...) for transcription")
	flags.BoolVar(&app.flags.AutoDownload, "auto-download", app.flags.AutoDownload, "Automatically download missing models")
}

func bindStorageFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.flags.Database, "database", app.flags.Database, "Meeting database path")
	flags.StringVar(&app.flags.Ollama.URL, "ollama-url", app.flags.Ollama.URL, "Ollama server URL")
	flags.StringVar(&app.flags.Ollama.Model, "ollama-model", app.flags.Ollama.Model, "Ollama model used for notes")
}

type flagSet interface {
	StringVar(p *string, name string, value string, usage string)
	BoolVar(p *bool, name string, value bool, usage string)
	DurationVar(p *time.Duration, name string, value time.Duration, usage string)
	Float64Var(p *float64, name string, value float64, usage string)
	IntVar(p *int, name string, value int, usage string)
}

func bindCaptureFlags(flags flagSet, app *appState) {
	flags.StringVar(&app.flags.Capture.Backend, "backend", app.flags.Capture.Backend, "Microphone backend: auto|pw-record|arecord|ffmpeg")
	flags.StringVar(&app.flags.Capture.Input, "input", app.flags.Capture.Input, "Input device (run \"voxmeet devices\" to list); e.g. node-ID (pw-record), hw:1,0 (arecord), :1 (ffmpeg)")
	flags.StringVar(&app.flags.Capture.InputFormat, "input-format", app.flags.Capture.InputFormat, "Input format for ffmpeg backend (pulse|alsa)")
	flags.BoolVar(&app.flags.Capture.Loopback, "system-audio", app.flags.Capture.Loopback, "Also transcribe system playback as \"Others\"")
}

func bindTranscriptionFlags(flags flagSet, app *appState) {
	flags.DurationVar(&app.flags.Transcription.SegmentDuration, "segment", app.flags.Transcription.SegmentDuration, "Length of audio transcribed at a time")
	flags.BoolVar(&app.flags.Transcription.SilenceGate, "silence-gate", app.flags.Transcription.SilenceGate, "Skip transcription of near-silent audio")
	flags.Float64Var(&app.flags.Transcription.SilenceThresholdDBFS, "silence-threshold-dbfs", app.flags.Transcription.SilenceThresholdDBFS, "Silence gate threshold in dBFS")
	flags.IntVar(&app.flags.Transcription.QueueDepth, "queue-depth", app.flags.Transcription.QueueDepth, "Segments that may wait per speaker before new ones are dropped")
}

// loadConfig resolves defaults, the config file and VOXMEET_* variables,
// then applies only the flags the user actually set.
func (a *appState) loadConfig(cmd *cobra.Command) error {
	path, required := a.configPath, a.configPath != ""
	if !required {
		if paths, err := platform.DefaultPaths(); err == nil {
			path = paths.Config
		}
	}

	cfg, err := config.Load(path, required)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	f := a.flags
	set("model", func() { cfg.Model = f.Model })
	set("model-dir", func() { cfg.ModelDir = f.ModelDir })
	set("language", func() { cfg.Language = f.Language })
	set("auto-download", func() { cfg.AutoDownload = f.AutoDownload })
	set("database", func() { cfg.Database = f.Database })
	set("ollama-url", func() { cfg.Ollama.URL = f.Ollama.URL })
	set("ollama-model", func() { cfg.Ollama.Model = f.Ollama.Model })
	set("backend", func() { cfg.Capture.Backend = f.Capture.Backend })
	set("input", func() { cfg.Capture.Input = f.Capture.Input })
	set("input-format", func() { cfg.Capture.InputFormat = f.Capture.InputFormat })
	set("system-audio", func() { cfg.Capture.Loopback = f.Capture.Loopback })
	set("segment", func() { cfg.Transcription.SegmentDuration = f.Transcription.SegmentDuration })
	set("silence-gate", func() { cfg.Transcription.SilenceGate = f.Transcription.SilenceGate })
	set("silence-threshold-dbfs", func() { cfg.Transcription.SilenceThresholdDBFS = f.Transcription.SilenceThresholdDBFS })
	set("queue-depth", func() { cfg.Transcription.QueueDepth = f.Transcription.QueueDepth })

	cfg.Language = sanitizeLanguage(cfg.Language)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log().Debug("configuration loaded", zap.String("config", path), zap.String("model", cfg.Model))
	return nil
}

func (a *appState) openStore() (*store.Store, error) {
	path, err := platform.ResolveDatabasePath(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) whisperLoader() transcribe.Loader {
	loader := whisper.Loader{
		ModelRef: a.cfg.Model,
		Language: a.cfg.Language,
		Logger:   a.log(),
	}
	if dir, err := a.modelStorageDir(); err == nil {
		loader.ModelDir = dir
	}
	if a.cfg.AutoDownload {
		loader.Download = a.downloadModel
	}
	return loader
}

func (a *appState) openMicrophone(ctx context.Context) (capture.Stream, error) {
	proc, err := record.OpenWithFallback(ctx, a.cfg.Capture.Backend, record.Config{
		Input:  a.cfg.Capture.Input,
		Format: a.cfg.Capture.InputFormat,
		Logger: a.log(),
	})
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (a *appState) ollamaClient() notes.Chatter {
	return ollama.NewClient(ollama.Options{
		BaseURL:     a.cfg.Ollama.URL,
		Model:       a.cfg.Ollama.Model,
		Temperature: ollama.Temperature(a.cfg.Ollama.Temperature),
		Logger:      a.log(),
	})
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) errWriter() io.Writer {
	if a.errOut == nil {
		return os.Stderr
	}
	return a.errOut
}
