package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Request struct {
	AudioPath string
	ModelPath string
	Language  string
}

// Engine transcribes an audio file. BundledEngine runs whisper-cli.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Session binds an engine to a resolved model and adapts it to canonical
// sample buffers. It is safe for concurrent use; each call gets its own
// scratch file.
type Session struct {
	Engine    Engine
	ModelPath string
	Language  string
	TempDir   string
	Logger    *zap.Logger
}

func (s *Session) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	wavPath := filepath.Join(dir, "voxmeet-segment-"+uuid.NewString()+".wav")
	if err := audio.WritePCM16WAVFile(wavPath, samples, audio.CanonicalSampleRate); err != nil {
		return "", fmt.Errorf("write segment audio: %w", err)
	}
	defer os.Remove(wavPath)

	return s.Engine.Transcribe(ctx, Request{
		AudioPath: wavPath,
		ModelPath: s.ModelPath,
		Language:  s.Language,
	})
}

// Loader resolves the model, fetches it when missing and checks the engine
// before handing out a Session.
type Loader struct {
	ModelRef string
	ModelDir string
	Language string
	Logger   *zap.Logger

	// Download is called for a named model that is not on disk yet. When
	// nil, a missing model is an error.
	Download func(ctx context.Context, model ResolvedModel) error

	// NewEngine defaults to NewBundledEngine.
	NewEngine func(logger *zap.Logger) (Engine, error)
}

func (l Loader) Load(ctx context.Context) (transcribe.Recognizer, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := ResolveModel(l.ModelRef, l.Language, l.ModelDir)
	if err != nil {
		return nil, err
	}

	if model.NeedsDownload {
		if l.Download == nil {
			return nil, fmt.Errorf("model %q is not installed; run `voxmeet setup --model %s`", model.Name, model.Name)
		}
		logger.Info("downloading speech model", zap.String("model", model.Name), zap.String("path", model.Path))
		if err := l.Download(ctx, model); err != nil {
			return nil, fmt.Errorf("download model %q: %w", model.Name, err)
		}
	}

	if err := checkModelFile(model.Path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	newEngine := l.NewEngine
	if newEngine == nil {
		newEngine = func(logger *zap.Logger) (Engine, error) { return NewBundledEngine(logger) }
	}
	engine, err := newEngine(logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("speech model resolved", zap.String("model", model.Name), zap.String("path", model.Path))
	return &Session{
		Engine:    engine,
		ModelPath: model.Path,
		Language:  strings.TrimSpace(l.Language),
		Logger:    logger,
	}, nil
}

func checkModelFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", path)
	}
	if info.Size() == 0 {
		return errors.New("model file is empty: " + path)
	}
	return nil
}
