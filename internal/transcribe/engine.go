package transcribe

import (
	"context"
	"errors"

	"github.com/fmueller/voxmeet/internal/transcript"
)

var (
	ErrModelLoadFailed = errors.New("model load failed")
	ErrInferenceFailed = errors.New("inference failed")
	ErrSinkWriteFailed = errors.New("sink write failed")
)

// Recognizer is a loaded speech-to-text session. Transcribe receives
// canonical 16 kHz mono samples.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Loader produces a Recognizer. It may take seconds and must honor ctx.
type Loader interface {
	Load(ctx context.Context) (Recognizer, error)
}

type LoaderFunc func(ctx context.Context) (Recognizer, error)

func (f LoaderFunc) Load(ctx context.Context) (Recognizer, error) {
	return f(ctx)
}

// Sink persists finalized entries. Its errors never reach the capture path.
type Sink interface {
	Finalize(ctx context.Context, entry transcript.Entry) error
}

type SinkFunc func(ctx context.Context, entry transcript.Entry) error

func (f SinkFunc) Finalize(ctx context.Context, entry transcript.Entry) error {
	return f(ctx, entry)
}
