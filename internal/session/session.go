// Package session wires the two capture sources into the transcription
// orchestrator for the length of one meeting.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/capture"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/transcript"
	"go.uber.org/zap"
)

const DefaultDrainTimeout = 30 * time.Second

var ErrAlreadyRunning = errors.New("session already running")

// Source is a capture source feeding one speaker channel.
type Source interface {
	SetConsumer(c capture.Consumer)
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	Level() float32
	Stats() capture.Stats
}

type Microphone interface {
	Source
	RequestPermission(ctx context.Context) (bool, error)
}

// Transcriber is the part of the orchestrator a session drives.
type Transcriber interface {
	LoadModel(ctx context.Context) error
	Append(channel transcript.Channel, samples []float32)
	Flush()
	Wait(ctx context.Context) error
	CancelAndClear()
	Entries() []transcript.Entry
	Status() transcribe.Status
}

type Config struct {
	Transcriber Transcriber
	Microphone  Microphone

	// Loopback is optional. A loopback that fails to start leaves the
	// session running on the microphone alone.
	Loopback Source

	// DrainTimeout bounds how long Stop waits for in-flight segments before
	// cancelling them. Zero means DefaultDrainTimeout; negative cancels
	// immediately.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

type Session struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	running    bool
	loopbackOn bool
	degraded   error
	cancelLoad context.CancelFunc
	loadDone   chan struct{}
	loadErr    error
	started    time.Time
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Session{cfg: cfg, logger: logger}
}

// Start loads the model in the background, then opens the microphone and,
// when configured, the system loopback. Audio captured before the model is
// ready is dropped by the orchestrator.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	loadCtx, cancelLoad := context.WithCancel(context.WithoutCancel(ctx))
	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		err := s.cfg.Transcriber.LoadModel(loadCtx)
		s.mu.Lock()
		s.loadErr = err
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("speech model failed to load", zap.Error(err))
		}
	}()

	granted, err := s.cfg.Microphone.RequestPermission(ctx)
	if err != nil {
		cancelLoad()
		return fmt.Errorf("request microphone permission: %w", err)
	}
	if !granted {
		cancelLoad()
		return capture.ErrPermissionDenied
	}

	tr := s.cfg.Transcriber
	s.cfg.Microphone.SetConsumer(func(samples []float32) { tr.Append(transcript.Local, samples) })
	if err := s.cfg.Microphone.Start(ctx); err != nil {
		cancelLoad()
		return fmt.Errorf("start microphone: %w", err)
	}

	s.degraded = nil
	s.loopbackOn = false
	if lb := s.cfg.Loopback; lb != nil {
		lb.SetConsumer(func(samples []float32) { tr.Append(transcript.Remote, samples) })
		if err := lb.Start(ctx); err != nil {
			s.degraded = err
			s.logger.Warn("system audio capture unavailable; transcribing microphone only", zap.Error(err))
		} else {
			s.loopbackOn = true
		}
	}

	s.running = true
	s.cancelLoad = cancelLoad
	s.loadDone = loadDone
	s.started = time.Now()
	s.logger.Info("session started", zap.Bool("system_audio", s.loopbackOn))
	return nil
}

// ModelLoaded is closed once the background model load has finished. It
// returns nil before Start.
func (s *Session) ModelLoaded() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDone
}

// LoadError is the model load result once ModelLoaded is closed.
func (s *Session) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Degraded reports why system audio is not being captured, if it was
// configured but failed to start.
func (s *Session) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Levels returns the current meter value of each source in [0, 1].
func (s *Session) Levels() (me, others float32) {
	me = s.cfg.Microphone.Level()
	s.mu.Lock()
	on := s.loopbackOn
	s.mu.Unlock()
	if on {
		others = s.cfg.Loopback.Level()
	}
	return me, others
}

func (s *Session) Entries() []transcript.Entry {
	return s.cfg.Transcriber.Entries()
}

// Stop detaches and releases both sources, flushes the partial segments and
// waits up to DrainTimeout (or until ctx ends) for transcription to finish.
// Work still running after that is cancelled. Every source is released even
// when an earlier step fails.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	loopbackOn := s.loopbackOn
	s.loopbackOn = false
	cancelLoad := s.cancelLoad
	s.mu.Unlock()

	var errs []error
	if err := s.cfg.Microphone.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop microphone: %w", err))
	}
	if loopbackOn {
		if err := s.cfg.Loopback.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop system audio: %w", err))
		}
	}

	s.cfg.Transcriber.Flush()

	if err := s.drain(ctx); err != nil {
		s.logger.Warn("transcription did not finish in time; cancelling", zap.Error(err))
		s.cfg.Transcriber.CancelAndClear()
	}
	cancelLoad()

	stats := []zap.Field{zap.Any("microphone", s.cfg.Microphone.Stats())}
	if s.cfg.Loopback != nil {
		stats = append(stats, zap.Any("system_audio", s.cfg.Loopback.Stats()))
	}
	s.logger.Debug("session stopped", stats...)

	return errors.Join(errs...)
}

func (s *Session) drain(ctx context.Context) error {
	if s.cfg.DrainTimeout < 0 {
		return context.DeadlineExceeded
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	return s.cfg.Transcriber.Wait(ctx)
}
