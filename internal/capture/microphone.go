package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"go.uber.org/zap"
)

// Stream is an open input device delivering interleaved little-endian
// float32 frames in Format. record.Process satisfies it.
type Stream interface {
	io.Reader
	Close() error
	Format() audio.Format
}

type Opener func(ctx context.Context) (Stream, error)

// Authorizer resolves whether the process may use the microphone.
type Authorizer interface {
	Authorize(ctx context.Context) (bool, error)
}

type AuthorizerFunc func(ctx context.Context) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (bool, error) {
	return f(ctx)
}

// ProbeAuthorizer grants access when the input produces data within Timeout.
// On macOS the first open is what raises the system prompt, and a denied
// recorder exits without writing anything.
type ProbeAuthorizer struct {
	Open    Opener
	Timeout time.Duration
}

func (p ProbeAuthorizer) Authorize(ctx context.Context) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := p.Open(ctx)
	if err != nil {
		return false, err
	}

	got := make(chan bool, 1)
	go func() {
		var b [4]byte
		n, _ := stream.Read(b[:])
		got <- n > 0
	}()

	var granted bool
	select {
	case granted = <-got:
	case <-ctx.Done():
	}
	_ = stream.Close()
	return granted, nil
}

type MicrophoneConfig struct {
	Open       Opener
	Authorizer Authorizer
	Consumer   Consumer

	// BufferDuration is the amount of native audio converted per callback.
	BufferDuration time.Duration
	QueueDepth     int
	Logger         *zap.Logger
}

type permission int

const (
	permissionUnknown permission = iota
	permissionGranted
	permissionDenied
)

type Microphone struct {
	cfg    MicrophoneConfig
	logger *zap.Logger

	permMu sync.Mutex
	perm   permission

	mu      sync.Mutex
	running bool
	stream  Stream
	pump    *pump
	readers sync.WaitGroup
}

func NewMicrophone(cfg MicrophoneConfig) *Microphone {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferDuration <= 0 {
		cfg.BufferDuration = 20 * time.Millisecond
	}
	return &Microphone{cfg: cfg, logger: logger.With(zap.String("source", "microphone"))}
}

// RequestPermission blocks until the authorizer answers. The first grant or
// denial is cached for the life of the Microphone; errors are not.
func (m *Microphone) RequestPermission(ctx context.Context) (bool, error) {
	m.permMu.Lock()
	defer m.permMu.Unlock()

	switch m.perm {
	case permissionGranted:
		return true, nil
	case permissionDenied:
		return false, nil
	}

	if m.cfg.Authorizer == nil {
		m.perm = permissionGranted
		return true, nil
	}

	granted, err := m.cfg.Authorizer.Authorize(ctx)
	if err != nil {
		return false, err
	}
	if granted {
		m.perm = permissionGranted
	} else {
		m.perm = permissionDenied
	}
	m.logger.Debug("microphone permission resolved", zap.Bool("granted", granted))
	return granted, nil
}

func (m *Microphone) granted() bool {
	m.permMu.Lock()
	defer m.permMu.Unlock()
	return m.perm == permissionGranted
}

// SetConsumer replaces the consumer used by the next Start.
func (m *Microphone) SetConsumer(c Consumer) {
	m.mu.Lock()
	m.cfg.Consumer = c
	m.mu.Unlock()
}

func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if !m.granted() {
		return ErrPermissionDenied
	}
	if m.cfg.Open == nil {
		return errors.New("no microphone input configured")
	}

	stream, err := m.cfg.Open(ctx)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}

	format := stream.Format()
	conv, err := audio.NewConverter(format)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: %s: %v", ErrFormatUnavailable, format, err)
	}

	p := newPump("microphone", m.cfg.QueueDepth, m.cfg.Consumer, m.logger)
	p.start()

	m.stream = stream
	m.pump = p
	m.running = true

	frames := max(1, int(int64(format.SampleRate)*int64(m.cfg.BufferDuration)/int64(time.Second)))
	m.readers.Add(1)
	go m.read(stream, conv, p, frames*format.Channels*4)

	m.logger.Info("microphone capture started", zap.Stringer("format", format))
	return nil
}

// read is the capture side: it converts one buffer at a time and never
// waits on the consumer.
func (m *Microphone) read(stream Stream, conv *audio.Converter, p *pump, chunk int) {
	defer m.readers.Done()

	raw := make([]byte, chunk)
	frameBytes := conv.From().Channels * 4
	var native []float32
	for {
		n, err := io.ReadFull(stream, raw)
		n -= n % frameBytes
		if n > 0 {
			p.guard(func() {
				native = audio.DecodeFloat32LE(raw[:n], native[:0])
				samples, convErr := conv.Convert(native)
				if convErr != nil {
					p.fail()
					return
				}
				p.setLevel(audio.Level(samples))
				p.offer(samples)
			})
		}
		if err != nil {
			if p.active.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				m.logger.Warn("microphone stream ended", zap.Error(err))
			}
			return
		}
	}
}

// Stop detaches the consumer before releasing the device, so nothing is
// delivered after it returns. It is safe to call more than once.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.pump.detach()
	err := m.stream.Close()
	m.readers.Wait()
	m.pump.close()
	m.logger.Info("microphone capture stopped", zap.Uint64("dropped_buffers", m.pump.dropped.Load()))
	return err
}

func (m *Microphone) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Level is the most recent meter value in [0,1]; zero when stopped.
func (m *Microphone) Level() float32 {
	m.mu.Lock()
	p := m.pump
	m.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.levelValue()
}

func (m *Microphone) Stats() Stats {
	m.mu.Lock()
	p := m.pump
	m.mu.Unlock()
	if p == nil {
		return Stats{}
	}
	return p.stats()
}
