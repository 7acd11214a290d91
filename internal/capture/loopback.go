package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fmueller/voxmeet/internal/audio"
	"go.uber.org/zap"
)

var (
	ErrDeviceSetupFailed   = errors.New("loopback device setup failed")
	ErrLoopbackUnsupported = errors.New("system audio capture is not supported on this platform")
)

type Stage int

const (
	StageCreateTap Stage = iota + 1
	StageCreateAggregateDevice
	StageRegisterIOProc
	StageStartDevice
)

func (s Stage) String() string {
	switch s {
	case StageCreateTap:
		return "create-tap"
	case StageCreateAggregateDevice:
		return "create-aggregate-device"
	case StageRegisterIOProc:
		return "register-io-proc"
	case StageStartDevice:
		return "start-device"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// DeviceSetupError reports the stage at which loopback setup stopped. By
// the time it is returned every earlier stage has been released.
type DeviceSetupError struct {
	Stage Stage
	Err   error
}

func (e *DeviceSetupError) Error() string {
	return fmt.Sprintf("loopback setup failed at %s: %v", e.Stage, e.Err)
}

func (e *DeviceSetupError) Unwrap() []error {
	return []error{ErrDeviceSetupFailed, e.Err}
}

// Handle identifies an object created by a LoopbackDriver.
type Handle string

// IOProc receives interleaved native-rate frames. Drivers call it from a
// single goroutine and never after StopDevice has returned.
type IOProc func(interleaved []float32)

// LoopbackDriver creates the platform objects needed to read the system
// mix. Every create has a matching release.
type LoopbackDriver interface {
	Name() string
	CreateTap(ctx context.Context) (Handle, error)
	DestroyTap(tap Handle) error
	CreateAggregateDevice(ctx context.Context, tap Handle) (Handle, audio.Format, error)
	DestroyAggregateDevice(device Handle) error
	CreateIOProc(device Handle, proc IOProc) (Handle, error)
	DestroyIOProc(device, proc Handle) error
	StartDevice(ctx context.Context, device, proc Handle) error
	StopDevice(device, proc Handle) error
}

type LoopbackConfig struct {
	Driver     LoopbackDriver
	Consumer   Consumer
	QueueDepth int
	Logger     *zap.Logger
}

// SystemLoopback captures everything the machine is playing.
type SystemLoopback struct {
	cfg    LoopbackConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	unwind  []release
	pump    *pump
}

type release struct {
	what string
	fn   func() error
}

func NewSystemLoopback(cfg LoopbackConfig) *SystemLoopback {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemLoopback{cfg: cfg, logger: logger.With(zap.String("source", "loopback"))}
}

func (s *SystemLoopback) SetConsumer(c Consumer) {
	s.mu.Lock()
	s.cfg.Consumer = c
	s.mu.Unlock()
}

// Start runs the four setup stages in order. A failing stage releases the
// ones before it, newest first, and Start returns a *DeviceSetupError.
func (s *SystemLoopback) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	d := s.cfg.Driver
	if d == nil {
		return &DeviceSetupError{Stage: StageCreateTap, Err: ErrLoopbackUnsupported}
	}

	var stack []release
	var p *pump
	fail := func(stage Stage, err error) error {
		if uerr := unwind(stack); uerr != nil {
			s.logger.Warn("loopback rollback incomplete", zap.Stringer("stage", stage), zap.Error(uerr))
		}
		if p != nil {
			p.close()
		}
		return &DeviceSetupError{Stage: stage, Err: err}
	}

	tap, err := d.CreateTap(ctx)
	if err != nil {
		return fail(StageCreateTap, err)
	}
	stack = append(stack, release{"tap", func() error { return d.DestroyTap(tap) }})

	device, format, err := d.CreateAggregateDevice(ctx, tap)
	if err != nil {
		return fail(StageCreateAggregateDevice, err)
	}
	stack = append(stack, release{"aggregate device", func() error { return d.DestroyAggregateDevice(device) }})

	decimator, err := audio.NewDecimator(format.SampleRate)
	if err == nil {
		err = format.Validate()
	}
	if err != nil {
		return fail(StageCreateAggregateDevice, fmt.Errorf("%w: %s: %v", ErrFormatUnavailable, format, err))
	}

	p = newPump("loopback", s.cfg.QueueDepth, s.cfg.Consumer, s.logger)
	proc, err := d.CreateIOProc(device, s.ioProc(p, decimator, format.Channels))
	if err != nil {
		return fail(StageRegisterIOProc, err)
	}
	stack = append(stack, release{"io proc", func() error { return d.DestroyIOProc(device, proc) }})

	p.start()
	if err := d.StartDevice(ctx, device, proc); err != nil {
		return fail(StageStartDevice, err)
	}
	stack = append(stack, release{"device", func() error { return d.StopDevice(device, proc) }})

	s.unwind = stack
	s.pump = p
	s.running = true
	s.logger.Info("system audio capture started", zap.String("driver", d.Name()), zap.Stringer("format", format))
	return nil
}

// ioProc converts one native buffer: channel mean, then stride decimation.
// The scratch buffer is reused because the driver calls from one goroutine.
func (s *SystemLoopback) ioProc(p *pump, dec *audio.Decimator, channels int) IOProc {
	var mono []float32
	return func(interleaved []float32) {
		p.guard(func() {
			mono = audio.Downmix(interleaved, channels, mono[:0])
			samples := dec.Process(mono, nil)
			if len(samples) == 0 {
				return
			}
			p.setLevel(audio.Level(samples))
			p.offer(samples)
		})
	}
}

// Stop releases every stage in reverse order. Release errors are joined;
// a failing stage does not keep later ones from being released.
func (s *SystemLoopback) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.pump.detach()
	err := unwind(s.unwind)
	s.unwind = nil
	s.pump.close()

	if err != nil {
		s.logger.Warn("system audio teardown incomplete", zap.Error(err))
	} else {
		s.logger.Info("system audio capture stopped", zap.Uint64("dropped_buffers", s.pump.dropped.Load()))
	}
	return err
}

func (s *SystemLoopback) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SystemLoopback) Level() float32 {
	s.mu.Lock()
	p := s.pump
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.levelValue()
}

func (s *SystemLoopback) Stats() Stats {
	s.mu.Lock()
	p := s.pump
	s.mu.Unlock()
	if p == nil {
		return Stats{}
	}
	return p.stats()
}

func unwind(stack []release) error {
	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", stack[i].what, err))
		}
	}
	return errors.Join(errs...)
}
