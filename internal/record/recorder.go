// Package record runs the external recorder processes that stream raw
// little-endian float32 PCM on stdout.
package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"go.uber.org/zap"
)

var ErrNoBackendAvailable = errors.New("no recording backend available")

// stopGrace is how long a recorder gets to exit after SIGINT before it is
// killed.
var stopGrace = 2 * time.Second

type Config struct {
	SampleRate int
	Channels   int
	Input      string
	Format     string
	Logger     *zap.Logger
}

// StreamFormat is the native format the recorder is asked to produce.
func (c Config) StreamFormat() audio.Format {
	return audio.Format{SampleRate: defaultSampleRate(c.SampleRate), Channels: defaultChannels(c.Channels)}
}

type Backend interface {
	Name() string
	Available() bool
	Open(ctx context.Context, cfg Config) (*Process, error)
	ListDevices(ctx context.Context) (string, error)
}

func SelectBackend(backends []Backend, preferred string) (Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred != "" && preferred != "auto" {
		for _, backend := range backends {
			if backend.Name() == preferred {
				if !backend.Available() {
					return nil, fmt.Errorf("requested backend %q is not available", preferred)
				}
				return backend, nil
			}
		}
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	for _, backend := range backends {
		if backend.Available() {
			return backend, nil
		}
	}

	return nil, ErrNoBackendAvailable
}

func DefaultBackends(goos string) []Backend {
	switch goos {
	case "linux":
		return []Backend{newPipeWireBackend(), newALSARecorderBackend(), newFFMPEGLinuxBackend()}
	case "darwin":
		return []Backend{newFFMPEGMacOSBackend()}
	default:
		return nil
	}
}

// OpenWithFallback starts the preferred backend, falling through to the
// next available one when a recorder fails to start.
func OpenWithFallback(ctx context.Context, preferred string, cfg Config) (*Process, error) {
	backends := DefaultBackends(runtime.GOOS)
	if len(backends) == 0 {
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	return openWithFallback(ctx, backends, preferred, cfg)
}

func openWithFallback(ctx context.Context, backends []Backend, preferred string, cfg Config) (*Process, error) {
	orderedBackends, err := orderBackends(backends, preferred)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, backend := range orderedBackends {
		if !backend.Available() {
			errs = append(errs, fmt.Errorf("%s: backend is not available", backend.Name()))
			continue
		}

		proc, err := backend.Open(ctx, cfg)
		if err == nil {
			return proc, nil
		}

		err = fmt.Errorf("%s: %w", backend.Name(), err)
		errs = append(errs, err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}

	if len(errs) == 0 {
		return nil, ErrNoBackendAvailable
	}

	return nil, fmt.Errorf("open audio input with available backends: %w", errors.Join(errs...))
}

func orderBackends(backends []Backend, preferred string) ([]Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred == "" || preferred == "auto" {
		return backends, nil
	}

	preferredIndex := -1
	for i, backend := range backends {
		if backend.Name() == preferred {
			preferredIndex = i
			break
		}
	}
	if preferredIndex == -1 {
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	ordered := make([]Backend, 0, len(backends))
	ordered = append(ordered, backends[preferredIndex])
	for i, backend := range backends {
		if i == preferredIndex {
			continue
		}
		ordered = append(ordered, backend)
	}

	return ordered, nil
}

// Process is a running recorder. Read returns its raw stdout; Close stops
// it with SIGINT and escalates to a kill after a grace period.
type Process struct {
	name   string
	format audio.Format
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches name with args and returns once the process is
// running. format describes what it writes to stdout.
func StartProcess(ctx context.Context, logger *zap.Logger, format audio.Format, name string, args ...string) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	logger.Debug("recorder started", zap.String("command", name), zap.Strings("args", args), zap.Int("pid", cmd.Process.Pid))
	return &Process{
		name:   name,
		format: format,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}, nil
}

func (p *Process) Name() string {
	return p.name
}

func (p *Process) Format() audio.Format {
	return p.format
}

func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.stop()
	})
	return p.closeErr
}

func (p *Process) stop() error {
	stopSignalSent := p.cmd.Process.Signal(os.Interrupt) == nil

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(stopGrace):
		p.logger.Debug("recorder ignored stop signal; killing", zap.String("command", p.name))
		_ = p.cmd.Process.Kill()
		err = <-done
	}
	if err == nil {
		return nil
	}

	if stopSignalSent {
		p.logger.Debug("recording process exited after stop signal", zap.Error(err), zap.String("stderr", p.stderr.String()))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			p.logger.Debug("recording process stopped by signal", zap.String("signal", status.Signal().String()))
			return nil
		}
	}

	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		return fmt.Errorf("%s: %w (%s)", p.name, err, tail)
	}
	return fmt.Errorf("%s: %w", p.name, err)
}

// Stderr returns the last few KiB the recorder wrote to stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func CommandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func CommandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return "", fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, trimmed)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return trimmed, nil
}

func defaultSampleRate(value int) int {
	if value <= 0 {
		return 48000
	}
	return value
}

func defaultChannels(value int) int {
	if value <= 0 {
		return 1
	}
	return value
}
