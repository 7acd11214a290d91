package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/record"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pactlTimeout = 5 * time.Second

// PulseDriver reads the default sink's monitor on PulseAudio and PipeWire
// (through pipewire-pulse). The tap is a private remap source over the
// monitor, the aggregate device a second remap source that pins the sample
// format, and the I/O proc a parec reader bound to it.
type PulseDriver struct {
	format       audio.Format
	bufferFrames int
	startTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	sources map[Handle]string
	procs   map[Handle]*pulseProc
}

type pulseProc struct {
	device Handle
	fn     IOProc
	reader *record.Process
	done   chan struct{}

	stopping bool
	// exited is set when the reader ended on its own and was reported.
	exited bool
}

func NewPulseDriver(logger *zap.Logger) *PulseDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PulseDriver{
		format:       audio.Format{SampleRate: 48000, Channels: 2},
		bufferFrames: 480,
		startTimeout: 3 * time.Second,
		logger:       logger,
		sources:      make(map[Handle]string),
		procs:        make(map[Handle]*pulseProc),
	}
}

// DefaultLoopbackDriver returns the driver for goos, or
// ErrLoopbackUnsupported when the platform has none.
func DefaultLoopbackDriver(goos string, logger *zap.Logger) (LoopbackDriver, error) {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos != "linux" {
		return nil, fmt.Errorf("%w (%s)", ErrLoopbackUnsupported, goos)
	}
	if !PulseAvailable() {
		return nil, fmt.Errorf("%w: pactl and parec are required", ErrLoopbackUnsupported)
	}
	return NewPulseDriver(logger), nil
}

func PulseAvailable() bool {
	return record.CommandAvailable("pactl") && record.CommandAvailable("parec")
}

func (d *PulseDriver) Name() string {
	return "pulse"
}

func (d *PulseDriver) CreateTap(ctx context.Context) (Handle, error) {
	sink, err := defaultSink(ctx)
	if err != nil {
		return "", err
	}
	name := "voxmeet_tap_" + shortID()
	return d.loadRemapSource(ctx, name,
		"master="+sink+".monitor",
		"source_name="+name,
		"source_properties=device.description=voxmeet-tap",
	)
}

func (d *PulseDriver) DestroyTap(tap Handle) error {
	return d.unload(tap)
}

func (d *PulseDriver) CreateAggregateDevice(ctx context.Context, tap Handle) (Handle, audio.Format, error) {
	d.mu.Lock()
	master, ok := d.sources[tap]
	d.mu.Unlock()
	if !ok {
		return "", audio.Format{}, fmt.Errorf("unknown tap %q", tap)
	}

	name := "voxmeet_loopback_" + shortID()
	device, err := d.loadRemapSource(ctx, name,
		"master="+master,
		"source_name="+name,
		"format=float32le",
		"rate="+strconv.Itoa(d.format.SampleRate),
		"channels="+strconv.Itoa(d.format.Channels),
		"source_properties=device.description=voxmeet-loopback",
	)
	if err != nil {
		return "", audio.Format{}, err
	}
	return device, d.format, nil
}

func (d *PulseDriver) DestroyAggregateDevice(device Handle) error {
	return d.unload(device)
}

func (d *PulseDriver) CreateIOProc(device Handle, fn IOProc) (Handle, error) {
	if fn == nil {
		return "", errors.New("io proc is nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sources[device]; !ok {
		return "", fmt.Errorf("unknown device %q", device)
	}
	h := Handle("ioproc-" + shortID())
	d.procs[h] = &pulseProc{device: device, fn: fn}
	return h, nil
}

func (d *PulseDriver) DestroyIOProc(device, proc Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procs[proc]
	if !ok || p.device != device {
		return fmt.Errorf("unknown io proc %q", proc)
	}
	if p.reader != nil {
		return fmt.Errorf("io proc %q is still running", proc)
	}
	delete(d.procs, proc)
	return nil
}

func (d *PulseDriver) StartDevice(ctx context.Context, device, proc Handle) error {
	d.mu.Lock()
	source, known := d.sources[device]
	p, ok := d.procs[proc]
	if !known || !ok || p.device != device {
		d.mu.Unlock()
		return fmt.Errorf("io proc %q is not registered on %q", proc, device)
	}
	running := p.reader != nil
	d.mu.Unlock()
	if running {
		return nil
	}

	reader, err := record.StartProcess(context.WithoutCancel(ctx), d.logger, d.format, "parec",
		"--device="+source,
		"--format=float32le",
		"--rate="+strconv.Itoa(d.format.SampleRate),
		"--channels="+strconv.Itoa(d.format.Channels),
		"--raw",
		"--latency-msec=20",
	)
	if err != nil {
		return fmt.Errorf("start parec: %w", err)
	}

	first := make(chan struct{})
	d.mu.Lock()
	p.reader = reader
	p.stopping, p.exited = false, false
	p.done = make(chan struct{})
	d.mu.Unlock()

	go d.pumpReader(p, reader, first)

	timer := time.NewTimer(d.startTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-first:
		return nil
	case <-p.done:
		select {
		case <-first:
			return nil
		default:
		}
		cause = errors.New("parec exited before delivering audio")
	case <-timer.C:
		cause = fmt.Errorf("parec delivered no audio within %s", d.startTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	d.mu.Lock()
	p.stopping = true
	d.mu.Unlock()
	_ = reader.Close()
	<-p.done

	d.mu.Lock()
	p.reader = nil
	d.mu.Unlock()

	if tail := strings.TrimSpace(reader.Stderr()); tail != "" {
		return fmt.Errorf("%w (%s)", cause, tail)
	}
	return cause
}

// pumpReader feeds fixed-size buffers to the proc until parec exits. first
// is closed after the first buffer has been delivered.
func (d *PulseDriver) pumpReader(p *pulseProc, reader *record.Process, first chan struct{}) {
	defer close(p.done)

	raw := make([]byte, d.bufferFrames*d.format.Channels*4)
	frameBytes := d.format.Channels * 4
	var frames []float32
	delivered := false
	for {
		n, err := io.ReadFull(reader, raw)
		n -= n % frameBytes
		if n > 0 {
			frames = audio.DecodeFloat32LE(raw[:n], frames[:0])
			p.fn(frames)
			if !delivered {
				delivered = true
				close(first)
			}
		}
		if err != nil {
			d.mu.Lock()
			stopping := p.stopping
			p.exited = !stopping
			d.mu.Unlock()
			if !stopping && delivered {
				// Close waits for the process, so stderr is complete.
				_ = reader.Close()
				d.logger.Warn("system audio reader exited",
					zap.Error(err),
					zap.String("stderr", strings.TrimSpace(reader.Stderr())),
				)
			}
			return
		}
	}
}

func (d *PulseDriver) StopDevice(device, proc Handle) error {
	d.mu.Lock()
	p, ok := d.procs[proc]
	if !ok || p.device != device {
		d.mu.Unlock()
		return fmt.Errorf("unknown io proc %q", proc)
	}
	reader := p.reader
	if reader == nil {
		d.mu.Unlock()
		return nil
	}
	p.stopping = true
	d.mu.Unlock()

	err := reader.Close()
	<-p.done

	d.mu.Lock()
	p.reader = nil
	if p.exited {
		err = nil
	}
	d.mu.Unlock()
	return err
}

// Describe reports the sinks whose monitors can be captured.
func (d *PulseDriver) Describe(ctx context.Context) (string, error) {
	sink, err := defaultSink(ctx)
	if err != nil {
		return "", err
	}
	sinks, err := record.CommandOutput(ctx, "pactl", "list", "short", "sinks")
	if err != nil {
		return "", err
	}
	return "Default sink: " + sink + "\n" + sinks, nil
}

func (d *PulseDriver) loadRemapSource(ctx context.Context, name string, args ...string) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, pactlTimeout)
	defer cancel()

	out, err := record.CommandOutput(ctx, "pactl", append([]string{"load-module", "module-remap-source"}, args...)...)
	if err != nil {
		return "", err
	}
	if _, convErr := strconv.Atoi(out); convErr != nil {
		return "", fmt.Errorf("pactl load-module returned %q, want a module index", out)
	}

	h := Handle(out)
	d.mu.Lock()
	d.sources[h] = name
	d.mu.Unlock()
	d.logger.Debug("loaded remap source", zap.String("source", name), zap.String("module", out))
	return h, nil
}

func (d *PulseDriver) unload(h Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), pactlTimeout)
	defer cancel()

	if _, err := record.CommandOutput(ctx, "pactl", "unload-module", string(h)); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.sources, h)
	d.mu.Unlock()
	return nil
}

func defaultSink(ctx context.Context) (string, error) {
	if out, err := record.CommandOutput(ctx, "pactl", "get-default-sink"); err == nil && out != "" {
		return out, nil
	}

	info, err := record.CommandOutput(ctx, "pactl", "info")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(info, "\n") {
		if sink, ok := strings.CutPrefix(strings.TrimSpace(line), "Default Sink:"); ok {
			if sink = strings.TrimSpace(sink); sink != "" {
				return sink, nil
			}
		}
	}
	return "", errors.New("no default sink reported by pactl")
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
