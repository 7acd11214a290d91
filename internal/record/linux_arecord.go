package record

import (
	"context"
	"strconv"
)

type alsaBackend struct{}

func newALSARecorderBackend() Backend {
	return &alsaBackend{}
}

func (b *alsaBackend) Name() string {
	return "arecord"
}

func (b *alsaBackend) Available() bool {
	return CommandAvailable("arecord")
}

func (b *alsaBackend) Open(ctx context.Context, cfg Config) (*Process, error) {
	format := cfg.StreamFormat()
	args := []string{
		"-q",
		"-t", "raw",
		"-f", "FLOAT_LE",
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
	}
	if cfg.Input != "" {
		args = append(args, "-D", cfg.Input)
	}
	args = append(args, "-")

	return StartProcess(ctx, cfg.Logger, format, "arecord", args...)
}

func (b *alsaBackend) ListDevices(ctx context.Context) (string, error) {
	return CommandOutput(ctx, "arecord", "-L")
}
