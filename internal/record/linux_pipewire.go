package record

import (
	"context"
	"errors"
	"strconv"
)

type pipewireBackend struct{}

func newPipeWireBackend() Backend {
	return &pipewireBackend{}
}

func (b *pipewireBackend) Name() string {
	return "pw-record"
}

func (b *pipewireBackend) Available() bool {
	return CommandAvailable("pw-record")
}

func (b *pipewireBackend) Open(ctx context.Context, cfg Config) (*Process, error) {
	format := cfg.StreamFormat()
	args := []string{
		"--rate", strconv.Itoa(format.SampleRate),
		"--channels", strconv.Itoa(format.Channels),
		"--format", "f32",
		"--raw",
	}
	if cfg.Input != "" {
		args = append(args, "--target", cfg.Input)
	}
	args = append(args, "-")

	return StartProcess(ctx, cfg.Logger, format, "pw-record", args...)
}

func (b *pipewireBackend) ListDevices(ctx context.Context) (string, error) {
	if CommandAvailable("pw-cli") {
		return CommandOutput(ctx, "pw-cli", "ls", "Node")
	}

	if out, err := CommandOutput(ctx, "pw-record", "--list-targets"); err == nil {
		return out, nil
	}

	if CommandAvailable("pactl") {
		return CommandOutput(ctx, "pactl", "list", "short", "sources")
	}

	return "", errors.New("no pipewire device listing command available")
}
