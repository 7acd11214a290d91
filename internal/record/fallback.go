package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type ffmpegLinuxBackend struct{}

func newFFMPEGLinuxBackend() Backend {
	return &ffmpegLinuxBackend{}
}

func (b *ffmpegLinuxBackend) Name() string {
	return "ffmpeg"
}

func (b *ffmpegLinuxBackend) Available() bool {
	return CommandAvailable("ffmpeg")
}

type ffmpegInput struct {
	format string
	input  string
}

func (b *ffmpegLinuxBackend) Open(ctx context.Context, cfg Config) (*Process, error) {
	candidates := []ffmpegInput{
		{format: "pulse", input: "default"},
		{format: "alsa", input: "default"},
	}

	if cfg.Format != "" {
		input := cfg.Input
		if input == "" {
			input = "default"
		}
		candidates = []ffmpegInput{{format: cfg.Format, input: input}}
	} else if cfg.Input != "" {
		for i := range candidates {
			candidates[i].input = cfg.Input
		}
	}

	var errs []error
	for _, candidate := range candidates {
		proc, err := StartProcess(ctx, cfg.Logger, cfg.StreamFormat(), "ffmpeg", ffmpegArgs(candidate, cfg)...)
		if err == nil {
			return proc, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("ffmpeg (%s/%s): %w", candidate.format, candidate.input, err))
	}

	return nil, errors.Join(errs...)
}

func (b *ffmpegLinuxBackend) ListDevices(ctx context.Context) (string, error) {
	var sections []string

	if CommandAvailable("pactl") {
		if out, err := CommandOutput(ctx, "pactl", "list", "short", "sources"); err == nil {
			sections = append(sections, "PulseAudio/PipeWire sources:\n"+out)
		} else {
			sections = append(sections, "PulseAudio/PipeWire sources: "+err.Error())
		}
	}

	if CommandAvailable("arecord") {
		if out, err := CommandOutput(ctx, "arecord", "-L"); err == nil {
			sections = append(sections, "ALSA devices:\n"+out)
		} else {
			sections = append(sections, "ALSA devices: "+err.Error())
		}
	}

	if len(sections) == 0 {
		return "", errors.New("no device listing command available")
	}

	return strings.Join(sections, "\n\n"), nil
}

// ffmpegArgs builds a command line that writes raw f32le to stdout.
func ffmpegArgs(in ffmpegInput, cfg Config) []string {
	format := cfg.StreamFormat()
	return []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", in.format, "-i", in.input,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le",
		"-",
	}
}
