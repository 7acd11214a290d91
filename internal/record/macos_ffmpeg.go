package record

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type ffmpegMacBackend struct{}

func newFFMPEGMacOSBackend() Backend {
	return &ffmpegMacBackend{}
}

func (b *ffmpegMacBackend) Name() string {
	return "ffmpeg"
}

func (b *ffmpegMacBackend) Available() bool {
	return CommandAvailable("ffmpeg")
}

func (b *ffmpegMacBackend) Open(ctx context.Context, cfg Config) (*Process, error) {
	input := cfg.Input
	if input == "" {
		input = ":0"
	}
	return StartProcess(ctx, cfg.Logger, cfg.StreamFormat(), "ffmpeg",
		ffmpegArgs(ffmpegInput{format: "avfoundation", input: input}, cfg)...)
}

func (b *ffmpegMacBackend) ListDevices(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	out, _ := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "", fmt.Errorf("ffmpeg returned no device output")
	}
	return trimmed, nil
}
