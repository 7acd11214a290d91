package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

type commandSpec struct {
	name      string
	args      []string
	asyncFire bool
}

func CopyText(ctx context.Context, value string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cmdSpec, err := detectCommand(runtime.GOOS, os.Getenv, exec.LookPath)
	if err != nil {
		return err
	}

	copyCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	if cmdSpec.asyncFire {
		return copyWithDetachedCommand(cmdSpec, value)
	}

	cmd := exec.CommandContext(copyCtx, cmdSpec.name, cmdSpec.args...)
	cmd.Stdin = strings.NewReader(value)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if runErr := cmd.Run(); runErr != nil {
		if errors.Is(copyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard timed out: %w", copyCtx.Err())
		}
		return fmt.Errorf("copy to clipboard: %w", runErr)
	}

	return nil
}

// detectCommand picks the clipboard tool for goos. Under Wayland wl-copy is
// preferred; X11 tools are tried in order of how reliably they detach.
func detectCommand(goos string, getenv func(string) string, lookPath func(string) (string, error)) (commandSpec, error) {
	has := func(name string) bool {
		_, err := lookPath(name)
		return err == nil
	}

	if goos == "darwin" {
		if has("pbcopy") {
			return commandSpec{name: "pbcopy"}, nil
		}
		return commandSpec{}, ErrUnavailable
	}

	wayland := getenv("WAYLAND_DISPLAY") != ""
	if wayland && has("wl-copy") {
		return commandSpec{name: "wl-copy"}, nil
	}
	if has("xclip") {
		return commandSpec{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, asyncFire: true}, nil
	}
	if has("xsel") {
		return commandSpec{name: "xsel", args: []string{"--clipboard", "--input"}}, nil
	}
	if has("wl-copy") {
		return commandSpec{name: "wl-copy"}, nil
	}

	return commandSpec{}, ErrUnavailable
}

func copyWithDetachedCommand(spec commandSpec, value string) error {
	cmd := exec.Command(spec.name, spec.args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start clipboard command: %w", err)
	}

	if _, err := io.WriteString(stdin, value); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}

	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("close clipboard stdin: %w", err)
	}

	_ = cmd.Process.Release()
	return nil
}
