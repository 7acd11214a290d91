package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const pactlStub = `#!/bin/sh
echo "$*" >> "$PACTL_LOG"
case "$1" in
  get-default-sink) echo "alsa_output.test" ;;
  load-module)
    case "$*" in
      *format=float32le*)
        if [ -n "${PACTL_FAIL_REMAP:-}" ]; then
          echo "Failure: Module initialization failed" >&2
          exit 1
        fi
        ;;
    esac
    n=$(cat "$PACTL_COUNTER" 2>/dev/null || echo 20)
    n=$((n+1))
    echo "$n" > "$PACTL_COUNTER"
    echo "$n"
    ;;
  unload-module) ;;
  list) printf '0\talsa_output.test\tmodule-alsa-card.c\ts16le 2ch 48000Hz\tRUNNING\n' ;;
esac
`

const parecStub = `#!/bin/sh
printf '%s\n' "$@" > "$PAREC_ARGS"
case "${PAREC_MODE:-}" in
  fail) echo "Stream error: No such entity" >&2; exit 1 ;;
  silent) trap 'exit 0' INT; while :; do sleep 0.02; done ;;
esac
head -c 3840 /dev/zero
if [ "${PAREC_MODE:-}" = "die" ]; then
  echo "Connection terminated" >&2
  exit 1
fi
trap 'exit 0' INT
while :; do sleep 0.02; done
`

func installPulseStubs(t *testing.T) (pactlLog, parecArgs string) {
	t.Helper()

	dir := t.TempDir()
	pactlLog = filepath.Join(dir, "pactl.log")
	parecArgs = filepath.Join(dir, "parec.args")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pactl"), []byte(pactlStub), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parec"), []byte(parecStub), 0o755))

	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
	t.Setenv("PACTL_LOG", pactlLog)
	t.Setenv("PACTL_COUNTER", filepath.Join(dir, "counter"))
	t.Setenv("PAREC_ARGS", parecArgs)
	return pactlLog, parecArgs
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestPulseDriverCapturesAndUnloadsInReverse(t *testing.T) {
	pactlLog, parecArgs := installPulseStubs(t)
	require.True(t, PulseAvailable())

	driver, err := DefaultLoopbackDriver("linux", nil)
	require.NoError(t, err)

	var got collector
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver, Consumer: got.consume})
	require.NoError(t, lb.Start(context.Background()))

	// 480 stereo frames at 48 kHz decimate to 160 canonical samples.
	require.Eventually(t, func() bool { return got.total() == 160 }, 2*time.Second, 10*time.Millisecond)

	args := strings.Join(readLines(t, parecArgs), " ")
	require.Contains(t, args, "--format=float32le")
	require.Contains(t, args, "--rate=48000")
	require.Contains(t, args, "--channels=2")
	require.Contains(t, args, "--device=voxmeet_loopback_")

	require.NoError(t, lb.Stop())

	calls := readLines(t, pactlLog)
	require.Equal(t, "get-default-sink", calls[0])
	require.Contains(t, calls[1], "master=alsa_output.test.monitor")
	require.Contains(t, calls[2], "master=voxmeet_tap_")
	require.Equal(t, []string{"unload-module 22", "unload-module 21"}, calls[len(calls)-2:])
}

func TestPulseDriverAggregateFailureUnloadsTap(t *testing.T) {
	pactlLog, _ := installPulseStubs(t)
	t.Setenv("PACTL_FAIL_REMAP", "1")

	lb := NewSystemLoopback(LoopbackConfig{Driver: NewPulseDriver(nil)})
	err := lb.Start(context.Background())

	var setupErr *DeviceSetupError
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, StageCreateAggregateDevice, setupErr.Stage)
	require.False(t, lb.IsRunning())

	calls := readLines(t, pactlLog)
	require.Equal(t, "unload-module 21", calls[len(calls)-1])
}

func TestPulseDriverReaderExitFailsStartDevice(t *testing.T) {
	pactlLog, _ := installPulseStubs(t)
	t.Setenv("PAREC_MODE", "fail")

	lb := NewSystemLoopback(LoopbackConfig{Driver: NewPulseDriver(nil)})
	err := lb.Start(context.Background())

	var setupErr *DeviceSetupError
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, StageStartDevice, setupErr.Stage)
	require.ErrorIs(t, err, ErrDeviceSetupFailed)
	require.Contains(t, err.Error(), "Stream error: No such entity")
	require.False(t, lb.IsRunning())
	require.Equal(t, Stats{}, lb.Stats())

	calls := readLines(t, pactlLog)
	require.Equal(t, []string{"unload-module 22", "unload-module 21"}, calls[len(calls)-2:])
}

func TestPulseDriverSilentReaderFailsStartDevice(t *testing.T) {
	installPulseStubs(t)
	t.Setenv("PAREC_MODE", "silent")

	driver := NewPulseDriver(nil)
	driver.startTimeout = 100 * time.Millisecond

	lb := NewSystemLoopback(LoopbackConfig{Driver: driver})
	err := lb.Start(context.Background())

	var setupErr *DeviceSetupError
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, StageStartDevice, setupErr.Stage)
	require.Contains(t, err.Error(), "no audio within")
	require.False(t, lb.IsRunning())
}

func TestPulseDriverLogsReaderThatDiesLater(t *testing.T) {
	installPulseStubs(t)
	t.Setenv("PAREC_MODE", "die")

	core, logs := observer.New(zapcore.WarnLevel)
	var got collector
	lb := NewSystemLoopback(LoopbackConfig{Driver: NewPulseDriver(zap.New(core)), Consumer: got.consume})
	require.NoError(t, lb.Start(context.Background()))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("system audio reader exited").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	entry := logs.FilterMessage("system audio reader exited").All()[0]
	require.Contains(t, entry.ContextMap()["stderr"], "Connection terminated")

	require.NoError(t, lb.Stop())
	require.Equal(t, 1, logs.FilterMessage("system audio reader exited").Len())
}

func TestPulseDriverDescribe(t *testing.T) {
	installPulseStubs(t)

	out, err := NewPulseDriver(nil).Describe(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "Default sink: alsa_output.test")
	require.Contains(t, out, "RUNNING")
}

func TestDefaultLoopbackDriverUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	_, err := DefaultLoopbackDriver("windows", nil)
	require.ErrorIs(t, err, ErrLoopbackUnsupported)
}
