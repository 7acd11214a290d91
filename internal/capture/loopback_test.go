package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	failAt  Stage
	format  audio.Format
	proc    IOProc
	stopErr error
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDriver) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) CreateTap(context.Context) (Handle, error) {
	d.record("create-tap")
	if d.failAt == StageCreateTap {
		return "", errors.New("tap exclusive to another process")
	}
	return "tap", nil
}

func (d *fakeDriver) DestroyTap(Handle) error {
	d.record("destroy-tap")
	return nil
}

func (d *fakeDriver) CreateAggregateDevice(context.Context, Handle) (Handle, audio.Format, error) {
	d.record("create-aggregate")
	if d.failAt == StageCreateAggregateDevice {
		return "", audio.Format{}, errors.New("device list changed")
	}
	format := d.format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 48000, Channels: 2}
	}
	return "agg", format, nil
}

func (d *fakeDriver) DestroyAggregateDevice(Handle) error {
	d.record("destroy-aggregate")
	return nil
}

func (d *fakeDriver) CreateIOProc(_ Handle, proc IOProc) (Handle, error) {
	d.record("create-ioproc")
	if d.failAt == StageRegisterIOProc {
		return "", errors.New("no io proc slots")
	}
	d.mu.Lock()
	d.proc = proc
	d.mu.Unlock()
	return "proc", nil
}

func (d *fakeDriver) DestroyIOProc(Handle, Handle) error {
	d.record("destroy-ioproc")
	return nil
}

func (d *fakeDriver) StartDevice(context.Context, Handle, Handle) error {
	d.record("start-device")
	if d.failAt == StageStartDevice {
		return errors.New("device busy")
	}
	return nil
}

func (d *fakeDriver) StopDevice(Handle, Handle) error {
	d.record("stop-device")
	return d.stopErr
}

func (d *fakeDriver) callback() IOProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc
}

func TestLoopbackAggregateFailureDestroysTap(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{failAt: StageCreateAggregateDevice}
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver})

	err := lb.Start(context.Background())

	var setupErr *DeviceSetupError
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, StageCreateAggregateDevice, setupErr.Stage)
	require.ErrorIs(t, err, ErrDeviceSetupFailed)
	require.Equal(t, []string{"create-tap", "create-aggregate", "destroy-tap"}, driver.log())
	require.False(t, lb.IsRunning())
}

func TestLoopbackSetupFailureUnwindsInReverse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stage Stage
		want  []string
	}{
		{StageCreateTap, []string{"create-tap"}},
		{StageRegisterIOProc, []string{"create-tap", "create-aggregate", "create-ioproc", "destroy-aggregate", "destroy-tap"}},
		{StageStartDevice, []string{
			"create-tap", "create-aggregate", "create-ioproc", "start-device",
			"destroy-ioproc", "destroy-aggregate", "destroy-tap",
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.stage.String(), func(t *testing.T) {
			t.Parallel()

			driver := &fakeDriver{failAt: tt.stage}
			lb := NewSystemLoopback(LoopbackConfig{Driver: driver})

			err := lb.Start(context.Background())
			var setupErr *DeviceSetupError
			require.ErrorAs(t, err, &setupErr)
			require.Equal(t, tt.stage, setupErr.Stage)
			require.Equal(t, tt.want, driver.log())
			require.False(t, lb.IsRunning())
			require.NoError(t, lb.Stop())
		})
	}
}

func TestLoopbackRejectsUpsamplingDevice(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{format: audio.Format{SampleRate: 8000, Channels: 2}}
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver})

	err := lb.Start(context.Background())
	require.ErrorIs(t, err, ErrFormatUnavailable)
	require.Equal(t, []string{"create-tap", "create-aggregate", "destroy-aggregate", "destroy-tap"}, driver.log())
}

func TestLoopbackWithoutDriverIsUnsupported(t *testing.T) {
	t.Parallel()

	lb := NewSystemLoopback(LoopbackConfig{})
	err := lb.Start(context.Background())
	require.ErrorIs(t, err, ErrLoopbackUnsupported)
	require.ErrorIs(t, err, ErrDeviceSetupFailed)
}

func TestLoopbackStopReleasesInReverseAndIsIdempotent(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{}
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver})
	require.NoError(t, lb.Stop())

	require.NoError(t, lb.Start(context.Background()))
	require.NoError(t, lb.Start(context.Background()))
	require.True(t, lb.IsRunning())

	require.NoError(t, lb.Stop())
	require.NoError(t, lb.Stop())
	require.False(t, lb.IsRunning())
	require.Equal(t, []string{
		"create-tap", "create-aggregate", "create-ioproc", "start-device",
		"stop-device", "destroy-ioproc", "destroy-aggregate", "destroy-tap",
	}, driver.log())
}

func TestLoopbackStopContinuesPastReleaseErrors(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{stopErr: errors.New("device vanished")}
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver})
	require.NoError(t, lb.Start(context.Background()))

	err := lb.Stop()
	require.ErrorContains(t, err, "device vanished")
	require.Contains(t, driver.log(), "destroy-tap")
	require.False(t, lb.IsRunning())
}

func TestLoopbackDownmixesAndDecimates(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{}
	var got collector
	lb := NewSystemLoopback(LoopbackConfig{Driver: driver, Consumer: got.consume})
	require.NoError(t, lb.Start(context.Background()))
	t.Cleanup(func() { _ = lb.Stop() })

	proc := driver.callback()

	// Six stereo frames at 48 kHz decimate to two mono samples.
	frames := []float32{0.1, 0.3, 0.2, 0.4, 0.9, 0.9, 0.5, 0.7, 0.0, 0.0, 0.0, 0.0}
	proc(frames)

	require.Eventually(t, func() bool { return got.total() == 2 }, time.Second, 5*time.Millisecond)
	got.mu.Lock()
	require.InDeltaSlice(t, []float32{0.2, 0.6}, got.buffers[0], 1e-6)
	got.mu.Unlock()
	require.Greater(t, lb.Level(), float32(0))

	// Four frames leave the stride two samples into the next buffer, so a
	// single following frame yields nothing.
	proc([]float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5})
	require.Eventually(t, func() bool { return got.total() == 4 }, time.Second, 5*time.Millisecond)
	proc([]float32{0.5, 0.5})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 4, got.total())
	require.Eventually(t, func() bool { return lb.Stats().Delivered == 2 }, time.Second, 5*time.Millisecond)
}

func TestLoopbackCallbackNeverBlocks(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	driver := &fakeDriver{}
	lb := NewSystemLoopback(LoopbackConfig{
		Driver:     driver,
		Consumer:   func([]float32) { <-block },
		QueueDepth: 1,
	})
	require.NoError(t, lb.Start(context.Background()))

	proc := driver.callback()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			proc([]float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture callback blocked on a slow consumer")
	}
	require.Positive(t, lb.Stats().Dropped)

	close(block)
	require.NoError(t, lb.Stop())
}
