package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/capture"
	"github.com/fmueller/voxmeet/internal/config"
	"github.com/fmueller/voxmeet/internal/store"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStream plays a fixed buffer of canonical float32 audio and then
// blocks like an idle device until closed.
type fakeStream struct {
	data   *bytes.Reader
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(samples int) *fakeStream {
	raw := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		v := float32(0.4 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &fakeStream{data: bytes.NewReader(raw), closed: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.data.Len() > 0 {
		return s.data.Read(p)
	}
	<-s.closed
	return 0, io.EOF
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1}
}

type echoRecognizer struct {
	text string
	seen chan struct{}
	once sync.Once
}

func (r *echoRecognizer) Transcribe(_ context.Context, _ []float32) (string, error) {
	r.once.Do(func() { close(r.seen) })
	return r.text, nil
}

type liveHarness struct {
	app    *appState
	out    *bytes.Buffer
	errOut *bytes.Buffer
	dbPath string
	rec    *echoRecognizer
}

func newLiveHarness(t *testing.T) *liveHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "meetings.db")
	cfg.Capture.Loopback = false
	cfg.Transcription.SegmentDuration = 500 * time.Millisecond
	cfg.Transcription.SilenceGate = false

	rec := &echoRecognizer{text: "hello from the mic", seen: make(chan struct{})}
	out := new(bytes.Buffer)
	errOut := new(bytes.Buffer)
	app := &appState{
		cfg:        cfg,
		noProgress: true,
		now:        time.Now,
		in:         strings.NewReader(""),
		out:        out,
		errOut:     errOut,
		openMicFn: func(context.Context) (capture.Stream, error) {
			return newFakeStream(8000), nil
		},
		authorizer: capture.AuthorizerFunc(func(context.Context) (bool, error) { return true, nil }),
		loaderFn: func() transcribe.Loader {
			return transcribe.LoaderFunc(func(context.Context) (transcribe.Recognizer, error) {
				return rec, nil
			})
		},
	}
	app.waitStopFn = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-rec.seen:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("no segment was transcribed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &liveHarness{app: app, out: out, errOut: errOut, dbPath: cfg.Database, rec: rec}
}

func (h *liveHarness) meetings(t *testing.T) ([]store.Meeting, *store.Store) {
	t.Helper()

	db, err := store.Open(h.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	meetings, err := db.ListMeetings(context.Background(), 0)
	require.NoError(t, err)
	return meetings, db
}

func TestRunLiveSavesMeeting(t *testing.T) {
	t.Parallel()

	h := newLiveHarness(t)
	err := h.app.runLive(context.Background(), liveOptions{title: "Weekly sync"})
	require.NoError(t, err)
	require.Contains(t, h.errOut.String(), "Saved meeting")

	require.Contains(t, h.out.String(), "Me: hello from the mic")

	meetings, db := h.meetings(t)
	require.Len(t, meetings, 1)
	require.Equal(t, "Weekly sync", meetings[0].Title)
	require.False(t, meetings[0].EndedAt.IsZero())

	entries, err := db.Entries(context.Background(), meetings[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "hello from the mic", entries[0].Text)
	require.Equal(t, transcript.Local, entries[0].Channel)
}

// stallingRecognizer answers the first segment and blocks on every later
// one until its context is cancelled.
type stallingRecognizer struct {
	calls   atomic.Int32
	stalled chan struct{}
}

func (r *stallingRecognizer) Transcribe(ctx context.Context, _ []float32) (string, error) {
	if r.calls.Add(1) == 1 {
		return "first words", nil
	}
	if r.calls.Load() == 2 {
		close(r.stalled)
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunLiveCountsSavedEntriesAfterDrainTimeout(t *testing.T) {
	t.Parallel()

	h := newLiveHarness(t)
	rec := &stallingRecognizer{stalled: make(chan struct{})}
	// Three segments, so one can be lost to the model load and still leave
	// a second to stall on.
	h.app.openMicFn = func(context.Context) (capture.Stream, error) {
		return newFakeStream(24000), nil
	}
	h.app.loaderFn = func() transcribe.Loader {
		return transcribe.LoaderFunc(func(context.Context) (transcribe.Recognizer, error) {
			return rec, nil
		})
	}
	h.app.drainTimeout = -1
	h.app.waitStopFn = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-rec.stalled:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("second segment never started")
		}
	}

	require.NoError(t, h.app.runLive(context.Background(), liveOptions{}))
	require.Contains(t, h.errOut.String(), "(1 entries)")

	meetings, db := h.meetings(t)
	require.Len(t, meetings, 1)
	entries, err := db.Entries(context.Background(), meetings[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "first words", entries[0].Text)
}

func TestRunLiveModelLoadFailureRemovesMeeting(t *testing.T) {
	t.Parallel()

	h := newLiveHarness(t)
	h.app.loaderFn = func() transcribe.Loader {
		return transcribe.LoaderFunc(func(context.Context) (transcribe.Recognizer, error) {
			return nil, errors.New("model file is corrupt")
		})
	}

	err := h.app.runLive(context.Background(), liveOptions{})
	require.ErrorIs(t, err, transcribe.ErrModelLoadFailed)
	require.Contains(t, err.Error(), "model file is corrupt")

	meetings, _ := h.meetings(t)
	require.Empty(t, meetings)
}

func TestRunLivePermissionDeniedRemovesMeeting(t *testing.T) {
	t.Parallel()

	h := newLiveHarness(t)
	h.app.authorizer = capture.AuthorizerFunc(func(context.Context) (bool, error) { return false, nil })

	err := h.app.runLive(context.Background(), liveOptions{})
	require.ErrorIs(t, err, capture.ErrPermissionDenied)

	meetings, _ := h.meetings(t)
	require.Empty(t, meetings)
}

func TestRunLiveContinuesWithoutSystemAudio(t *testing.T) {
	t.Parallel()

	h := newLiveHarness(t)
	h.app.cfg.Capture.Loopback = true
	h.app.loopbackDriverFn = func(*zap.Logger) (capture.LoopbackDriver, error) {
		return brokenDriver{}, nil
	}

	err := h.app.runLive(context.Background(), liveOptions{})
	require.NoError(t, err)

	meetings, _ := h.meetings(t)
	require.Len(t, meetings, 1)
}

func TestRunLiveRequiresTTYForInteractiveStop(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	h := newLiveHarness(t)
	h.app.in = f

	err = h.app.runLive(context.Background(), liveOptions{})
	require.ErrorIs(t, err, ErrInteractiveRequiresTTY)

	err = h.app.runLive(context.Background(), liveOptions{duration: time.Second})
	require.NoError(t, err)
}

func TestWaitForStopReturnsAfterDuration(t *testing.T) {
	t.Parallel()

	app := &appState{noProgress: true, in: strings.NewReader("")}
	started := time.Now()
	require.NoError(t, app.waitForStop(context.Background(), 50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestWaitForStopHonorsCancellation(t *testing.T) {
	t.Parallel()

	app := &appState{noProgress: true, in: strings.NewReader("")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, app.waitForStop(ctx, time.Hour), context.Canceled)
}

func TestWaitForEnterReturnsOnNewlineOrEOF(t *testing.T) {
	t.Parallel()

	out := new(bytes.Buffer)
	require.NoError(t, WaitForEnter(strings.NewReader("\n"), out, "press Enter"))
	require.Equal(t, "press Enter\n", out.String())
	require.NoError(t, WaitForEnter(strings.NewReader(""), io.Discard, ""))
}

func TestShortID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0123abcd", shortID("0123abcd-0000-0000-0000-000000000000"))
	require.Equal(t, "abc", shortID(" abc "))
}

// brokenDriver fails at the first setup stage.
type brokenDriver struct{}

func (brokenDriver) Name() string { return "broken" }

func (brokenDriver) CreateTap(context.Context) (capture.Handle, error) {
	return "", errors.New("no default sink")
}

func (brokenDriver) DestroyTap(capture.Handle) error { return nil }

func (brokenDriver) CreateAggregateDevice(context.Context, capture.Handle) (capture.Handle, audio.Format, error) {
	return "", audio.Format{}, errors.New("unreachable")
}

func (brokenDriver) DestroyAggregateDevice(capture.Handle) error { return nil }

func (brokenDriver) CreateIOProc(capture.Handle, capture.IOProc) (capture.Handle, error) {
	return "", errors.New("unreachable")
}

func (brokenDriver) DestroyIOProc(capture.Handle, capture.Handle) error { return nil }

func (brokenDriver) StartDevice(context.Context, capture.Handle, capture.Handle) error {
	return errors.New("unreachable")
}

func (brokenDriver) StopDevice(capture.Handle, capture.Handle) error { return nil }
