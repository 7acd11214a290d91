package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/capture"
	"github.com/fmueller/voxmeet/internal/session"
	"github.com/fmueller/voxmeet/internal/transcribe"
	"github.com/fmueller/voxmeet/internal/transcript"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var ErrInteractiveRequiresTTY = errors.New("interactive stop requires a TTY on stdin; use --duration")

type liveOptions struct {
	duration time.Duration
	title    string
}

func bindLiveFlags(flags flagSet, opts *liveOptions) {
	flags.DurationVar(&opts.duration, "duration", 0, "Stop after this long, e.g. 30m; 0 means stop on Enter")
	flags.StringVar(&opts.title, "title", "", "Meeting title")
}

func newLiveCmd(app *appState) *cobra.Command {
	opts := &liveOptions{}

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Transcribe a meeting live and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runLive(cmd.Context(), *opts)
		},
	}

	bindCaptureFlags(cmd.Flags(), app)
	bindTranscriptionFlags(cmd.Flags(), app)
	bindLiveFlags(cmd.Flags(), opts)
	return cmd
}

func (a *appState) runLive(ctx context.Context, opts liveOptions) error {
	if opts.duration <= 0 && !interactiveInput(a.in) {
		return ErrInteractiveRequiresTTY
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	started := a.now()
	meeting, err := db.CreateMeeting(ctx, opts.title, a.cfg.Model, started)
	if err != nil {
		return err
	}
	logger := a.log().With(zap.String("meeting", meeting.ID.String()))

	printer := &entryPrinter{out: a.outWriter(), start: started}
	orch := transcribe.New(transcribe.Options{
		Loader:          a.loaderFn(),
		Sink:            db.Sink(meeting.ID),
		SegmentDuration: a.cfg.Transcription.SegmentDuration,
		SilenceMarkers:  a.cfg.Transcription.SilenceMarkers,
		SilenceGate:     a.cfg.Transcription.SilenceGate,
		SilenceDBFS:     a.cfg.Transcription.SilenceThresholdDBFS,
		QueueDepth:      a.cfg.Transcription.QueueDepth,
		OnEntry:         printer.print,
		Logger:          logger,
		Now:             a.now,
	})
	defer orch.Close()

	authorizer := a.authorizer
	if authorizer == nil {
		authorizer = capture.ProbeAuthorizer{Open: a.openMicFn}
	}
	mic := capture.NewMicrophone(capture.MicrophoneConfig{
		Open:       a.openMicFn,
		Authorizer: authorizer,
		Logger:     logger,
	})

	sess := session.New(session.Config{
		Transcriber:  orch,
		Microphone:   mic,
		Loopback:     a.systemLoopback(logger),
		DrainTimeout: a.drainTimeout,
		Logger:       logger,
	})

	if err := sess.Start(ctx); err != nil {
		_ = db.DeleteMeeting(context.WithoutCancel(ctx), meeting.ID)
		if errors.Is(err, capture.ErrPermissionDenied) {
			return fmt.Errorf("%w: no audio arrived from the microphone; check the input device and system privacy settings", err)
		}
		return err
	}

	stopSpinner := startSpinner(a.progressEnabled(), "Loading speech model")
	select {
	case <-sess.ModelLoaded():
	case <-ctx.Done():
	}
	stopSpinner()

	if err := sess.LoadError(); err != nil {
		_ = sess.Stop(ctx)
		_ = db.DeleteMeeting(context.WithoutCancel(ctx), meeting.ID)
		return err
	}

	if degraded := sess.Degraded(); degraded != nil && a.cfg.Capture.Loopback {
		fmt.Fprintln(a.errWriter(), "System audio is unavailable; only your microphone is transcribed.")
	}
	logger.Info("listening", zap.String("title", meeting.Title))

	waitErr := a.waitStopFn(ctx, opts.duration)

	stopCtx := context.WithoutCancel(ctx)
	stopErr := sess.Stop(stopCtx)
	if err := db.FinishMeeting(stopCtx, meeting.ID, a.now()); err != nil {
		stopErr = errors.Join(stopErr, err)
	}

	// The in-memory transcript is cleared when the drain times out, but
	// everything the sink finalized is already in the database.
	saved := len(sess.Entries())
	if stored, err := db.Entries(stopCtx, meeting.ID); err == nil {
		saved = len(stored)
	} else {
		logger.Warn("count saved entries", zap.Error(err))
	}
	fmt.Fprintf(a.errWriter(), "Saved meeting %s (%d entries). Export with: voxmeet export %s\n",
		shortID(meeting.ID.String()), saved, shortID(meeting.ID.String()))

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return errors.Join(waitErr, stopErr)
	}
	return stopErr
}

func (a *appState) systemLoopback(logger *zap.Logger) session.Source {
	if !a.cfg.Capture.Loopback || a.loopbackDriverFn == nil {
		return nil
	}
	driver, err := a.loopbackDriverFn(logger)
	if err != nil {
		logger.Warn("system audio capture not supported here", zap.Error(err))
		return nil
	}
	return capture.NewSystemLoopback(capture.LoopbackConfig{Driver: driver, Logger: logger})
}

// waitForStop returns after duration, on Enter, or when ctx ends.
func (a *appState) waitForStop(ctx context.Context, duration time.Duration) error {
	if duration > 0 {
		stop := startDurationProgress(a.progressEnabled(), "Listening", duration)
		defer stop()

		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	entered := make(chan error, 1)
	go func() {
		entered <- WaitForEnter(a.in, a.errWriter(), "Listening... press Enter to stop.")
	}()
	select {
	case err := <-entered:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interactiveInput is false only for an *os.File that is not a terminal;
// other readers are what tests feed in.
func interactiveInput(in io.Reader) bool {
	f, ok := in.(*os.File)
	return !ok || term.IsTerminal(int(f.Fd()))
}

func WaitForEnter(in io.Reader, out io.Writer, message string) error {
	if !interactiveInput(in) {
		return ErrInteractiveRequiresTTY
	}

	if message != "" {
		if _, err := fmt.Fprintln(out, message); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(in)
	_, err := reader.ReadString('\n')
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// entryPrinter serializes entries from both lanes onto one writer.
type entryPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
}

func (p *entryPrinter) print(e transcript.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, transcript.Line(e, p.start))
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
