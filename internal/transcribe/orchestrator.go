// Package transcribe owns the inference session: it loads the model once,
// turns per-channel segments into transcript entries and keeps every
// in-flight task cancellable.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/segment"
	"github.com/fmueller/voxmeet/internal/transcript"
	"go.uber.org/zap"
)

const DefaultQueueDepth = 4

type Options struct {
	Loader Loader
	Sink   Sink

	// SegmentDuration sets the per-channel window; zero means 5s.
	SegmentDuration time.Duration

	// SilenceMarkers replaces DefaultSilenceMarkers when non-nil.
	SilenceMarkers []string

	// SilenceGate skips inference for segments whose level stays under
	// SilenceDBFS.
	SilenceGate bool
	SilenceDBFS float64

	// QueueDepth bounds how many segments may wait behind the in-flight one
	// on each channel.
	QueueDepth int

	// OnEntry observes every entry after the sink has seen it.
	OnEntry func(transcript.Entry)

	Logger *zap.Logger
	Now    func() time.Time
}

// Orchestrator runs one lane per speaker channel. A lane transcribes its
// segments strictly in order and tracks its own cancel handle, so both
// channels can be in flight at once and each stays cancellable.
type Orchestrator struct {
	loader  Loader
	sink    Sink
	markers markerSet
	gate    bool
	gateDB  float64
	depth   int
	onEntry func(transcript.Entry)
	logger  *zap.Logger
	now     func() time.Time

	buffers map[transcript.Channel]*segment.Buffer

	ctx    context.Context
	stop   context.CancelFunc
	laneWG sync.WaitGroup

	mu         sync.Mutex
	state      State
	reason     string
	lastErr    error
	recognizer Recognizer
	entries    []transcript.Entry
	generation uint64
	lanes      map[transcript.Channel]*lane
	pending    int
	idle       chan struct{}
	closed     bool
}

type lane struct {
	channel transcript.Channel
	queue   chan job
	cancel  context.CancelFunc
}

type job struct {
	seg        segment.Segment
	generation uint64
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	ctx, stop := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		loader:  opts.Loader,
		sink:    opts.Sink,
		markers: newMarkerSet(opts.SilenceMarkers),
		gate:    opts.SilenceGate,
		gateDB:  opts.SilenceDBFS,
		depth:   depth,
		onEntry: opts.OnEntry,
		logger:  logger,
		now:     now,
		buffers: map[transcript.Channel]*segment.Buffer{
			transcript.Local:  segment.NewBuffer(transcript.Local, opts.SegmentDuration),
			transcript.Remote: segment.NewBuffer(transcript.Remote, opts.SegmentDuration),
		},
		ctx:   ctx,
		stop:  stop,
		state: StateIdle,
		lanes: make(map[transcript.Channel]*lane),
		idle:  idle,
	}
}

// LoadModel moves Idle or Failed to LoadingModel and then to Ready or
// Failed. It returns immediately when a model is loaded or a load is
// already running.
func (o *Orchestrator) LoadModel(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return errors.New("orchestrator is closed")
	case o.state == StateLoadingModel, o.state.accepting():
		o.mu.Unlock()
		return nil
	case o.loader == nil:
		o.state, o.reason = StateFailed, "no model loader configured"
		o.mu.Unlock()
		return fmt.Errorf("%w: no model loader configured", ErrModelLoadFailed)
	}
	o.state, o.reason = StateLoadingModel, ""
	o.mu.Unlock()

	started := o.now()
	o.logger.Info("loading speech model")
	rec, err := o.loader.Load(ctx)
	if err == nil && rec == nil {
		err = errors.New("loader returned no recognizer")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.state, o.reason = StateFailed, err.Error()
		o.lastErr = fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
		o.logger.Warn("speech model failed to load", zap.Error(err))
		return o.lastErr
	}
	o.recognizer = rec
	o.state = StateReady
	o.logger.Info("speech model ready", zap.Duration("elapsed", o.now().Sub(started)))
	return nil
}

// Append feeds canonical samples for one channel and submits every segment
// that completes. It is called from the channel's capture pump, so per
// channel segments are submitted in emission order.
func (o *Orchestrator) Append(channel transcript.Channel, samples []float32) {
	buf, ok := o.buffers[channel]
	if !ok {
		return
	}
	for _, seg := range buf.Append(samples) {
		o.Submit(seg)
	}
}

// Flush submits the trailing partial segment of every channel.
func (o *Orchestrator) Flush() {
	for _, channel := range []transcript.Channel{transcript.Local, transcript.Remote} {
		if seg, ok := o.buffers[channel].Flush(); ok {
			o.Submit(seg)
		}
	}
}

// Submit hands a segment to its channel lane. Segments are dropped, with no
// state change, unless a model is loaded and the state is Ready or
// Transcribing; nothing is queued for a model that is still loading.
func (o *Orchestrator) Submit(seg segment.Segment) bool {
	if len(seg.Samples) == 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || !o.state.accepting() || o.recognizer == nil {
		o.logger.Debug("dropping segment; transcription not ready",
			zap.Stringer("channel", seg.Channel), zap.Stringer("state", o.state))
		return false
	}

	l := o.laneLocked(seg.Channel)
	select {
	case l.queue <- job{seg: seg, generation: o.generation}:
	default:
		o.logger.Warn("transcription lane full; dropping segment",
			zap.Stringer("channel", seg.Channel), zap.Duration("audio", seg.Duration()))
		return false
	}

	if o.pending == 0 {
		o.idle = make(chan struct{})
	}
	o.pending++
	o.state = StateTranscribing
	return true
}

// CancelAndClear cancels in-flight and queued work on every lane, discards
// buffered samples, clears the transcript and returns to Ready when a model
// is loaded. Cancelled tasks never contribute an entry.
func (o *Orchestrator) CancelAndClear() {
	for _, buf := range o.buffers {
		buf.Reset()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	for _, l := range o.lanes {
		if l.cancel != nil {
			l.cancel()
		}
	}
	o.entries = nil
	if o.recognizer != nil && !o.closed {
		o.state, o.reason = StateReady, ""
	}
}

// Wait blocks until every accepted segment has been finalized or
// discarded.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels everything and stops the lanes. The orchestrator cannot be
// reused afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	for _, l := range o.lanes {
		close(l.queue)
	}
	o.mu.Unlock()

	o.stop()
	o.laneWG.Wait()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{State: o.state, Reason: o.reason}
}

func (o *Orchestrator) State() State {
	return o.Status().State
}

// LastError is the most recent model-load or inference failure.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Entries returns a snapshot of the transcript in finalization order.
func (o *Orchestrator) Entries() []transcript.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]transcript.Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

func (o *Orchestrator) laneLocked(channel transcript.Channel) *lane {
	if l, ok := o.lanes[channel]; ok {
		return l
	}
	l := &lane{channel: channel, queue: make(chan job, o.depth)}
	o.lanes[channel] = l
	o.laneWG.Add(1)
	go o.runLane(l)
	return l
}

func (o *Orchestrator) runLane(l *lane) {
	defer o.laneWG.Done()
	for j := range l.queue {
		o.process(l, j)
	}
}

func (o *Orchestrator) process(l *lane, j job) {
	o.mu.Lock()
	if j.generation != o.generation {
		o.finishLocked()
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	l.cancel = cancel
	rec := o.recognizer
	o.mu.Unlock()

	text, err, skipped := o.recognize(ctx, rec, j.seg)
	cancelled := ctx.Err() != nil
	cancel()

	o.mu.Lock()
	l.cancel = nil
	var entry *transcript.Entry
	switch {
	case cancelled || j.generation != o.generation:
		o.logger.Debug("discarding cancelled transcription", zap.Stringer("channel", l.channel))
	case err != nil:
		o.lastErr = fmt.Errorf("%w: %v", ErrInferenceFailed, err)
		o.logger.Warn("segment transcription failed",
			zap.Stringer("channel", l.channel), zap.Duration("audio", j.seg.Duration()), zap.Error(err))
	case skipped:
		o.logger.Debug("segment below silence gate; skipped", zap.Stringer("channel", l.channel))
	case !o.markers.meaningful(text):
		o.logger.Debug("discarding non-speech result", zap.Stringer("channel", l.channel), zap.String("text", text))
	default:
		e := transcript.NewEntry(strings.TrimSpace(text), l.channel, o.now())
		o.entries = append(o.entries, e)
		entry = &e
	}
	o.mu.Unlock()

	if entry != nil {
		o.finalize(*entry)
	}

	o.mu.Lock()
	o.finishLocked()
	o.mu.Unlock()
}

// recognize is the result-capturing boundary around the engine: a panic in
// a recognizer becomes an inference error instead of killing the lane.
func (o *Orchestrator) recognize(ctx context.Context, rec Recognizer, seg segment.Segment) (text string, err error, skipped bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recognizer panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("recognizer panic: %v", r)
		}
	}()

	if o.gate {
		if silent, metrics := audio.IsSilentSamples(seg.Samples, o.gateDB); silent {
			o.logger.Debug("silent segment",
				zap.Float64("rms_dbfs", metrics.RMSdBFS), zap.Float64("peak_dbfs", metrics.PeakdBFS))
			return "", nil, true
		}
	}

	text, err = rec.Transcribe(ctx, seg.Samples)
	return text, err, false
}

func (o *Orchestrator) finalize(e transcript.Entry) {
	if o.sink != nil {
		if err := o.sink.Finalize(o.ctx, e); err != nil {
			o.logger.Warn("transcript entry not persisted",
				zap.Error(fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)), zap.Stringer("entry", e.ID))
		}
	}
	if o.onEntry != nil {
		o.onEntry(e)
	}
}

func (o *Orchestrator) finishLocked() {
	o.pending--
	if o.pending > 0 {
		return
	}
	o.pending = 0
	close(o.idle)
	if o.state == StateTranscribing {
		o.state = StateReady
	}
}
