// Package capture owns the live audio inputs. Each source converts its
// native frames to canonical samples on the capture side and hands them to a
// consumer goroutine through a bounded, non-blocking queue.
package capture

import (
	"errors"
	"math"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrFormatUnavailable = errors.New("no conversion to canonical format")
)

const DefaultQueueDepth = 64

// Consumer receives canonical samples and owns the slice it is given. It is
// called from the source's pump goroutine, never from the capture side.
type Consumer func(samples []float32)

type Stats struct {
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

// pump is the hand-off between a capture callback and its consumer. The
// capture side only ever calls guard and offer, neither of which blocks.
type pump struct {
	name     string
	queue    chan []float32
	consumer Consumer
	logger   *zap.Logger
	done     chan struct{}
	started  bool

	active    atomic.Bool
	level     atomic.Uint32
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func newPump(name string, depth int, consumer Consumer, logger *zap.Logger) *pump {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if consumer == nil {
		consumer = func([]float32) {}
	}
	return &pump{
		name:     name,
		queue:    make(chan []float32, depth),
		consumer: consumer,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (p *pump) start() {
	p.started = true
	p.active.Store(true)
	go p.drain()
}

// guard runs one capture callback. A panic inside it costs one buffer.
func (p *pump) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Debug("capture callback panicked; buffer dropped",
				zap.String("source", p.name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

func (p *pump) offer(samples []float32) {
	if len(samples) == 0 || !p.active.Load() {
		return
	}
	select {
	case p.queue <- samples:
	default:
		p.dropped.Add(1)
	}
}

func (p *pump) fail() {
	p.failed.Add(1)
}

func (p *pump) setLevel(v float32) {
	p.level.Store(math.Float32bits(v))
}

func (p *pump) levelValue() float32 {
	return math.Float32frombits(p.level.Load())
}

func (p *pump) drain() {
	defer close(p.done)
	for samples := range p.queue {
		if !p.active.Load() {
			continue
		}
		p.deliver(samples)
	}
}

func (p *pump) deliver(samples []float32) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("sample consumer panicked", zap.String("source", p.name), zap.Any("panic", r))
		}
	}()
	p.consumer(samples)
	p.delivered.Add(1)
}

// detach stops delivery immediately; queued buffers are discarded.
func (p *pump) detach() {
	p.active.Store(false)
	p.setLevel(0)
}

// close must only be called once the capture side can no longer call offer.
func (p *pump) close() {
	p.detach()
	close(p.queue)
	if p.started {
		<-p.done
	}
}

func (p *pump) stats() Stats {
	return Stats{
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
