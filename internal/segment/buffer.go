// Package segment cuts a channel's canonical sample stream into fixed-length
// windows for transcription.
package segment

import (
	"sync"
	"time"

	"github.com/fmueller/voxmeet/internal/audio"
	"github.com/fmueller/voxmeet/internal/transcript"
)

const DefaultDuration = 5 * time.Second

// Segment is a complete run of canonical samples for one channel. The
// Samples slice is owned by whoever holds the Segment; it is passed along,
// never copied.
type Segment struct {
	Channel transcript.Channel
	Samples []float32
}

func (s Segment) Duration() time.Duration {
	return audio.DurationOf(len(s.Samples))
}

// Buffer accumulates samples for one channel. Append is called by the
// channel's single capture pump; Flush and Reset are called by the session
// after capture has been detached. The mutex only guards the swap-and-reset
// of the accumulator.
type Buffer struct {
	channel   transcript.Channel
	threshold int

	mu  sync.Mutex
	acc []float32
}

func NewBuffer(channel transcript.Channel, duration time.Duration) *Buffer {
	if duration <= 0 {
		duration = DefaultDuration
	}
	threshold := audio.SamplesFor(duration)
	if threshold < 1 {
		threshold = 1
	}
	return &Buffer{
		channel:   channel,
		threshold: threshold,
		acc:       make([]float32, 0, threshold),
	}
}

func (b *Buffer) Channel() transcript.Channel {
	return b.channel
}

func (b *Buffer) Threshold() int {
	return b.threshold
}

// Append adds samples and returns one full segment per threshold boundary
// crossed. Each returned segment holds exactly Threshold samples; the
// remainder stays buffered.
func (b *Buffer) Append(samples []float32) []Segment {
	if len(samples) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Segment
	for len(samples) > 0 {
		room := b.threshold - len(b.acc)
		take := min(room, len(samples))
		b.acc = append(b.acc, samples[:take]...)
		samples = samples[take:]

		if len(b.acc) == b.threshold {
			out = append(out, Segment{Channel: b.channel, Samples: b.acc})
			b.acc = make([]float32, 0, b.threshold)
		}
	}
	return out
}

// Flush hands over whatever is buffered as a short segment. It reports
// false, and emits nothing, when the buffer is empty.
func (b *Buffer) Flush() (Segment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.acc) == 0 {
		return Segment{}, false
	}
	seg := Segment{Channel: b.channel, Samples: b.acc}
	b.acc = make([]float32, 0, b.threshold)
	return seg, true
}

// Reset drops buffered samples without emitting them.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.acc = b.acc[:0]
	b.mu.Unlock()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acc)
}
