package audio

import (
	"errors"
	"fmt"
	"time"
)

// Canonical is the single internal representation every capture source
// converges to before samples reach a segment buffer.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

type Format struct {
	SampleRate int
	Channels   int
}

func CanonicalFormat() Format {
	return Format{SampleRate: CanonicalSampleRate, Channels: CanonicalChannels}
}

func (f Format) IsCanonical() bool {
	return f.SampleRate == CanonicalSampleRate && f.Channels == CanonicalChannels
}

func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 384000 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 32 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz/%dch", f.SampleRate, f.Channels)
}

// SamplesFor returns how many canonical samples cover d.
func SamplesFor(d time.Duration) int {
	return int(int64(d) * CanonicalSampleRate / int64(time.Second))
}

// DurationOf is the inverse of SamplesFor.
func DurationOf(samples int) time.Duration {
	return time.Duration(samples) * time.Second / CanonicalSampleRate
}
