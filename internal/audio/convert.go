package audio

import (
	"errors"
	"math"
)

var ErrPartialFrame = errors.New("buffer does not hold a whole number of frames")

// Downmix averages interleaved frames into mono and appends them to dst.
func Downmix(interleaved []float32, channels int, dst []float32) []float32 {
	if channels <= 1 {
		return append(dst, interleaved...)
	}

	frames := len(interleaved) / channels
	scale := 1 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		dst = append(dst, sum*scale)
	}
	return dst
}

// Converter turns native interleaved float frames into canonical samples.
// It downmixes by channel mean and resamples with linear interpolation,
// carrying phase and the last sample across buffers so chunk boundaries do
// not click.
type Converter struct {
	from Format
	step float64
	pos  float64
	prev float32
	mono []float32
}

func NewConverter(from Format) (*Converter, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	return &Converter{
		from: from,
		step: float64(from.SampleRate) / CanonicalSampleRate,
	}, nil
}

func (c *Converter) From() Format {
	return c.from
}

// Convert returns a freshly allocated canonical buffer; ownership passes to
// the caller.
func (c *Converter) Convert(interleaved []float32) ([]float32, error) {
	if len(interleaved)%c.from.Channels != 0 {
		return nil, ErrPartialFrame
	}
	if len(interleaved) == 0 {
		return nil, nil
	}
	if c.from.IsCanonical() {
		return append([]float32(nil), interleaved...), nil
	}

	c.mono = Downmix(interleaved, c.from.Channels, c.mono[:0])
	if c.from.SampleRate == CanonicalSampleRate {
		out := make([]float32, len(c.mono))
		copy(out, c.mono)
		return out, nil
	}

	mono := c.mono
	last := float64(len(mono) - 1)
	at := func(i int) float32 {
		if i < 0 {
			return c.prev
		}
		return mono[i]
	}

	out := make([]float32, 0, int(float64(len(mono))/c.step)+1)
	for c.pos <= last {
		i := int(math.Floor(c.pos))
		frac := float32(c.pos - float64(i))
		s := at(i)
		if frac > 0 {
			s += frac * (at(i+1) - s)
		}
		out = append(out, s)
		c.pos += c.step
	}

	c.pos -= float64(len(mono))
	c.prev = mono[len(mono)-1]
	return out, nil
}

// Decimator reduces mono samples to the canonical rate by keeping the
// nearest previous sample at a fixed stride. There is no anti-alias filter:
// content above 8 kHz folds back. That is accepted in exchange for a
// constant, tiny per-buffer cost on the loopback I/O thread.
type Decimator struct {
	stride float64
	next   float64
}

func NewDecimator(nativeRate int) (*Decimator, error) {
	if nativeRate < CanonicalSampleRate {
		return nil, ErrUnsupportedFormat
	}
	return &Decimator{stride: float64(nativeRate) / CanonicalSampleRate}, nil
}

// Process appends the decimated samples of mono to dst. A buffer shorter
// than the remaining stride yields nothing.
func (d *Decimator) Process(mono []float32, dst []float32) []float32 {
	n := float64(len(mono))
	for d.next < n {
		dst = append(dst, mono[int(d.next)])
		d.next += d.stride
	}
	d.next -= n
	return dst
}
