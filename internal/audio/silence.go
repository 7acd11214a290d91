package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Silent applies the gate: RMS at or below threshold and peak no more than
// 6 dB above it.
func (m SilenceMetrics) Silent(thresholdDBFS float64) bool {
	if m.Samples == 0 {
		return true
	}
	if math.IsInf(m.RMSdBFS, -1) && math.IsInf(m.PeakdBFS, -1) {
		return true
	}
	return m.RMSdBFS <= thresholdDBFS && m.PeakdBFS <= thresholdDBFS+6
}

// MeasureSamples computes gate metrics for canonical float samples.
func MeasureSamples(samples []float32) SilenceMetrics {
	var acc meter
	for _, s := range samples {
		acc.add(float64(s))
	}
	return acc.metrics()
}

func IsSilentSamples(samples []float32, thresholdDBFS float64) (bool, SilenceMetrics) {
	metrics := MeasureSamples(samples)
	return metrics.Silent(thresholdDBFS), metrics
}

func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := measureWAV(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}
	return metrics.Silent(thresholdDBFS), metrics, nil
}

type meter struct {
	peak       float64
	sumSquares float64
	count      int64
}

func (m *meter) add(v float64) {
	if abs := math.Abs(v); abs > m.peak {
		m.peak = abs
	}
	m.sumSquares += v * v
	m.count++
}

func (m *meter) metrics() SilenceMetrics {
	if m.count == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(math.Sqrt(m.sumSquares / float64(m.count))),
		PeakdBFS: amplitudeToDBFS(m.peak),
		Samples:  m.count,
	}
}

type wavLayout struct {
	audioFormat   uint16
	bitsPerSample uint16
	dataOffset    int64
	dataSize      uint32
}

func measureWAV(path string) (SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	layout, err := readWAVLayout(f)
	if err != nil {
		return SilenceMetrics{}, err
	}

	if _, err := f.Seek(layout.dataOffset, io.SeekStart); err != nil {
		return SilenceMetrics{}, fmt.Errorf("seek wav data offset: %w", err)
	}

	data := make([]byte, layout.dataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return SilenceMetrics{}, fmt.Errorf("read wav data: %w", err)
	}

	width := int(layout.bitsPerSample / 8)
	var acc meter
	for i := 0; i+width <= len(data); i += width {
		v, err := decodeSample(data[i:i+width], layout.audioFormat, layout.bitsPerSample)
		if err != nil {
			return SilenceMetrics{}, err
		}
		acc.add(v)
	}
	return acc.metrics(), nil
}

func readWAVLayout(f io.ReadSeeker) (wavLayout, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wavLayout{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return wavLayout{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavLayout{}, ErrInvalidWAV
	}

	var layout wavLayout
	var hasFmt, hasData bool
	chunkHeader := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return wavLayout{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		id := string(chunkHeader[:4])
		size := binary.LittleEndian.Uint32(chunkHeader[4:8])
		start, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return wavLayout{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		padded := int64(size) + int64(size%2)
		switch id {
		case "fmt ":
			if size < 16 {
				return wavLayout{}, ErrInvalidWAV
			}
			buf := make([]byte, 16)
			if _, err := io.ReadFull(f, buf); err != nil {
				return wavLayout{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			layout.audioFormat = binary.LittleEndian.Uint16(buf[0:2])
			layout.bitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true
		case "data":
			layout.dataOffset = start
			layout.dataSize = size
			hasData = true
		}

		if _, err := f.Seek(start+padded, io.SeekStart); err != nil {
			return wavLayout{}, fmt.Errorf("seek past wav chunk %q: %w", id, err)
		}
	}

	if !hasFmt || !hasData {
		return wavLayout{}, ErrInvalidWAV
	}
	if err := validateFormat(layout.audioFormat, layout.bitsPerSample); err != nil {
		return wavLayout{}, err
	}
	return layout, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case wavFormatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case wavFormatFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == wavFormatFloat {
		switch bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		}
		return 0, ErrUnsupportedWAV
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	}
	return 0, ErrUnsupportedWAV
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
