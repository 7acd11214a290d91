package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// WritePCM16WAV encodes mono float samples as 16-bit PCM, clipping to
// [-1,1]. whisper.cpp only reads integer PCM input.
func WritePCM16WAV(w io.Writer, samples []float32, sampleRate int) error {
	const bytesPerSample = 2
	dataSize := uint32(len(samples) * bytesPerSample)

	bw := bufio.NewWriter(w)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(wavFormatPCM),
		uint16(1),
		uint32(sampleRate),
		uint32(sampleRate * bytesPerSample),
		uint16(bytesPerSample),
		uint16(16),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(bw, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}

	var buf [bytesPerSample]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf[:], uint16(toPCM16(s)))
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("write wav data: %w", err)
		}
	}
	return bw.Flush()
}

func WritePCM16WAVFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := WritePCM16WAV(f, samples, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func toPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// DecodeFloat32LE appends little-endian float32 samples from raw to dst.
// Trailing bytes that do not form a whole sample are ignored.
func DecodeFloat32LE(raw []byte, dst []float32) []float32 {
	for i := 0; i+4 <= len(raw); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:i+4])))
	}
	return dst
}
