package audio

import "math"

// meterGain maps typical speech RMS (around 0.05-0.1) into the upper half
// of the meter.
const meterGain = 10

func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level is the UI meter value for a buffer, always in [0,1].
func Level(samples []float32) float32 {
	v := RMS(samples) * meterGain
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return float32(v)
}
