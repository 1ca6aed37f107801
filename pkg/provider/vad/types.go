package vad

import "math"

// Result is the outcome of analysing a single frame.
type Result struct {
	// Speech reports whether the frame contains speech energy.
	Speech bool

	// AvgDB is the mean window RMS in dBFS. Negative infinity for silence or
	// when no full window was available.
	AvgDB float64

	// MaxDB is the loudest window RMS in dBFS.
	MaxDB float64

	// Windows is the number of full windows analysed.
	Windows int
}

// Silence is the Result for a frame that carries no measurable energy.
var Silence = Result{AvgDB: math.Inf(-1), MaxDB: math.Inf(-1)}

// DefaultConfig returns the detector settings used on 8 kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:        8000,
		WindowSamples:     160,
		SpeechThresholdDB: -20,
		NoiseFloorDB:      -20,
	}
}
