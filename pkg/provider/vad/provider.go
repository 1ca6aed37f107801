// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine produces per-call Detectors. A Detector classifies one decoded
// telephony frame as speech or non-speech and is used by the call bridge to
// notice a caller talking over the bot's own playback (barge-in).
//
// Detection is synchronous and never fails: degenerate input (empty frames,
// digital silence) is reported as "no speech".
//
// Engines must be safe for concurrent use. A Detector belongs to one call and
// need not be shared between goroutines.
package vad

// Config holds the parameters for a Detector. Thresholds are in dBFS, where
// 0 dB is a full-scale signal.
type Config struct {
	// SampleRate is the rate of the samples passed to Detect, in Hz.
	SampleRate int

	// WindowSamples is the number of samples per analysis window. A trailing
	// partial window is discarded. Typical: 160 (20 ms at 8 kHz).
	WindowSamples int

	// SpeechThresholdDB is the level the loudest window must exceed.
	SpeechThresholdDB float64

	// NoiseFloorDB is the level the average window must exceed.
	NoiseFloorDB float64
}

// Detector classifies frames of linear 16-bit samples.
type Detector interface {
	// Detect analyses one frame and returns the classification together with
	// the measured levels.
	Detect(samples []int16) Result
}

// Engine is the factory for Detectors. It is the top-level interface
// implemented by each VAD backend.
type Engine interface {
	// NewDetector creates a Detector for cfg. Returns an error if cfg is
	// unusable (e.g. non-positive window size).
	NewDetector(cfg Config) (Detector, error)
}

// IsSpeech is a convenience wrapper that reports only the classification.
func IsSpeech(d Detector, samples []int16) bool {
	return d.Detect(samples).Speech
}
