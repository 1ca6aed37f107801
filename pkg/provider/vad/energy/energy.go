// Package energy provides an RMS-energy VAD engine. It needs no model and no
// external service, which suits 8 kHz telephony where the only question is
// whether the caller is loud enough to be talking over playback.
//
// Algorithm, per frame:
//
//  1. Normalise samples to [-1, 1] by dividing by 32768.
//  2. Split into fixed windows; drop a trailing partial window.
//  3. Compute RMS per window, then the mean and maximum across windows.
//  4. Convert both to dBFS (20·log10).
//  5. Report speech iff max > SpeechThresholdDB and mean > NoiseFloorDB.
package energy

import (
	"errors"
	"math"

	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Engine implements vad.Engine.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewDetector implements vad.Engine.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	return NewDetector(cfg)
}

// Detector implements vad.Detector. It holds no per-frame state and is safe
// for concurrent use.
type Detector struct {
	cfg vad.Config
}

var _ vad.Detector = (*Detector)(nil)

// NewDetector validates cfg and returns a Detector.
func NewDetector(cfg vad.Config) (*Detector, error) {
	if cfg.WindowSamples <= 0 {
		return nil, errors.New("energy: window size must be positive")
	}
	if math.IsNaN(cfg.SpeechThresholdDB) || math.IsNaN(cfg.NoiseFloorDB) {
		return nil, errors.New("energy: thresholds must be numbers")
	}
	return &Detector{cfg: cfg}, nil
}

// Detect implements vad.Detector.
func (d *Detector) Detect(samples []int16) vad.Result {
	n := d.cfg.WindowSamples
	windows := len(samples) / n
	if windows == 0 {
		return vad.Silence
	}

	var sum, peak float64
	for w := range windows {
		rms := windowRMS(samples[w*n : (w+1)*n])
		sum += rms
		peak = max(peak, rms)
	}
	avg := sum / float64(windows)

	res := vad.Result{
		AvgDB:   toDB(avg),
		MaxDB:   toDB(peak),
		Windows: windows,
	}
	// Comparisons against -Inf are false, so digital silence never counts as
	// speech. NaN cannot arise: avg and peak are finite and non-negative.
	res.Speech = res.MaxDB > d.cfg.SpeechThresholdDB && res.AvgDB > d.cfg.NoiseFloorDB
	return res
}

// windowRMS returns the RMS of w after normalisation to [-1, 1].
func windowRMS(w []int16) float64 {
	var sq float64
	for _, s := range w {
		f := float64(s) / 32768.0
		sq += f * f
	}
	return math.Sqrt(sq / float64(len(w)))
}

// toDB converts a linear amplitude to dBFS. Zero maps to negative infinity.
func toDB(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}
