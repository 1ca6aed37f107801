package energy

import (
	"math"
	"testing"

	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

// sine returns n samples of a sine at freq Hz with the given peak amplitude
// in [0, 1], sampled at 8 kHz.
func sine(n int, freq, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/8000))
	}
	return out
}

// square returns n samples alternating between +level and -level.
func square(n int, level int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = level
		} else {
			out[i] = -level
		}
	}
	return out
}

func TestDetect_AllZeroIsSilence(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	res := d.Detect(make([]int16, 320))
	if res.Speech {
		t.Fatal("all-zero frame reported as speech")
	}
	if !math.IsInf(res.AvgDB, -1) || !math.IsInf(res.MaxDB, -1) {
		t.Errorf("levels = (%v, %v), want -Inf", res.AvgDB, res.MaxDB)
	}
	if res.Windows != 2 {
		t.Errorf("windows = %d, want 2", res.Windows)
	}
}

func TestDetect_LoudSineIsSpeech(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	res := d.Detect(sine(160, 440, 0.9))
	if !res.Speech {
		t.Fatalf("loud sine not detected as speech (avg=%.1f max=%.1f)", res.AvgDB, res.MaxDB)
	}
}

func TestDetect_Minus40dBIsNotSpeech(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	// RMS of a ±328 square wave is 328/32768 ≈ 0.01, i.e. -40 dBFS.
	res := d.Detect(square(480, 328))
	if res.Speech {
		t.Fatalf("-40 dB frame reported as speech (avg=%.1f)", res.AvgDB)
	}
	if res.AvgDB > -39 || res.AvgDB < -41 {
		t.Errorf("avg dB = %.2f, want about -40", res.AvgDB)
	}
}

func TestDetect_PartialWindowDiscarded(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	// 159 samples is less than one window: nothing to analyse.
	res := d.Detect(sine(159, 440, 0.9))
	if res.Speech || res.Windows != 0 {
		t.Errorf("got %+v, want silence with 0 windows", res)
	}

	// The loud tail beyond the first window must not count.
	frame := append(make([]int16, 160), sine(100, 440, 0.9)...)
	if res := d.Detect(frame); res.Speech {
		t.Error("trailing partial window influenced the result")
	}
}

func TestDetect_AverageMustClearNoiseFloor(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	// One loud window followed by nine silent ones: max is high, the average
	// falls 20 dB below it.
	frame := append(square(160, 16384), make([]int16, 9*160)...)
	res := d.Detect(frame)
	if res.MaxDB <= -20 {
		t.Fatalf("max dB = %.1f, want above -20", res.MaxDB)
	}
	if res.Speech {
		t.Errorf("single loud window reported as speech (avg=%.1f)", res.AvgDB)
	}
}

func TestDetect_Empty(t *testing.T) {
	t.Parallel()
	d := newTestDetector(t)

	if d.Detect(nil).Speech {
		t.Error("nil frame reported as speech")
	}
}

func TestNewDetector_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewDetector(vad.Config{WindowSamples: 0}); err == nil {
		t.Error("expected error for zero window size")
	}
	cfg := vad.DefaultConfig()
	cfg.NoiseFloorDB = math.NaN()
	if _, err := NewDetector(cfg); err == nil {
		t.Error("expected error for NaN threshold")
	}
}

func TestEngine_NewDetector(t *testing.T) {
	t.Parallel()

	det, err := New().NewDetector(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	if vad.IsSpeech(det, make([]int16, 160)) {
		t.Error("silence reported as speech")
	}
}
