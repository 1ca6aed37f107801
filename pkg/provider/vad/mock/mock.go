// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to script classifications and inspect the frames that were
// submitted.
//
// Example:
//
//	det := &mock.Detector{Results: []vad.Result{{Speech: true}}}
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"

	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// NewDetectorCall records a single invocation of Engine.NewDetector.
type NewDetectorCall struct {
	// Cfg is the Config passed to NewDetector.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a new default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every call to NewDetector in order.
	NewDetectorCalls []NewDetectorCall
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, NewDetectorCall{Cfg: cfg})
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Detector is a mock implementation of vad.Detector.
//
// Results are returned in order; once exhausted, Default is returned for every
// further call. SpeechFunc, when set, takes precedence over both.
type Detector struct {
	mu sync.Mutex

	// Results is a queue of scripted results.
	Results []vad.Result

	// Default is returned when Results is empty.
	Default vad.Result

	// SpeechFunc, if non-nil, decides the classification from the frame.
	SpeechFunc func(samples []int16) bool

	// Frames records a copy of every frame passed to Detect.
	Frames [][]int16
}

// Detect records the frame and returns the next scripted result.
func (d *Detector) Detect(samples []int16) vad.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	d.Frames = append(d.Frames, cp)

	if d.SpeechFunc != nil {
		return vad.Result{Speech: d.SpeechFunc(samples)}
	}
	if len(d.Results) > 0 {
		r := d.Results[0]
		d.Results = d.Results[1:]
		return r
	}
	return d.Default
}

// CallCount returns the number of Detect calls. Thread-safe.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}

var _ vad.Detector = (*Detector)(nil)
