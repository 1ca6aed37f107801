// Package pacing decides when buffered caller audio is forwarded to the
// recognizer.
//
// A [Policy] accumulates linear PCM and flushes it when either trigger fires:
//
//   - size: the buffered audio spans at least [Config.MinDuration].
//   - time: at least [Config.MaxInterval] has passed since the last flush.
//
// Buffers smaller than [Config.MinBytes] are never flushed by Append, whichever
// trigger fires. [Policy.Drain] ignores the floor and is used at call teardown.
//
// A Policy is owned by one call's event loop and is not safe for concurrent
// use.
package pacing

import (
	"errors"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
)

// Config holds the pacing thresholds.
type Config struct {
	// SampleRate of the buffered audio in Hz. Default: 8000.
	SampleRate int

	// MinDuration is the buffered duration that triggers a flush. Default: 50 ms.
	MinDuration time.Duration

	// MaxInterval is the time since the last flush that triggers a flush.
	// Default: 1 s.
	MaxInterval time.Duration

	// MinBytes is the floor below which Append never flushes. Default: 400.
	MinBytes int
}

// DefaultConfig returns the thresholds used for 8 kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:  audio.TelephonySampleRate,
		MinDuration: 50 * time.Millisecond,
		MaxInterval: time.Second,
		MinBytes:    400,
	}
}

// Validate reports unusable thresholds.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("pacing: sample rate must be positive"))
	}
	if c.MinDuration <= 0 {
		errs = append(errs, errors.New("pacing: min duration must be positive"))
	}
	if c.MaxInterval <= 0 {
		errs = append(errs, errors.New("pacing: max interval must be positive"))
	}
	if c.MinBytes < 0 {
		errs = append(errs, errors.New("pacing: min bytes must not be negative"))
	}
	return errors.Join(errs...)
}

// Policy buffers audio and applies the flush triggers.
type Policy struct {
	cfg       Config
	buf       []byte
	lastFlush time.Time
}

// New returns a Policy whose flush clock starts at now. Zero fields in cfg are
// replaced with [DefaultConfig] values.
func New(cfg Config, now time.Time) *Policy {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MinBytes < 0 {
		cfg.MinBytes = 0
	}
	return &Policy{cfg: cfg, lastFlush: now}
}

// Append adds pcm to the buffer and reports whether it should be flushed now.
// On flush the returned slice holds the whole buffer, the buffer is emptied
// and the flush clock restarts at now. The returned slice is owned by the
// caller.
func (p *Policy) Append(pcm []byte, now time.Time) ([]byte, bool) {
	p.buf = append(p.buf, pcm...)
	if !p.ShouldFlush(now) {
		return nil, false
	}
	return p.take(now), true
}

// ShouldFlush reports whether the current buffer meets a trigger at now.
func (p *Policy) ShouldFlush(now time.Time) bool {
	if len(p.buf) == 0 || len(p.buf) < p.cfg.MinBytes {
		return false
	}
	if p.Duration() >= p.cfg.MinDuration {
		return true
	}
	return now.Sub(p.lastFlush) >= p.cfg.MaxInterval
}

// Drain returns whatever is buffered, regardless of triggers and floor, and
// empties the buffer. Returns nil when nothing is buffered.
func (p *Policy) Drain(now time.Time) []byte {
	if len(p.buf) == 0 {
		return nil
	}
	return p.take(now)
}

// Reset discards buffered audio without flushing it.
func (p *Policy) Reset(now time.Time) {
	p.buf = p.buf[:0]
	p.lastFlush = now
}

// Len returns the number of buffered bytes.
func (p *Policy) Len() int { return len(p.buf) }

// Duration returns the playback duration of the buffered audio.
func (p *Policy) Duration() time.Duration {
	return audio.PCMDuration(len(p.buf)/audio.BytesPerSample, p.cfg.SampleRate)
}

// Config returns the thresholds in effect.
func (p *Policy) Config() Config { return p.cfg }

func (p *Policy) take(now time.Time) []byte {
	out := p.buf
	p.buf = nil
	p.lastFlush = now
	return out
}
