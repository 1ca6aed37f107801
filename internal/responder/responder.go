// Package responder turns a completed caller utterance into the text the
// call speaks back.
//
// A [Responder] wraps an [llm.Provider] (usually a resilience.LLMFallback)
// with the sales-assistant prompt, a per-reply deadline, and a fixed
// fallback text. Reply never fails: any provider error, timeout, or empty
// answer yields the fallback so the caller always hears something.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/pkg/provider/llm"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultTimeout  = 15 * time.Second
	DefaultMaxChars = 2000

	DefaultPrompt = "You are a helpful AI sales assistant. Provide clear, professional, and helpful responses. " +
		"Keep your answers brief and concise and informative. Focus on the most important information only."

	DefaultFallbackText = "I'm sorry, I encountered an error processing your request."
)

// Reply statuses, used as the "status" metric attribute.
const (
	StatusOK       = "ok"
	StatusFallback = "fallback"
)

// Config holds the responder settings.
type Config struct {
	// Provider generates the answer. Required.
	Provider llm.Provider

	// ProviderName labels provider metrics. Default: "llm".
	ProviderName string

	// Prompt is the instruction placed ahead of the caller's question.
	Prompt string

	// FallbackText is spoken when no answer could be produced.
	FallbackText string

	// Timeout bounds a single reply.
	Timeout time.Duration

	// MaxChars caps the reply length in characters. Longer answers are cut
	// at the last word boundary that fits.
	MaxChars int

	// MaxTokens is passed through to the provider. Zero means provider default.
	MaxTokens int

	// Metrics records reply outcomes. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is used for provider failures. Default: slog.Default().
	Logger *slog.Logger
}

// Reply is the outcome of one reply cycle.
type Reply struct {
	// Text is what the call should speak. Never empty.
	Text string

	// Fallback is true when Text is the fallback text.
	Fallback bool

	// Err is the provider failure that caused a fallback, if any.
	Err error

	// Latency is the time spent producing Text.
	Latency time.Duration
}

// Responder produces spoken replies. It is safe for concurrent use.
type Responder struct {
	cfg Config
}

// New creates a Responder, filling zero-valued fields with defaults.
func New(cfg Config) (*Responder, error) {
	if cfg.Provider == nil {
		return nil, errors.New("responder: provider must not be nil")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}
	if strings.TrimSpace(cfg.FallbackText) == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{cfg: cfg}, nil
}

// FallbackText returns the text spoken when a reply fails.
func (r *Responder) FallbackText() string {
	return r.cfg.FallbackText
}

// Prompt renders the full prompt for transcript.
func (r *Responder) Prompt(transcript string) string {
	return r.cfg.Prompt +
		"\n\nUser's question: " + strings.TrimSpace(transcript) +
		"\n\nGive a short, helpful answer that directly addresses their question."
}

// Reply asks the provider to answer transcript. It returns the fallback text
// instead of an error when the provider fails, times out, or answers with
// nothing.
func (r *Responder) Reply(ctx context.Context, transcript string) Reply {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "responder.reply")
	defer span.End()
	span.SetAttributes(attribute.Int("transcript.chars", len([]rune(transcript))))

	text, err := r.complete(ctx, transcript)
	out := Reply{Text: text, Latency: time.Since(start)}
	if err != nil {
		out = Reply{Text: r.cfg.FallbackText, Fallback: true, Err: err, Latency: time.Since(start)}
		r.cfg.Metrics.RecordProviderError(ctx, r.cfg.ProviderName, "llm")
		r.cfg.Logger.Warn("reply failed, using fallback",
			"provider", r.cfg.ProviderName,
			"err", err,
			"latency", out.Latency,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback")
	}

	status := StatusOK
	if out.Fallback {
		status = StatusFallback
	}
	r.cfg.Metrics.RecordProviderRequest(ctx, r.cfg.ProviderName, "llm", status)
	r.cfg.Metrics.RecordReply(ctx, status, out.Latency)
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("reply.chars", len([]rune(out.Text))),
	)
	return out
}

var errEmptyAnswer = errors.New("responder: provider returned an empty answer")

func (r *Responder) complete(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", errors.New("responder: empty transcript")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req := llm.UserPrompt(r.Prompt(transcript))
	req.MaxTokens = r.cfg.MaxTokens
	resp, err := r.cfg.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errEmptyAnswer
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errEmptyAnswer
	}
	return Truncate(text, r.cfg.MaxChars), nil
}

// Truncate cuts text to at most maxChars characters, preferring the last
// space inside the limit so words stay whole.
func Truncate(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := runes[:maxChars]
	for i := len(cut) - 1; i > maxChars/2; i-- {
		if cut[i] == ' ' {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut))
}
