package resilience

import (
	"context"

	"github.com/MrWong99/dialtone/pkg/provider/llm"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

// backendSet is the part shared by the provider wrappers below: breaker
// reporting for readiness probes and the logs.
type backendSet[T any] struct {
	group *FallbackGroup[T]
}

// AddFallback appends a backend after every one registered so far.
func (b backendSet[T]) AddFallback(name string, provider T) {
	b.group.AddFallback(name, provider)
}

// States reports each backend's circuit breaker state.
func (b backendSet[T]) States() map[string]State { return b.group.States() }

// Healthy reports whether at least one backend's breaker admits calls.
func (b backendSet[T]) Healthy() bool { return b.group.Healthy() }

// withContext runs call through the group and reports ctx's own error once
// the caller has given up, rather than the aggregated failover error.
func withContext[T, R any](ctx context.Context, g *FallbackGroup[T], call func(T) (R, error)) (R, error) {
	res, err := ExecuteWithResult(g, func(p T) (R, error) {
		if err := ctx.Err(); err != nil {
			var zero R
			return zero, err
		}
		return call(p)
	})
	if err != nil && ctx.Err() != nil {
		var zero R
		return zero, ctx.Err()
	}
	return res, err
}

// ── LLM ─────────────────────────────────────────────────────────────────────

// LLMFallback is an [llm.Provider] that answers from the first backend whose
// breaker is closed and moves down the list when a backend fails.
type LLMFallback struct {
	backendSet[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{backendSet[llm.Provider]{NewFallbackGroup(primary, primaryName, cfg)}}
}

// Complete implements llm.Provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return withContext(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ── STT ─────────────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that opens recognition sessions on the
// first healthy backend. Only session establishment fails over; a session
// that dies later is replaced by the recognizer's reconnect loop, which calls
// StartStream again and may land on a different backend.
type STTFallback struct {
	backendSet[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{backendSet[stt.Provider]{NewFallbackGroup(primary, primaryName, cfg)}}
}

// StartStream implements stt.Provider.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return withContext(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
