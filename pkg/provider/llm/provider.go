// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., Gemini, OpenAI, or a
// local Ollama instance) and exposes a single request/response completion call
// so the responder can turn a caller's utterance into a spoken reply without
// coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
//
// Complete must propagate context cancellation promptly: when ctx is cancelled
// the method must return as quickly as possible with ctx's error.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails, the model returns no candidates,
	// or ctx is cancelled before the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
