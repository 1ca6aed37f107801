package llm

import (
	"errors"
	"strings"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser, or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the user role and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction placed before Messages.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// UserPrompt builds a single-message request from prompt.
func UserPrompt(prompt string) CompletionRequest {
	return CompletionRequest{Messages: []Message{{Role: RoleUser, Content: prompt}}}
}

// Validate reports whether req can be sent.
func (req CompletionRequest) Validate() error {
	if len(req.Messages) == 0 {
		return ErrEmptyRequest
	}
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return nil
		}
	}
	return ErrEmptyRequest
}

// ErrEmptyRequest is returned for a request without any message content.
var ErrEmptyRequest = errors.New("llm: request has no message content")

// ErrNoReply is returned by a provider whose backend answered without any
// usable text, such as an empty message or a refusal. Fallback groups treat
// it like any other backend failure.
var ErrNoReply = errors.New("llm: backend returned no reply text")
