// Package llm defines the chat model capability and its Ollama adapter.
// The model is an opaque collaborator: messages in, text out.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel generates a completion for a conversation.
type ChatModel interface {
	// Chat sends the messages to the model and returns its reply text.
	Chat(ctx context.Context, messages []Message) (string, error)

	// ModelName identifies the underlying model.
	ModelName() string

	// Ping checks that the model service is reachable.
	Ping(ctx context.Context) error
}

// StreamingChatModel is implemented by models that can deliver the reply
// incrementally. Callers fall back to Chat when the model does not stream.
type StreamingChatModel interface {
	ChatModel

	// ChatStream sends the messages to the model, invokes onDelta for each
	// reply fragment as it arrives, and returns the accumulated reply text.
	ChatStream(ctx context.Context, messages []Message, onDelta func(delta string)) (string, error)
}
