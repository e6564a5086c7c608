// Package model provides the model-override whitelist and LLM provider
// adapters.
package model

import "context"

// ChatModel is the minimal chat-completion contract a provider adapter
// implements. Actors run their own inference; the engine only needs a
// client when a deployment binds models directly (pilot tooling, smoke
// tests).
type ChatModel interface {
	// Chat sends the conversation to the provider and returns the
	// response text. Respects context cancellation.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is a single turn in a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a provider response.
type ChatOut struct {
	Text string
}
