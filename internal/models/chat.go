package models

import "time"

// Conversation is a durable chat thread owned by an authenticated user. UpdatedAt moves forward every
// time a message is persisted into it, and drives the date grouping of the conversation list.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage represents an individual entry of a transcript. Content is append-only while the message
// is streaming and immutable once finalized.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredMessage is a message as it is kept by a durable repository.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// WireMessage is the {role, content} pair sent to the chat function.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the language model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message. It is accepted by the chat function but never stored
	// in a transcript.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the roles accepted on the wire.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessage converts a stored row into its transcript form.
func (s StoredMessage) ChatMessage() ChatMessage {
	return ChatMessage{
		ID:        s.ID,
		Role:      s.Role,
		Content:   s.Content,
		Timestamp: s.CreatedAt,
	}
}

// WireMessages converts a transcript into the request history of the chat function. Messages with empty
// content are skipped, since a removed or never-filled placeholder carries nothing for the model.
func WireMessages(msgs []ChatMessage) []WireMessage {
	res := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		res = append(res, WireMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return res
}
