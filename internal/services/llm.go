package services

import (
	"fmt"

	"github.com/MegaGrindStone/askai-chat/internal/models"
)

// LLMParameters are the optional sampling parameters shared by the providers. Nil fields are left to
// the provider's default.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        *int     `yaml:"maxTokens"`
}

// UpstreamError is returned by a provider when the model service answers with a non-success status,
// so callers can tell rate limiting and quota exhaustion apart from other failures.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// withSystemPrompt returns messages preceded by the system prompt, when one is configured.
func withSystemPrompt(systemPrompt string, messages []models.WireMessage) []models.WireMessage {
	if systemPrompt == "" {
		return messages
	}
	msgs := make([]models.WireMessage, 0, len(messages)+1)
	msgs = append(msgs, models.WireMessage{Role: string(models.RoleSystem), Content: systemPrompt})
	return append(msgs, messages...)
}
