package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It
// implements the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	params       LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	// DefaultAnthropicEndpoint is the base URL used when none is configured.
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1"

	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// NewAnthropic creates a new Anthropic instance posting to endpoint + "/messages".
func NewAnthropic(endpoint, apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = DefaultAnthropicEndpoint
	}
	return Anthropic{
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// splitSystem moves system messages out of the conversation, since the Messages API takes the system
// prompt as a separate field.
func splitSystem(systemPrompt string, messages []models.WireMessage) (string, []anthropicMessage) {
	system := []string{}
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == string(models.RoleSystem) {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), msgs
}

// Chat streams responses from the Anthropic API for a given sequence of messages. A non-success answer
// is yielded as an *UpstreamError before any delta.
func (a Anthropic) Chat(ctx context.Context, messages []models.WireMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, messages)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed event",
						slog.String("event", ev.Data),
						slog.String(errLoggerKey, err.Error()))
					continue
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

func (a Anthropic) doRequest(ctx context.Context, messages []models.WireMessage) (*http.Response, error) {
	system, msgs := splitSystem(a.systemPrompt, messages)

	maxTokens := defaultAnthropicMaxTokens
	if a.params.MaxTokens != nil {
		maxTokens = *a.params.MaxTokens
	}

	reqBody := anthropicChatRequest{
		Model:         a.model,
		Messages:      msgs,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		StopSequences: a.params.Stop,
		Stream:        true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages",
		bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, errors.New("empty response body")
	}

	return resp, nil
}
