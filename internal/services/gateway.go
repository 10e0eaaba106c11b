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

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Gateway provides an implementation of the LLM interface for any OpenAI-compatible chat completions
// endpoint, such as an AI gateway or OpenRouter.
type Gateway struct {
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	params       LLMParameters

	client *http.Client

	logger *slog.Logger
}

type gatewayChatRequest struct {
	Model            string               `json:"model"`
	Messages         []models.WireMessage `json:"messages"`
	Stream           bool                 `json:"stream"`
	Temperature      *float32             `json:"temperature,omitempty"`
	TopP             *float32             `json:"top_p,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	PresencePenalty  *float32             `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32             `json:"frequency_penalty,omitempty"`
	Seed             *int                 `json:"seed,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
}

type gatewayStreamingResponse struct {
	Choices []gatewayStreamingChoice `json:"choices"`
}

type gatewayStreamingChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// DefaultGatewayEndpoint is the base URL used when none is configured.
const DefaultGatewayEndpoint = "https://ai.gateway.lovable.dev/v1"

// NewGateway creates a Gateway posting to endpoint + "/chat/completions".
func NewGateway(endpoint, apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Gateway {
	if endpoint == "" {
		endpoint = DefaultGatewayEndpoint
	}
	return Gateway{
		endpoint:     endpoint,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "gateway")),
	}
}

// Chat streams the reply to messages. A non-success answer of the endpoint is yielded as an
// *UpstreamError before any delta.
func (g Gateway) Chat(ctx context.Context, messages []models.WireMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := g.doRequest(ctx, messages)
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

			if ev.Data == "[DONE]" {
				return
			}

			var res gatewayStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				g.logger.Warn("Skipping malformed event",
					slog.String("event", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (g Gateway) doRequest(ctx context.Context, messages []models.WireMessage) (*http.Response, error) {
	reqBody := gatewayChatRequest{
		Model:            g.model,
		Messages:         withSystemPrompt(g.systemPrompt, messages),
		Stream:           true,
		Temperature:      g.params.Temperature,
		TopP:             g.params.TopP,
		Stop:             g.params.Stop,
		PresencePenalty:  g.params.PresencePenalty,
		FrequencyPenalty: g.params.FrequencyPenalty,
		Seed:             g.params.Seed,
		MaxTokens:        g.params.MaxTokens,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/chat/completions",
		bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
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

const errLoggerKey = "err"
