package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string
	options      map[string]any

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name.
func NewOllama(host, model, systemPrompt string, params LLMParameters) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		options:      ollamaOptions(params),
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Yielding stops the
// request as soon as the consumer breaks out of the iteration.
func (o Ollama) Chat(ctx context.Context, messages []models.WireMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		wire := withSystemPrompt(o.systemPrompt, messages)
		msgs := make([]api.Message, len(wire))
		for i, m := range wire {
			msgs[i] = api.Message{
				Role:    m.Role,
				Content: m.Content,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err == nil || stopped {
			return
		}

		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			yield("", &UpstreamError{StatusCode: statusErr.StatusCode, Body: statusErr.ErrorMessage})
			return
		}
		yield("", fmt.Errorf("error sending request: %w", err))
	}
}

func ollamaOptions(params LLMParameters) map[string]any {
	opts := make(map[string]any)
	if params.Temperature != nil {
		opts["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		opts["top_p"] = *params.TopP
	}
	if params.Stop != nil {
		opts["stop"] = params.Stop
	}
	if params.PresencePenalty != nil {
		opts["presence_penalty"] = *params.PresencePenalty
	}
	if params.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *params.FrequencyPenalty
	}
	if params.Seed != nil {
		opts["seed"] = *params.Seed
	}
	if params.MaxTokens != nil {
		opts["num_predict"] = *params.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
