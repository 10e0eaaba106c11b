package stream

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
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Client requests completions from the chat function and decodes the returned event stream.
type Client struct {
	endpoint string
	apiKey   string

	client *http.Client

	logger *slog.Logger
}

// Callbacks receive the outcome of one stream. OnDelta is called for every delta in stream order, then
// exactly one of OnDone or OnError is called. Nil callbacks are skipped.
type Callbacks struct {
	OnDelta func(delta string)
	OnDone  func()
	OnError func(err error)
}

type chatRequest struct {
	Messages []models.WireMessage `json:"messages"`
}

type errorBody struct {
	Error string `json:"error"`
}

const readBufferSize = 4096

// NewClient creates a Client posting to endpoint. apiKey, when not empty, is sent as a bearer token.
func NewClient(endpoint, apiKey string, httpClient *http.Client, logger *slog.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   httpClient,
		logger:   logger.With(slog.String("module", "stream-client")),
	}
}

// Stream sends messages and drives cb until the stream finishes. The returned error is the one passed to
// OnError, or nil when OnDone was called.
func (c Client) Stream(ctx context.Context, messages []models.WireMessage, cb Callbacks) error {
	return Consume(c.Deltas(ctx, messages), cb)
}

// Deltas sends messages and returns an iterator over the text deltas of the response. The iterator
// yields at most one error, as its last element.
func (c Client) Deltas(ctx context.Context, messages []models.WireMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.doRequest(ctx, messages)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		parser := NewParser(c.logger)
		body := transform.NewReader(resp.Body, unicode.UTF8.NewDecoder())
		buf := make([]byte, readBufferSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, f := range parser.Feed(buf[:n]) {
					if f.Done {
						return
					}
					if !yield(f.Delta, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				c.logger.Error("Failed to read stream", slog.String(errLoggerKey, err.Error()))
				yield("", &TransportError{Err: err})
				return
			}
		}

		for _, f := range parser.Flush() {
			if f.Done {
				return
			}
			if !yield(f.Delta, nil) {
				return
			}
		}
	}
}

// Consume drains seq into cb, guaranteeing a single terminal callback.
func Consume(seq iter.Seq2[string, error], cb Callbacks) error {
	for delta, err := range seq {
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return err
		}
		if cb.OnDelta != nil {
			cb.OnDelta(delta)
		}
	}
	if cb.OnDone != nil {
		cb.OnDone()
	}
	return nil
}

func (c Client) doRequest(ctx context.Context, messages []models.WireMessage) (*http.Response, error) {
	jsonBody, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoBody
	}

	return resp, nil
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrUsageLimit
	}

	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: MessageBadBody}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}

const errLoggerKey = "err"
