package stream

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned before any delta is produced.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrUsageLimit  = errors.New("usage limit reached")
	ErrNoBody      = errors.New("no response body")
)

// User-facing messages, one per failure class.
const (
	MessageRateLimited = "Rate limit exceeded. Please wait a moment and try again."
	MessageUsageLimit  = "Usage limit reached. Please upgrade your plan."
	MessageNoBody      = "No response body"
	MessageTransport   = "Connection error. Please try again."
	MessageCancelled   = "Request cancelled."
	MessageStatus      = "Failed to get response"
	MessageBadBody     = "Request failed"
)

// StatusError is a non-2xx response that is neither rate limiting nor a quota rejection. Message holds
// the error string from the JSON body, if there was one.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}

// TransportError wraps a failure of the request or of reading the response body.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage maps an error returned by this package to the single message shown to the user.
func UserMessage(err error) string {
	var statusErr *StatusError
	var transportErr *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return MessageRateLimited
	case errors.Is(err, ErrUsageLimit):
		return MessageUsageLimit
	case errors.Is(err, ErrNoBody):
		return MessageNoBody
	case errors.As(err, &statusErr):
		if statusErr.Message == "" {
			return MessageStatus
		}
		return statusErr.Message
	case errors.As(err, &transportErr):
		if errors.Is(err, context.Canceled) {
			return MessageCancelled
		}
		return MessageTransport
	}
	return MessageTransport
}
