package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

type functionError struct {
	Error string `json:"error"`
}

type chatFunctionRequest struct {
	Messages json.RawMessage `json:"messages"`
}

type wireMessageFields struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ipLimiter hands out one token bucket per client address. Buckets idle for longer than idleTTL are
// dropped on a later call.
type ipLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastAccess  map[string]time.Time
	lastCleanup time.Time

	limit rate.Limit
	burst int
	now   func() time.Time
}

const (
	maxFunctionMessages = 50
	maxMessageLength    = 10000

	limiterIdleTTL         = 10 * time.Minute
	limiterCleanupInterval = 5 * time.Minute

	unknownIP = "Unknown"
)

// Messages returned by the chat function.
const (
	errMsgInvalidJSON      = "Invalid JSON body"
	errMsgNotArray         = "Messages must be an array"
	errMsgMessageCount     = "Messages array must contain 1-50 messages"
	errMsgNotObject        = "Each message must be an object"
	errMsgInvalidRole      = "Each message must have a valid role (user, assistant, or system)"
	errMsgContentNotString = "Message content must be a string"
	errMsgContentTooLong   = "Message content must be under 10,000 characters"
	errMsgRateLimited      = "Rate limit exceeded. Please try again later."
	errMsgUsageLimit       = "Usage limit reached. Please upgrade your plan."
	errMsgUnavailable      = "AI service temporarily unavailable"
	errMsgNotConfigured    = "AI service is not configured"
)

// HandleChatFunction serves the streaming chat function. It validates the posted conversation, applies the
// per-client rate limit and streams the upstream reply as OpenAI-style delta frames terminated by
// "data: [DONE]".
//
// Upstream rate limiting and quota rejections that happen before the first token keep their status
// codes; other upstream failures become a 500. Once the first frame has been written, a failure can only
// end the stream, which the client sees as a stream without the terminating frame.
func (m Main) HandleChatFunction(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		writeFunctionError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !m.limiter.allow(remoteIP(r)) {
		m.logger.Warn("Chat function rate limit exceeded", slog.String("ip", remoteIP(r)))
		writeFunctionError(w, http.StatusTooManyRequests, errMsgRateLimited)
		return
	}

	msgs, errMsg := decodeFunctionMessages(r)
	if errMsg != "" {
		writeFunctionError(w, http.StatusBadRequest, errMsg)
		return
	}

	if m.llm == nil {
		m.logger.Error("No LLM provider configured")
		writeFunctionError(w, http.StatusInternalServerError, errMsgNotConfigured)
		return
	}

	next, stop := iter.Pull2(m.llm.Chat(r.Context(), msgs))
	defer stop()

	delta, err, ok := next()
	if err != nil {
		m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		status, msg := upstreamStatus(err)
		writeFunctionError(w, status, msg)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade response", slog.String(errLoggerKey, err.Error()))
		writeFunctionError(w, http.StatusInternalServerError, errMsgUnavailable)
		return
	}

	for ok {
		if err != nil {
			// The client sees a stream without the terminating frame.
			m.logger.Error("Upstream failed mid-stream", slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := sendDelta(sess, delta); err != nil {
			m.logger.Warn("Failed to write delta", slog.String(errLoggerKey, err.Error()))
			return
		}
		delta, err, ok = next()
	}

	done := &sse.Message{}
	done.AppendData(stream.DoneSentinel)
	if err := sess.Send(done); err != nil {
		m.logger.Warn("Failed to write done frame", slog.String(errLoggerKey, err.Error()))
		return
	}
	_ = sess.Flush()
}

func sendDelta(sess *sse.Session, delta string) error {
	payload, err := stream.EncodeDelta(delta)
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// decodeFunctionMessages validates the request body field by field, so every malformed input gets the
// message describing its first problem.
func decodeFunctionMessages(r *http.Request) ([]models.WireMessage, string) {
	var req chatFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errMsgInvalidJSON
	}

	var rawMsgs []json.RawMessage
	if !isJSONKind(req.Messages, '[') || json.Unmarshal(req.Messages, &rawMsgs) != nil {
		return nil, errMsgNotArray
	}
	if len(rawMsgs) == 0 || len(rawMsgs) > maxFunctionMessages {
		return nil, errMsgMessageCount
	}

	msgs := make([]models.WireMessage, len(rawMsgs))
	for i, raw := range rawMsgs {
		var fields wireMessageFields
		if !isJSONKind(raw, '{') || json.Unmarshal(raw, &fields) != nil {
			return nil, errMsgNotObject
		}

		var role string
		if json.Unmarshal(fields.Role, &role) != nil || !models.Role(role).Valid() {
			return nil, errMsgInvalidRole
		}

		var content string
		if !isJSONKind(fields.Content, '"') || json.Unmarshal(fields.Content, &content) != nil {
			return nil, errMsgContentNotString
		}
		if utf16Len(content) > maxMessageLength {
			return nil, errMsgContentTooLong
		}

		msgs[i] = models.WireMessage{Role: role, Content: content}
	}
	return msgs, ""
}

func isJSONKind(raw json.RawMessage, first byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == first
}

// utf16Len counts code units the way browsers measure string length.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func upstreamStatus(err error) (int, string) {
	var upstream *services.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.StatusCode {
		case http.StatusTooManyRequests:
			return http.StatusTooManyRequests, errMsgRateLimited
		case http.StatusPaymentRequired:
			return http.StatusPaymentRequired, errMsgUsageLimit
		}
	}
	return http.StatusInternalServerError, errMsgUnavailable
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

func writeFunctionError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, functionError{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// forwardedIP returns the client address reported by a proxy, or "Unknown".
func forwardedIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return unknownIP
}

// remoteIP is forwardedIP with the peer address as the fallback.
func remoteIP(r *http.Request) string {
	if ip := forwardedIP(r); ip != unknownIP {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		limit:      limit,
		burst:      burst,
		now:        time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	return l.get(ip).Allow()
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > limiterCleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.lastAccess[ip] = now
	return limiter
}

func (l *ipLimiter) cleanup(now time.Time) {
	for ip, last := range l.lastAccess {
		if now.Sub(last) > limiterIdleTTL {
			delete(l.limiters, ip)
			delete(l.lastAccess, ip)
		}
	}
}
