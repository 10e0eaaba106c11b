package handlers

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/chat"
	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/reveal"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.WireMessage) iter.Seq2[string, error]
}

// AlertSender delivers notification emails.
type AlertSender interface {
	Configured() bool
	Send(ctx context.Context, subject, message string) error
}

// Locator resolves an approximate location of an IP address.
type Locator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Main handles the core functionality of the chat application: the chat and auth-alert functions, the
// conversation API, and the server-sent events that carry the revealed replies to web clients.
type Main struct {
	sseSrv   *sse.Server
	renderer markdownRenderer

	llm       LLM
	streamer  chat.Streamer
	repo      transcript.Repository
	guests    transcript.SessionBackend
	extractor document.Extractor
	alerts    AlertSender
	locator   Locator

	limiter  *ipLimiter
	inflight *inflight
	pacing   reveal.Pacing
	frames   reveal.FrameFunc
	now      func() time.Time

	logger *slog.Logger
}

// Option customizes a Main.
type Option func(*Main)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	chatErrorSSEType    = sse.Type("chatError")
	closeMessageSSEType = sse.Type("closeMessage")
)

const (
	guestCookieName = "askai_guest_session"
	userHeader      = "X-Auth-User"

	maxUploadBytes = 20 << 20

	errLoggerKey = "err"
)

// WithStreamer makes the conversation API send prompts through s instead of calling the LLM in
// process, such as a stream.Client pointed at a remote chat function.
func WithStreamer(s chat.Streamer) Option {
	return func(m *Main) {
		m.streamer = s
	}
}

// WithAlerts enables the auth-alert function.
func WithAlerts(sender AlertSender, locator Locator) Option {
	return func(m *Main) {
		m.alerts = sender
		m.locator = locator
	}
}

// WithRateLimit sets the per-client request rate of the chat function.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(m *Main) {
		m.limiter = newIPLimiter(r, burst)
	}
}

// WithPacing sets the reveal pacing of streamed replies.
func WithPacing(p reveal.Pacing) Option {
	return func(m *Main) {
		m.pacing = p
	}
}

// WithFrames sets the frame source of the reveal loops.
func WithFrames(f reveal.FrameFunc) Option {
	return func(m *Main) {
		m.frames = f
	}
}

// NewMain creates a new Main instance with the provided LLM, repository and guest session backend. It
// initializes the SSE server: every client joins the default topic, an authenticated client joins the
// topic of its conversation list, and a client asking for a message joins that message's topic. A client
// joining a message's topic late is first sent the latest state of that reply.
func NewMain(
	llm LLM,
	repo transcript.Repository,
	guests transcript.SessionBackend,
	logger *slog.Logger,
	opts ...Option,
) Main {
	m := Main{
		renderer:  newMarkdownRenderer(),
		llm:       llm,
		repo:      repo,
		guests:    guests,
		extractor: document.NewExtractor(logger),
		limiter:   newIPLimiter(rate.Every(time.Second), 10),
		inflight:  newInflight(),
		pacing:    reveal.DefaultPacing(),
		frames:    reveal.Ticker(reveal.FrameInterval),
		now:       time.Now,
		logger:    logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.streamer == nil {
		m.streamer = llmStreamer{llm: llm}
	}

	m.sseSrv = &sse.Server{
		Provider: &sse.Joe{Replayer: newReplyReplayer(replyReplayTTL, m.now)},
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic}

			if userID := s.Req.Header.Get(userHeader); userID != "" {
				topics = append(topics, chatsTopic(userID))
			}

			messageID := s.Req.URL.Query().Get("message_id")
			if messageID != "" {
				topics = append(topics, messageIDTopic(messageID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	return m
}

const messageTopicPrefix = "message-"

func messageIDTopic(messageID string) string {
	return messageTopicPrefix + messageID
}

func chatsTopic(userID string) string {
	return fmt.Sprintf("chats-%s", userID)
}

// HandleSSE serves the server-sent event stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It cancels replies still streaming and
// waits for them to return, so storage can be closed afterwards. Then it broadcasts a close message to
// all connected clients and waits for connections to terminate. The whole shutdown is bounded by 5
// seconds; after that, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	if err := m.inflight.stop(ctx); err != nil {
		m.logger.Warn("Replies still running at shutdown", slog.String(errLoggerKey, err.Error()))
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// Event streams need a data field, even on a close event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	return m.sseSrv.Shutdown(ctx)
}
