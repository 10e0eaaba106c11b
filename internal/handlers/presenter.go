package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/chat"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/reveal"
	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// ssePresenter reveals assistant replies to web clients. Each reply gets its own reveal loop, and every
// frame is published as a rendered MessageView on the reply's topic.
type ssePresenter struct {
	m Main

	mu      sync.Mutex
	replies map[string]*presentedReply
}

type presentedReply struct {
	loop      *reveal.Loop
	timestamp time.Time
}

// llmStreamer adapts an in-process LLM to chat.Streamer, translating provider failures into the errors
// a remote chat function would have produced.
type llmStreamer struct {
	llm LLM
}

// inflight tracks the replies being streamed, one per transcript, so they can be cancelled by message id.
// It also counts the goroutines running them, so shutdown can wait until none touches storage.
type inflight struct {
	mu        sync.Mutex
	sessions  map[string]*chat.Session
	byMessage map[string]string

	running int
	closing bool
	// idle is closed when running drops to zero after stop.
	idle chan struct{}
}

func (m Main) newPresenter() *ssePresenter {
	return &ssePresenter{
		m:       m,
		replies: make(map[string]*presentedReply),
	}
}

func (p *ssePresenter) Begin(messageID string) {
	reply := &presentedReply{timestamp: p.m.now()}
	anim := reveal.NewAnimator(p.m.pacing)
	reply.loop = reveal.NewLoopWithFrames(anim, p.m.frames, func(s reveal.Snapshot) {
		state := models.StreamingStateStreaming
		if s.Text == "" {
			state = models.StreamingStateLoading
		}
		p.publishView(messageID, s.Text, state, reply.timestamp)
	})

	p.mu.Lock()
	p.replies[messageID] = reply
	p.mu.Unlock()

	p.publishView(messageID, "", models.StreamingStateLoading, reply.timestamp)
	reply.loop.Start(context.Background())
}

func (p *ssePresenter) Update(messageID, content string) {
	if reply := p.reply(messageID); reply != nil {
		reply.loop.SetTarget(content)
	}
}

func (p *ssePresenter) Finish(messageID, content string) {
	reply := p.take(messageID)
	if reply == nil {
		return
	}
	reply.loop.Stop()

	p.publishView(messageID, content, models.StreamingStateEnded, reply.timestamp)
	p.publishClose(messageID)
}

func (p *ssePresenter) Fail(messageID string, err error) {
	if reply := p.take(messageID); reply != nil {
		reply.loop.Stop()
	}

	msg := sse.Message{Type: chatErrorSSEType}
	msg.AppendData(stream.UserMessage(err))
	if err := p.m.sseSrv.Publish(&msg, messageIDTopic(messageID)); err != nil {
		p.m.logger.Error("Failed to publish chat error",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
	p.publishClose(messageID)
}

func (p *ssePresenter) reply(messageID string) *presentedReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.replies[messageID]
}

func (p *ssePresenter) take(messageID string) *presentedReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	reply := p.replies[messageID]
	delete(p.replies, messageID)
	return reply
}

func (p *ssePresenter) publishView(messageID, content, state string, timestamp time.Time) {
	view := models.MessageView{
		ID:             messageID,
		Role:           string(models.RoleAssistant),
		Content:        content,
		Timestamp:      timestamp,
		StreamingState: state,
	}
	if content != "" {
		html, err := p.m.renderer.render(content)
		if err != nil {
			p.m.logger.Error("Failed to render message",
				slog.String("messageID", messageID),
				slog.String(errLoggerKey, err.Error()))
		}
		view.HTML = html
	}

	data, err := json.Marshal(view)
	if err != nil {
		p.m.logger.Error("Failed to marshal message view",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(string(data))
	if err := p.m.sseSrv.Publish(&msg, messageIDTopic(messageID)); err != nil {
		p.m.logger.Error("Failed to publish message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (p *ssePresenter) publishClose(messageID string) {
	e := &sse.Message{Type: closeMessageSSEType}
	e.AppendData("bye")
	_ = p.m.sseSrv.Publish(e, messageIDTopic(messageID))
}

func (s llmStreamer) Stream(ctx context.Context, messages []models.WireMessage, cb stream.Callbacks) error {
	seq := func(yield func(string, error) bool) {
		if s.llm == nil {
			yield("", &stream.StatusError{StatusCode: http.StatusInternalServerError, Message: errMsgNotConfigured})
			return
		}
		for delta, err := range s.llm.Chat(ctx, messages) {
			if err != nil {
				yield("", streamError(ctx, err))
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
		// Some providers end quietly when the request is cancelled.
		if ctx.Err() != nil {
			yield("", &stream.TransportError{Err: ctx.Err()})
		}
	}
	return stream.Consume(seq, cb)
}

func streamError(ctx context.Context, err error) error {
	var upstream *services.UpstreamError
	switch {
	case ctx.Err() != nil:
		return &stream.TransportError{Err: ctx.Err()}
	case errors.As(err, &upstream):
		switch upstream.StatusCode {
		case http.StatusTooManyRequests:
			return stream.ErrRateLimited
		case http.StatusPaymentRequired:
			return stream.ErrUsageLimit
		}
		return &stream.StatusError{StatusCode: upstream.StatusCode}
	}
	return &stream.TransportError{Err: err}
}

func newInflight() *inflight {
	return &inflight{
		sessions:  make(map[string]*chat.Session),
		byMessage: make(map[string]string),
	}
}

// claim reserves key for s. It fails while another reply of the same transcript is in flight.
func (f *inflight) claim(key string, s *chat.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[key]; ok {
		return false
	}
	f.sessions[key] = s
	return true
}

func (f *inflight) track(key, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.byMessage[messageID] = key
}

func (f *inflight) release(key, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sessions, key)
	if messageID != "" {
		delete(f.byMessage, messageID)
	}
}

// cancel aborts the reply streaming into messageID and reports whether there was one.
func (f *inflight) cancel(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.byMessage[messageID]
	if !ok {
		return false
	}
	f.sessions[key].Cancel()
	return true
}

// start counts a reply goroutine. It fails once stop has been called.
func (f *inflight) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closing {
		return false
	}
	f.running++
	return true
}

func (f *inflight) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.running--
	if f.running == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

// stop refuses new replies, cancels the streaming ones and waits until their goroutines returned.
func (f *inflight) stop(ctx context.Context) error {
	f.mu.Lock()
	f.closing = true
	for _, s := range f.sessions {
		s.Cancel()
	}
	if f.running == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
