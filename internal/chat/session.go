package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/google/uuid"
)

// Streamer sends a conversation to the chat function and reports the reply through cb.
type Streamer interface {
	Stream(ctx context.Context, messages []models.WireMessage, cb stream.Callbacks) error
}

// Presenter shows an assistant reply while it streams. Begin is called once, Update for every delta in
// stream order, then exactly one of Finish or Fail.
type Presenter interface {
	Begin(messageID string)
	Update(messageID, content string)
	Finish(messageID, content string)
	Fail(messageID string, err error)
}

// limitedStore is implemented by stores that cap the number of prompts.
type limitedStore interface {
	LimitReached() bool
	Remaining() int
}

// conversationStore is implemented by stores that need a conversation before the first message.
type conversationStore interface {
	ConversationID() string
	Start(ctx context.Context, title string) (models.Conversation, error)
}

// GuestWarningThreshold is the number of remaining guest prompts at or below which the client warns.
const GuestWarningThreshold = 3

// documentTitleFallback titles a conversation started with attachments only.
const documentTitleFallback = "Document Analysis"

var (
	// ErrBusy is returned when a send is attempted while another one is streaming.
	ErrBusy = errors.New("a response is still streaming")
	// ErrEmptyPrompt is returned when neither text nor files were given.
	ErrEmptyPrompt = errors.New("nothing to send")
)

// DocumentError is returned when attachments were the whole prompt and none of them yielded text.
type DocumentError struct {
	Results []document.Result
}

func (e *DocumentError) Error() string {
	reasons := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if !r.Success {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.FileName, r.Err))
		}
	}
	return "failed to process uploaded files: " + strings.Join(reasons, "; ")
}

// Session sends prompts of one transcript and reconciles the streamed reply with the store and the
// presenter. Only one send may be in flight at a time.
type Session struct {
	store     transcript.Store
	streamer  Streamer
	extractor document.Extractor
	presenter Presenter

	newID func() string
	now   func() time.Time

	mu        sync.Mutex
	busy      bool
	cancel    context.CancelFunc
	cancelled bool

	logger *slog.Logger
}

// Turn is a prompt that has been recorded in the transcript and whose reply has not been streamed yet.
type Turn struct {
	UserMessage  models.ChatMessage
	AssistantID  string
	Conversation *models.Conversation
	Documents    []document.Result
	// Remaining is the number of guest prompts left after this one, or -1 when unlimited.
	Remaining int

	session *Session
	history []models.WireMessage
	ran     bool
}

// NewSession creates a Session over store. A nil presenter is allowed.
func NewSession(
	store transcript.Store,
	streamer Streamer,
	extractor document.Extractor,
	presenter Presenter,
	logger *slog.Logger,
) *Session {
	if presenter == nil {
		presenter = nopPresenter{}
	}
	return &Session{
		store:     store,
		streamer:  streamer,
		extractor: extractor,
		presenter: presenter,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "chat")),
	}
}

// Send records the prompt and streams the reply, returning the finalized assistant message.
func (s *Session) Send(ctx context.Context, content string, files []document.File) (models.ChatMessage, error) {
	turn, err := s.Begin(ctx, content, files)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return turn.Run(ctx)
}

// Begin validates the prompt, extracts attachments, appends the user message and the empty assistant
// placeholder, and returns the Turn that streams the reply. The session stays busy until Turn.Run
// returns, so Run must always be called after a successful Begin.
func (s *Session) Begin(ctx context.Context, content string, files []document.File) (*Turn, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	turn, err := s.begin(ctx, content, files)
	if err != nil {
		s.release()
		return nil, err
	}
	return turn, nil
}

// Busy reports whether a reply is being prepared or streamed.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.busy
}

// Cancel aborts the reply being streamed, if any. The turn then fails with a transport error and its
// placeholder is removed. A turn that has begun but not started running is aborted as soon as it runs.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		return
	}
	if s.busy {
		s.cancelled = true
	}
}

func (s *Session) begin(ctx context.Context, content string, files []document.File) (*Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(files) == 0 {
		return nil, ErrEmptyPrompt
	}

	if ls, ok := s.store.(limitedStore); ok && ls.LimitReached() {
		return nil, transcript.ErrGuestLimit
	}

	finalContent := content
	var results []document.Result
	if len(files) > 0 {
		var extracted string
		extracted, results, _ = s.extractor.ExtractAll(files)
		if extracted == "" && content == "" {
			return nil, &DocumentError{Results: results}
		}
		finalContent = document.BuildPrompt(content, extracted)
	}

	previous, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcript: %w", err)
	}
	history := append(models.WireMessages(previous), models.WireMessage{
		Role:    string(models.RoleUser),
		Content: finalContent,
	})

	turn := &Turn{
		session:   s,
		history:   history,
		Documents: results,
		Remaining: -1,
	}

	if cs, ok := s.store.(conversationStore); ok && cs.ConversationID() == "" {
		title := content
		if title == "" {
			title = documentTitleFallback
		}
		conv, err := cs.Start(ctx, transcript.SmartTitle(title))
		if err != nil {
			return nil, err
		}
		turn.Conversation = &conv
	}

	turn.UserMessage = models.ChatMessage{
		ID:        s.newID(),
		Role:      models.RoleUser,
		Content:   document.DisplayContent(content, len(files)),
		Timestamp: s.now(),
	}
	if err := s.store.Append(ctx, turn.UserMessage); err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	turn.AssistantID = s.newID()
	placeholder := models.ChatMessage{
		ID:        turn.AssistantID,
		Role:      models.RoleAssistant,
		Timestamp: s.now(),
	}
	if err := s.store.Append(ctx, placeholder); err != nil {
		if rerr := s.store.Retract(context.WithoutCancel(ctx), turn.UserMessage.ID); rerr != nil {
			s.logger.Error("Failed to retract user message",
				slog.String("messageID", turn.UserMessage.ID),
				slog.String(errLoggerKey, rerr.Error()))
		}
		return nil, fmt.Errorf("failed to append assistant message: %w", err)
	}

	if ls, ok := s.store.(limitedStore); ok {
		turn.Remaining = ls.Remaining()
	}

	s.presenter.Begin(turn.AssistantID)
	return turn, nil
}

// Run streams the reply of the turn. On success the placeholder is finalized with the full reply; on
// failure it is removed and the error is returned. Run may be called only once.
func (t *Turn) Run(ctx context.Context) (models.ChatMessage, error) {
	s := t.session
	if t.ran {
		return models.ChatMessage{}, errors.New("turn already ran")
	}
	t.ran = true
	defer s.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
	s.mu.Unlock()

	id := t.AssistantID
	var content strings.Builder
	var reply models.ChatMessage

	err := s.streamer.Stream(ctx, t.history, stream.Callbacks{
		OnDelta: func(delta string) {
			content.WriteString(delta)
			current := content.String()
			if err := s.store.UpdateContent(ctx, id, current); err != nil {
				s.logger.Warn("Failed to update message content",
					slog.String("messageID", id),
					slog.String(errLoggerKey, err.Error()))
			}
			s.presenter.Update(id, current)
		},
		OnDone: func() {
			final := content.String()
			if err := s.store.Finalize(context.WithoutCancel(ctx), id); err != nil {
				s.logger.Error("Failed to finalize message",
					slog.String("messageID", id),
					slog.String(errLoggerKey, err.Error()))
			}
			reply = models.ChatMessage{ID: id, Role: models.RoleAssistant, Content: final, Timestamp: s.now()}
			s.presenter.Finish(id, final)
		},
		OnError: func(err error) {
			if rmErr := s.store.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
				s.logger.Error("Failed to remove message",
					slog.String("messageID", id),
					slog.String(errLoggerKey, rmErr.Error()))
			}
			s.logger.Error("Failed to stream reply",
				slog.String("messageID", id),
				slog.String(errLoggerKey, err.Error()))
			s.presenter.Fail(id, err)
		},
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return reply, nil
}

// ShouldWarn reports whether the guest should be told how many prompts are left.
func (t *Turn) ShouldWarn() bool {
	return t.Remaining >= 0 && t.Remaining <= GuestWarningThreshold
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.busy = false
	s.cancel = nil
	s.cancelled = false
}

type nopPresenter struct{}

func (nopPresenter) Begin(string) {}

func (nopPresenter) Update(string, string) {}

func (nopPresenter) Finish(string, string) {}

func (nopPresenter) Fail(string, error) {}

const errLoggerKey = "err"
