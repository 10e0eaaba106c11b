package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/askai-chat/internal/models"
)

// Repository persists conversations and their messages for authenticated users.
type Repository interface {
	CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteAllConversations(ctx context.Context, userID string) error

	// PersistMessage stores a message and moves the conversation's UpdatedAt forward.
	PersistMessage(ctx context.Context, conversationID string, role models.Role, content string) (models.StoredMessage, error)
	// FetchMessages returns the messages of a conversation, oldest first.
	FetchMessages(ctx context.Context, conversationID string) ([]models.StoredMessage, error)
	// DeleteMessage removes one stored message of a conversation.
	DeleteMessage(ctx context.Context, conversationID, id string) error
}

// Durable is the transcript of an authenticated user, reconciled with a Repository. User messages are
// persisted on Append and assistant messages on Finalize; a removed placeholder is never persisted.
type Durable struct {
	mu sync.Mutex

	userID         string
	conversationID string
	list           messageList
	// persisted maps the ids of messages appended here to their stored ids.
	persisted map[string]string

	repo   Repository
	logger *slog.Logger
}

// NewDurable creates an empty transcript for userID with no conversation selected.
func NewDurable(repo Repository, userID string, logger *slog.Logger) *Durable {
	return &Durable{
		userID:    userID,
		list:      newMessageList(nil),
		persisted: make(map[string]string),
		repo:      repo,
		logger: logger.With(slog.String("module", "durable-transcript")),
	}
}

// UserID returns the owner of the transcript.
func (d *Durable) UserID() string {
	return d.userID
}

// ConversationID returns the selected conversation, or an empty string.
func (d *Durable) ConversationID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conversationID
}

// Select loads the messages of conversationID and makes it the target of later appends. An empty id
// clears the transcript for a new chat.
func (d *Durable) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.conversationID = ""
		d.list = newMessageList(nil)
		clear(d.persisted)
		return nil
	}

	conv, err := d.repo.Conversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.UserID != d.userID {
		return ErrNotFound
	}

	stored, err := d.repo.FetchMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	msgs := make([]models.ChatMessage, len(stored))
	for i, m := range stored {
		msgs[i] = m.ChatMessage()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversationID = conversationID
	d.list = newMessageList(msgs)
	clear(d.persisted)
	return nil
}

// Start creates a conversation titled title and selects it.
func (d *Durable) Start(ctx context.Context, title string) (models.Conversation, error) {
	conv, err := d.repo.CreateConversation(ctx, d.userID, title)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversationID = conv.ID
	d.list = newMessageList(nil)
	clear(d.persisted)
	return conv, nil
}

// Append adds msg to the transcript. A user message is persisted right away.
func (d *Durable) Append(ctx context.Context, msg models.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conversationID == "" {
		return ErrNoConversation
	}
	if err := d.list.append(msg); err != nil {
		return err
	}
	if msg.Role != models.RoleUser {
		return nil
	}
	stored, err := d.repo.PersistMessage(ctx, d.conversationID, msg.Role, msg.Content)
	if err != nil {
		d.list.pop()
		return fmt.Errorf("failed to persist message: %w", err)
	}
	d.persisted[msg.ID] = stored.ID
	return nil
}

// UpdateContent replaces the content of a streaming message.
func (d *Durable) UpdateContent(_ context.Context, id, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.list.update(id, content)
}

// Finalize closes a streaming message and persists it, unless it is empty.
func (d *Durable) Finalize(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, err := d.list.finalize(id)
	if err != nil {
		return err
	}
	if msg.Content == "" {
		d.logger.Debug("Skipping empty assistant message", slog.String("messageID", id))
		return nil
	}
	stored, err := d.repo.PersistMessage(ctx, d.conversationID, msg.Role, msg.Content)
	if err != nil {
		d.logger.Error("Failed to persist message",
			slog.String("conversationID", d.conversationID),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to persist message: %w", err)
	}
	d.persisted[id] = stored.ID
	return nil
}

// Remove drops a streaming message without persisting it.
func (d *Durable) Remove(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.list.remove(id)
}

// Retract takes back a message and deletes its stored copy, if it was persisted.
func (d *Durable) Retract(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.list.retract(id); err != nil {
		return err
	}
	storedID, ok := d.persisted[id]
	if !ok {
		return nil
	}
	delete(d.persisted, id)
	if err := d.repo.DeleteMessage(ctx, d.conversationID, storedID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// List returns the transcript in conversation order.
func (d *Durable) List(context.Context) ([]models.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.list.list(), nil
}

// ImportGuest saves a guest transcript into a new conversation of userID.
func ImportGuest(ctx context.Context, repo Repository, userID string, msgs []models.ChatMessage) (models.Conversation, error) {
	if len(msgs) == 0 {
		return models.Conversation{}, nil
	}
	conv, err := repo.CreateConversation(ctx, userID, GuestImportTitle)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if _, err := repo.PersistMessage(ctx, conv.ID, m.Role, m.Content); err != nil {
			return conv, fmt.Errorf("failed to persist message: %w", err)
		}
	}
	return conv, nil
}

// GuestImportTitle is the title of a conversation created from a guest transcript.
const GuestImportTitle = "Continued from Guest"
