package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/google/uuid"
)

// GuestPromptLimit is the number of prompts an anonymous visitor may send in one session.
const GuestPromptLimit = 12

// GuestSession is the persisted snapshot of a guest transcript.
type GuestSession struct {
	ID          string               `json:"sessionId"`
	Messages    []models.ChatMessage `json:"messages"`
	PromptCount int                  `json:"promptCount"`
}

// SessionBackend keeps guest snapshots between requests. Load reports false when no snapshot exists.
type SessionBackend interface {
	Load(ctx context.Context, id string) (GuestSession, bool, error)
	Save(ctx context.Context, session GuestSession) error
	Delete(ctx context.Context, id string) error
}

// Guest is the ephemeral transcript of an anonymous visitor. Snapshots are written to the backend on
// Append, Finalize and Remove; streaming updates stay in memory until the message is finalized.
type Guest struct {
	mu sync.Mutex

	id          string
	list        messageList
	promptCount int

	backend SessionBackend
	logger  *slog.Logger
}

// OpenGuest restores the guest session id from backend, or starts a new one when id is empty or unknown.
func OpenGuest(ctx context.Context, backend SessionBackend, id string, logger *slog.Logger) (*Guest, error) {
	g := &Guest{
		backend: backend,
		logger:  logger.With(slog.String("module", "guest-transcript")),
	}

	if id != "" {
		sess, ok, err := backend.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load guest session: %w", err)
		}
		if ok {
			g.id = sess.ID
			g.list = newMessageList(sess.Messages)
			g.promptCount = sess.PromptCount
			return g, nil
		}
	}

	g.reset()
	if err := g.save(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// SessionID returns the id the session is stored under.
func (g *Guest) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.id
}

// Remaining returns the number of prompts left in the session.
func (g *Guest) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return max(GuestPromptLimit-g.promptCount, 0)
}

// LimitReached reports whether no prompts are left.
func (g *Guest) LimitReached() bool {
	return g.Remaining() == 0
}

// Append adds msg to the transcript. User messages count against GuestPromptLimit.
func (g *Guest) Append(ctx context.Context, msg models.ChatMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.Role == models.RoleUser && g.promptCount >= GuestPromptLimit {
		return ErrGuestLimit
	}
	if err := g.list.append(msg); err != nil {
		return err
	}
	if msg.Role == models.RoleUser {
		g.promptCount++
	}
	if err := g.save(ctx); err != nil {
		g.list.pop()
		if msg.Role == models.RoleUser {
			g.promptCount--
		}
		return err
	}
	return nil
}

// UpdateContent replaces the content of a streaming message.
func (g *Guest) UpdateContent(_ context.Context, id, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.list.update(id, content)
}

// Finalize closes a streaming message and writes the snapshot.
func (g *Guest) Finalize(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.list.finalize(id); err != nil {
		return err
	}
	return g.save(ctx)
}

// Remove drops a streaming message.
func (g *Guest) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.list.remove(id); err != nil {
		return err
	}
	return g.save(ctx)
}

// Retract takes back a message. A retracted prompt no longer counts against the limit.
func (g *Guest) Retract(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg, err := g.list.retract(id)
	if err != nil {
		return err
	}
	if msg.Role == models.RoleUser && g.promptCount > 0 {
		g.promptCount--
	}
	return g.save(ctx)
}

// List returns the transcript in conversation order.
func (g *Guest) List(context.Context) ([]models.ChatMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.list.list(), nil
}

// Clear deletes the stored session and starts a fresh one under a new id.
func (g *Guest) Clear(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.backend.Delete(ctx, g.id); err != nil {
		return fmt.Errorf("failed to delete guest session: %w", err)
	}
	g.reset()
	return g.save(ctx)
}

func (g *Guest) reset() {
	g.id = uuid.New().String()
	g.list = newMessageList(nil)
	g.promptCount = 0
}

func (g *Guest) save(ctx context.Context) error {
	sess := GuestSession{
		ID:          g.id,
		Messages:    g.list.settled(),
		PromptCount: g.promptCount,
	}
	if err := g.backend.Save(ctx, sess); err != nil {
		g.logger.Error("Failed to save guest session",
			slog.String("sessionID", g.id),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to save guest session: %w", err)
	}
	return nil
}

const errLoggerKey = "err"
