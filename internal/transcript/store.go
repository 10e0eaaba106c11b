package transcript

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/MegaGrindStone/askai-chat/internal/models"
)

// Store is an ordered transcript of one conversation. Streaming writes go through UpdateContent with the
// whole content seen so far, so repeated calls with growing content are safe.
type Store interface {
	Append(ctx context.Context, msg models.ChatMessage) error
	UpdateContent(ctx context.Context, id, content string) error
	Finalize(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Retract takes back a message appended earlier, final or not, as if it was never sent.
	Retract(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.ChatMessage, error)
}

// Errors returned by the stores of this package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrDuplicate      = errors.New("message already exists")
	ErrFinalized      = errors.New("message is finalized")
	ErrContentRewind  = errors.New("content must extend the current content")
	ErrGuestLimit     = errors.New("guest prompt limit reached")
	ErrNoConversation = errors.New("no conversation selected")
)

// messageList is the in-memory transcript shared by both store implementations. User messages are final
// as soon as they are appended; assistant messages stay open until finalized.
type messageList struct {
	msgs []models.ChatMessage
	open map[string]bool
}

func newMessageList(msgs []models.ChatMessage) messageList {
	return messageList{
		msgs: slices.Clone(msgs),
		open: make(map[string]bool),
	}
}

func (l *messageList) index(id string) int {
	return slices.IndexFunc(l.msgs, func(m models.ChatMessage) bool { return m.ID == id })
}

func (l *messageList) append(msg models.ChatMessage) error {
	if l.index(msg.ID) != -1 {
		return ErrDuplicate
	}
	l.msgs = append(l.msgs, msg)
	if msg.Role == models.RoleAssistant {
		l.open[msg.ID] = true
	}
	return nil
}

func (l *messageList) update(id, content string) error {
	idx := l.index(id)
	if idx == -1 {
		return ErrNotFound
	}
	if !l.open[id] {
		return ErrFinalized
	}
	if !strings.HasPrefix(content, l.msgs[idx].Content) {
		return ErrContentRewind
	}
	l.msgs[idx].Content = content
	return nil
}

func (l *messageList) finalize(id string) (models.ChatMessage, error) {
	idx := l.index(id)
	if idx == -1 {
		return models.ChatMessage{}, ErrNotFound
	}
	if !l.open[id] {
		return models.ChatMessage{}, ErrFinalized
	}
	delete(l.open, id)
	return l.msgs[idx], nil
}

func (l *messageList) remove(id string) error {
	idx := l.index(id)
	if idx == -1 {
		return ErrNotFound
	}
	if !l.open[id] {
		return ErrFinalized
	}
	delete(l.open, id)
	l.msgs = slices.Delete(l.msgs, idx, idx+1)
	return nil
}

func (l *messageList) retract(id string) (models.ChatMessage, error) {
	idx := l.index(id)
	if idx == -1 {
		return models.ChatMessage{}, ErrNotFound
	}
	msg := l.msgs[idx]
	delete(l.open, id)
	l.msgs = slices.Delete(l.msgs, idx, idx+1)
	return msg, nil
}

// pop undoes the last append.
func (l *messageList) pop() {
	if len(l.msgs) == 0 {
		return
	}
	last := l.msgs[len(l.msgs)-1]
	delete(l.open, last.ID)
	l.msgs = l.msgs[:len(l.msgs)-1]
}

func (l *messageList) list() []models.ChatMessage {
	return slices.Clone(l.msgs)
}

// settled returns the messages that are no longer streaming.
func (l *messageList) settled() []models.ChatMessage {
	res := make([]models.ChatMessage, 0, len(l.msgs))
	for _, m := range l.msgs {
		if !l.open[m.ID] {
			res = append(res, m)
		}
	}
	return res
}
