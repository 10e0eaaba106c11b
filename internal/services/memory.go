package services

import (
	"context"
	"slices"
	"sync"

	"github.com/MegaGrindStone/askai-chat/internal/transcript"
)

// MemorySessions keeps guest sessions in process memory. They are lost on restart, which matches a
// browser tab that is closed.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]transcript.GuestSession
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]transcript.GuestSession)}
}

func (m *MemorySessions) Load(_ context.Context, id string) (transcript.GuestSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return transcript.GuestSession{}, false, nil
	}
	sess.Messages = slices.Clone(sess.Messages)
	return sess, true, nil
}

func (m *MemorySessions) Save(_ context.Context, sess transcript.GuestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.Messages = slices.Clone(sess.Messages)
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}
