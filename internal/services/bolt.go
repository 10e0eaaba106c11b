package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements transcript.Repository and transcript.SessionBackend on a single BoltDB file.
// Conversations live in one bucket keyed by id, and every conversation owns a message bucket keyed by
// a big-endian sequence, so a cursor walks messages in insertion order.
type BoltDB struct {
	db *bolt.DB

	now func() time.Time
}

var (
	conversationsBucket = []byte("conversations")
	guestBucket         = []byte("guest-sessions")
)

// NewBoltDB opens (or creates with 0600 permissions) the database at path and makes sure the top-level
// buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, guestBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// CreateConversation stores a new conversation of userID and its empty message bucket.
func (b BoltDB) CreateConversation(_ context.Context, userID, title string) (models.Conversation, error) {
	now := b.now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putConversation(tx, conv)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Conversation returns the conversation with the given id.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, err = getConversation(tx, id)
		return err
	})
	return conv, err
}

// Conversations returns the conversations of userID, most recently updated first.
func (b BoltDB) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.UserID == userID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// RenameConversation changes the title of a conversation.
func (b BoltDB) RenameConversation(_ context.Context, id, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv.Title = title
		conv.UpdatedAt = b.now()
		return putConversation(tx, conv)
	})
}

// DeleteConversation removes a conversation together with its messages.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return deleteConversation(tx, id)
	})
}

// DeleteAllConversations removes every conversation of userID.
func (b BoltDB) DeleteAllConversations(_ context.Context, userID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		var ids []string
		err := tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.UserID == userID {
				ids = append(ids, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteConversation(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// PersistMessage appends a message to a conversation and moves its UpdatedAt forward.
func (b BoltDB) PersistMessage(
	_ context.Context,
	conversationID string,
	role models.Role,
	content string,
) (models.StoredMessage, error) {
	var msg models.StoredMessage
	err := b.db.Update(func(tx *bolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}

		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return transcript.ErrNotFound
		}
		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		msg = models.StoredMessage{
			ID:             fmt.Sprintf("%d-%s", seq, uuid.New().String()),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      b.now(),
		}
		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := mb.Put(sequenceKey(seq), v); err != nil {
			return err
		}

		conv.UpdatedAt = msg.CreatedAt
		return putConversation(tx, conv)
	})
	return msg, err
}

// DeleteMessage removes one message of a conversation. The sequence prefix of the id locates it.
func (b BoltDB) DeleteMessage(_ context.Context, conversationID, id string) error {
	prefix, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return transcript.ErrNotFound
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return transcript.ErrNotFound
		}
		v := mb.Get(sequenceKey(seq))
		if v == nil {
			return transcript.ErrNotFound
		}
		var msg models.StoredMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if msg.ID != id {
			return transcript.ErrNotFound
		}
		return mb.Delete(sequenceKey(seq))
	})
}

// FetchMessages returns the messages of a conversation in the order they were persisted.
func (b BoltDB) FetchMessages(_ context.Context, conversationID string) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(_, v []byte) error {
			var msg models.StoredMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Load returns the guest session stored under id.
func (b BoltDB) Load(_ context.Context, id string) (transcript.GuestSession, bool, error) {
	var sess transcript.GuestSession
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(guestBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &sess)
	})
	if err != nil {
		return transcript.GuestSession{}, false, fmt.Errorf("failed to load guest session: %w", err)
	}
	return sess, found, nil
}

// Save stores a guest session snapshot.
func (b BoltDB) Save(_ context.Context, sess transcript.GuestSession) error {
	v, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal guest session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(guestBucket).Put([]byte(sess.ID), v)
	})
}

// Delete removes a guest session.
func (b BoltDB) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(guestBucket).Delete([]byte(id))
	})
}

func getConversation(tx *bolt.Tx, id string) (models.Conversation, error) {
	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return models.Conversation{}, transcript.ErrNotFound
	}
	var conv models.Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conv, nil
}

func putConversation(tx *bolt.Tx, conv models.Conversation) error {
	v, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
}

func deleteConversation(tx *bolt.Tx, id string) error {
	err := tx.DeleteBucket(messageBucketName(id))
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("failed to delete message bucket: %w", err)
	}
	return tx.Bucket(conversationsBucket).Delete([]byte(id))
}
