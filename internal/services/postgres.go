package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements transcript.Repository on the conversations and messages tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPool connects to databaseURL and verifies the connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes every *.up.sql file of migrations in name order. The statements are written
// to be idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, logger *slog.Logger) error {
	names, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		sql, err := fs.ReadFile(migrations, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err = pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Info("database migrations applied", slog.Int("count", len(names)))
	return nil
}

// NewPostgres returns a repository backed by pool.
func NewPostgres(pool *pgxpool.Pool) Postgres {
	return Postgres{pool: pool}
}

// CreateConversation inserts a conversation of userID.
func (p Postgres) CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING id::text, user_id, title, created_at, updated_at`,
		userID, title)

	conv, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// Conversation returns the conversation with the given id, or transcript.ErrNotFound.
func (p Postgres) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	convID, err := parseID(id)
	if err != nil {
		return models.Conversation{}, err
	}

	row := p.pool.QueryRow(ctx, `
		SELECT id::text, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1::uuid`,
		convID)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, transcript.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return conv, nil
}

// Conversations returns the conversations of userID, most recently updated first.
func (p Postgres) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Conversation, error) {
		return scanConversation(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return convs, nil
}

// RenameConversation changes the title of a conversation.
func (p Postgres) RenameConversation(ctx context.Context, id, title string) error {
	convID, err := parseID(id)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations SET title = $2, updated_at = now()
		WHERE id = $1::uuid`,
		convID, title)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transcript.ErrNotFound
	}
	return nil
}

// DeleteConversation removes the messages first, then the conversation, in one transaction.
func (p Postgres) DeleteConversation(ctx context.Context, id string) error {
	convID, err := parseID(id)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1::uuid`, convID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1::uuid`, convID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// DeleteAllConversations removes every conversation of userID with its messages.
func (p Postgres) DeleteAllConversations(ctx context.Context, userID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM messages
			WHERE conversation_id IN (SELECT id FROM conversations WHERE user_id = $1)`,
			userID)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		return nil
	})
}

// PersistMessage inserts a message and touches the conversation in one transaction.
func (p Postgres) PersistMessage(
	ctx context.Context,
	conversationID string,
	role models.Role,
	content string,
) (models.StoredMessage, error) {
	convID, err := parseID(conversationID)
	if err != nil {
		return models.StoredMessage{}, err
	}

	var msg models.StoredMessage
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1::uuid`, convID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return transcript.ErrNotFound
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, role, content)
			VALUES ($1::uuid, $2, $3)
			RETURNING id::text, conversation_id::text, role, content, created_at`,
			convID, string(role), content)
		msg, err = scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	return msg, err
}

// DeleteMessage removes one message of a conversation.
func (p Postgres) DeleteMessage(ctx context.Context, conversationID, id string) error {
	convID, err := parseID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseID(id)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE id = $1::uuid AND conversation_id = $2::uuid`,
		msgID, convID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transcript.ErrNotFound
	}
	return nil
}

// FetchMessages returns the messages of a conversation, oldest first.
func (p Postgres) FetchMessages(ctx context.Context, conversationID string) ([]models.StoredMessage, error) {
	convID, err := parseID(conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id::text, conversation_id::text, role, content, created_at
		FROM messages
		WHERE conversation_id = $1::uuid
		ORDER BY created_at, id`,
		convID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.StoredMessage, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

// parseID canonicalizes a uuid key. No row can match a malformed one.
func parseID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", transcript.ErrNotFound
	}
	return u.String(), nil
}

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanMessage(row pgx.Row) (models.StoredMessage, error) {
	var (
		m    models.StoredMessage
		role string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
		return models.StoredMessage{}, err
	}
	m.Role = models.Role(role)
	return m, nil
}
