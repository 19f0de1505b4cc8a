package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ErrConversationNotFound is returned when no conversation matches the
// (id, owner) pair.
var ErrConversationNotFound = errors.New("conversation not found")

// Update lists the mutable conversation fields. Nil fields are left as is.
type Update struct {
	Title       *string
	Description *string
}

// ListOptions scopes a conversation listing.
type ListOptions struct {
	OwnerID         string
	AgentID         string
	Offset          int
	Limit           int
	IncludeMessages bool
}

// Store persists conversations and messages. Every call is scoped by owner.
type Store interface {
	GetConversation(ctx context.Context, id, ownerID string) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation) error
	UpdateConversation(ctx context.Context, id, ownerID string, upd Update) (*Conversation, error)
	SetPinned(ctx context.Context, id, ownerID string, pinned bool) (*Conversation, error)
	DeleteConversation(ctx context.Context, id, ownerID string) error
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)

	CreateMessage(ctx context.Context, m *Message) error
	DeleteMessages(ctx context.Context, ids []string, ownerID string) error

	// WithTx runs fn against a store bound to a single transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on database/sql with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

const conversationColumns = `id, user_id, title, description, agent_id, is_pinned, created_at, updated_at`

const messageColumns = `id, user_id, conversation_id, text, position, is_active, generation_id, agent, created_at, updated_at`

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		// already inside a transaction
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresStore{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetConversation loads a conversation with its messages ordered by
// position, ties broken by creation time.
func (s *PostgresStore) GetConversation(ctx context.Context, id, ownerID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 AND user_id = $2`

	c, err := scanConversation(s.q.QueryRowContext(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	messages, err := s.messagesFor(ctx, ownerID, []string{id})
	if err != nil {
		return nil, err
	}
	c.Messages = messages[id]
	if c.Messages == nil {
		c.Messages = []*Message{}
	}
	return c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
	INSERT INTO conversations (id, user_id, title, description, agent_id, is_pinned, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	RETURNING created_at, updated_at
	`

	err := s.q.QueryRowContext(ctx, query,
		c.ID, c.OwnerID, c.Title, c.Description, c.AgentID, c.IsPinned,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	log.Debug().
		Str("conversation_id", c.ID).
		Str("user_id", c.OwnerID).
		Msg("Created conversation")
	return nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id, ownerID string, upd Update) (*Conversation, error) {
	query := `
	UPDATE conversations
	SET title = COALESCE($3, title),
	    description = COALESCE($4, description),
	    updated_at = NOW()
	WHERE id = $1 AND user_id = $2
	RETURNING ` + conversationColumns

	c, err := scanConversation(s.q.QueryRowContext(ctx, query, id, ownerID, upd.Title, upd.Description))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetPinned(ctx context.Context, id, ownerID string, pinned bool) (*Conversation, error) {
	query := `
	UPDATE conversations SET is_pinned = $3, updated_at = NOW()
	WHERE id = $1 AND user_id = $2
	RETURNING ` + conversationColumns

	c, err := scanConversation(s.q.QueryRowContext(ctx, query, id, ownerID, pinned))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to set pinned: %w", err)
	}
	return c, nil
}

// DeleteConversation removes the conversation; messages go with it through
// the foreign key cascade.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ListConversations returns pinned conversations first, then the most
// recently updated.
func (s *PostgresStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT ` + conversationColumns + `
	FROM conversations
	WHERE user_id = $1 AND ($2 = '' OR agent_id = $2)
	ORDER BY is_pinned DESC, updated_at DESC
	OFFSET $3 LIMIT $4
	`

	rows, err := s.q.QueryContext(ctx, query, opts.OwnerID, opts.AgentID, opts.Offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	var ids []string
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	if !opts.IncludeMessages || len(ids) == 0 {
		return conversations, nil
	}

	messages, err := s.messagesFor(ctx, opts.OwnerID, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range conversations {
		c.Messages = messages[c.ID]
	}
	return conversations, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	query := `
	INSERT INTO messages (id, user_id, conversation_id, text, position, is_active, generation_id, agent, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	RETURNING created_at, updated_at
	`

	err := s.q.QueryRowContext(ctx, query,
		m.ID, m.OwnerID, m.ConversationID, m.Text, m.Position, m.IsActive, m.GenerationID, string(m.Role),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// DeleteMessages removes the given messages of ownerID. Ids belonging to
// another owner are ignored.
func (s *PostgresStore) DeleteMessages(ctx context.Context, ids []string, ownerID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1) AND user_id = $2`, pq.Array(ids), ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) messagesFor(ctx context.Context, ownerID string, conversationIDs []string) (map[string][]*Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE user_id = $1 AND conversation_id = ANY($2)
	ORDER BY position ASC, created_at ASC
	`

	rows, err := s.q.QueryContext(ctx, query, ownerID, pq.Array(conversationIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*Message, len(conversationIDs))
	for rows.Next() {
		var (
			m            Message
			role         string
			generationID sql.NullString
		)
		err := rows.Scan(
			&m.ID, &m.OwnerID, &m.ConversationID, &m.Text, &m.Position, &m.IsActive,
			&generationID, &role, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		if generationID.Valid {
			m.GenerationID = &generationID.String
		}
		out[m.ConversationID] = append(out[m.ConversationID], &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c           Conversation
		description sql.NullString
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &description, &c.AgentID, &c.IsPinned, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		c.Description = &description.String
	}
	return &c, nil
}
