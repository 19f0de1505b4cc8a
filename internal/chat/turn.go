package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/salon/internal/conversation"
)

// TurnRequest carries everything one chat request needs. A non-nil
// ChatHistory makes the turn stateless.
type TurnRequest struct {
	OwnerID        string
	ConversationID string
	AgentID        string
	Message        string
	ChatHistory    []conversation.HistoryEntry
	Temperature    *float64
}

// Turn is the in-memory state of one request/response exchange.
type Turn struct {
	Conversation  *conversation.Conversation
	Mode          conversation.Mode
	Position      int
	UserMessage   *conversation.Message
	Response      *conversation.Message
	History       []conversation.HistoryEntry
	SupersededIDs []string
	AgentID       string
	Regenerated   bool
}

// TurnBuilder prepares turns: it resolves the conversation, allocates the
// position and stores the user message.
type TurnBuilder struct {
	store conversation.Store
	newID func() string
}

func NewTurnBuilder(store conversation.Store) *TurnBuilder {
	return &TurnBuilder{store: store, newID: uuid.NewString}
}

// StartTurn opens a new turn. The conversation is created when missing;
// nothing is written in stateless mode.
func (b *TurnBuilder) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, invalidRequest("owner id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, invalidRequest("message is required")
	}

	mode := conversation.ModeFor(req.ChatHistory)

	conv, created, err := b.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	position := conversation.NextPosition(conv)
	user := &conversation.Message{
		ID:             b.newID(),
		OwnerID:        req.OwnerID,
		ConversationID: conv.ID,
		Text:           req.Message,
		Role:           conversation.RoleUser,
		Position:       position,
		IsActive:       true,
	}

	if mode.ShouldPersist() {
		err := b.store.WithTx(ctx, func(tx conversation.Store) error {
			if created {
				if err := tx.CreateConversation(ctx, conv); err != nil {
					return err
				}
			}
			return tx.CreateMessage(ctx, user)
		})
		if err != nil {
			return nil, persistenceError(err)
		}
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = conv.AgentID
	}

	zerolog.Ctx(ctx).Debug().
		Str("conversation_id", conv.ID).
		Int("position", position).
		Str("mode", mode.String()).
		Bool("created", created).
		Msg("Turn started")

	return &Turn{
		Conversation: conv,
		Mode:         mode,
		Position:     position,
		UserMessage:  user,
		Response:     b.placeholder(conv, req.OwnerID, position),
		History:      conversation.BuildHistory(conv, position, mode),
		AgentID:      agentID,
	}, nil
}

// RegenerateTurn reopens the latest answered turn. The superseded responses
// stay in place until the new one is finalized.
func (b *TurnBuilder) RegenerateTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, invalidRequest("owner id is required")
	}
	if req.ConversationID == "" {
		return nil, invalidRequest("conversation id is required")
	}

	conv, err := b.store.GetConversation(ctx, req.ConversationID, req.OwnerID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, notFound("conversation %s", req.ConversationID)
		}
		return nil, persistenceError(err)
	}

	position, ok := conversation.LatestResponsePosition(conv)
	if !ok {
		return nil, notFound("no response to regenerate in conversation %s", conv.ID)
	}
	users := conversation.ActiveAt(conv, position, conversation.RoleUser)
	if len(users) == 0 {
		return nil, notFound("no user message at position %d of conversation %s", position, conv.ID)
	}

	var superseded []string
	for _, m := range conversation.ActiveAt(conv, position, conversation.RoleAssistant) {
		superseded = append(superseded, m.ID)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = conv.AgentID
	}

	zerolog.Ctx(ctx).Debug().
		Str("conversation_id", conv.ID).
		Int("position", position).
		Strs("superseded", superseded).
		Msg("Regenerating turn")

	return &Turn{
		Conversation:  conv,
		Mode:          conversation.Persisted(),
		Position:      position,
		UserMessage:   users[len(users)-1],
		Response:      b.placeholder(conv, req.OwnerID, position),
		History:       conversation.BuildHistory(conv, position, conversation.Persisted()),
		SupersededIDs: superseded,
		AgentID:       agentID,
		Regenerated:   true,
	}, nil
}

func (b *TurnBuilder) resolve(ctx context.Context, req TurnRequest) (*conversation.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := b.store.GetConversation(ctx, req.ConversationID, req.OwnerID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, false, persistenceError(err)
		}
	}

	id := req.ConversationID
	if id == "" {
		id = b.newID()
	}
	return &conversation.Conversation{
		ID:       id,
		OwnerID:  req.OwnerID,
		Title:    conversation.TitleFromMessage(req.Message),
		AgentID:  req.AgentID,
		Messages: []*conversation.Message{},
	}, true, nil
}

func (b *TurnBuilder) placeholder(conv *conversation.Conversation, ownerID string, position int) *conversation.Message {
	return &conversation.Message{
		ID:             b.newID(),
		OwnerID:        ownerID,
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Position:       position,
		IsActive:       true,
	}
}
