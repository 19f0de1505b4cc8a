package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/conversation/conversationtest"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// The first turn of a new conversation sits at position 0 with empty history.
func TestStartTurnOnEmptyConversation(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	b := NewTurnBuilder(store)
	b.newID = sequentialIDs()

	turn, err := b.StartTurn(context.Background(), TurnRequest{OwnerID: "u1", Message: "hello", AgentID: "basic"})
	require.NoError(t, err)

	assert.Equal(t, 0, turn.Position)
	assert.Equal(t, 0, turn.UserMessage.Position)
	assert.Equal(t, 0, turn.Response.Position)
	assert.Equal(t, conversation.RoleAssistant, turn.Response.Role)
	assert.Empty(t, turn.Response.Text)
	assert.Empty(t, turn.History)
	assert.NotNil(t, turn.History)
	assert.False(t, turn.Mode.IsStateless())

	conv, err := store.GetConversation(context.Background(), turn.Conversation.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Title)
	assert.Equal(t, "basic", conv.AgentID)
	require.Len(t, conv.Messages, 1, "only the user message is stored up front")
	assert.Equal(t, turn.UserMessage.ID, conv.Messages[0].ID)
}

func TestStartTurnUsesRequestedConversationID(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	b := NewTurnBuilder(store)

	turn, err := b.StartTurn(context.Background(), TurnRequest{OwnerID: "u1", ConversationID: "fixed", Message: "one two three four five six"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", turn.Conversation.ID)
	assert.Equal(t, "one two three four five", turn.Conversation.Title)
}

func TestStartTurnPositionsIncrease(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	b := NewTurnBuilder(store)
	ctx := context.Background()

	last := -1
	for i := 0; i < 5; i++ {
		turn, err := b.StartTurn(ctx, TurnRequest{OwnerID: "u1", ConversationID: "c", Message: "msg"})
		require.NoError(t, err)
		assert.Greater(t, turn.Position, last)
		last = turn.Position

		// complete the turn so the next one sees it
		turn.Response.Text = "reply"
		require.NoError(t, store.CreateMessage(ctx, turn.Response))
		assert.Len(t, turn.History, 2*i)
	}
	assert.Equal(t, 4, last)
}

func TestStartTurnValidation(t *testing.T) {
	b := NewTurnBuilder(conversationtest.NewMemoryStore())

	_, err := b.StartTurn(context.Background(), TurnRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = b.StartTurn(context.Background(), TurnRequest{OwnerID: "u1", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartTurnStatelessSkipsStore(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	b := NewTurnBuilder(store)

	override := []conversation.HistoryEntry{{Role: conversation.ChatRoleUser, Message: "hi"}}
	turn, err := b.StartTurn(context.Background(), TurnRequest{OwnerID: "u1", ConversationID: "c", Message: "hello", ChatHistory: override})
	require.NoError(t, err)

	assert.True(t, turn.Mode.IsStateless())
	assert.Equal(t, override, turn.History)
	assert.Equal(t, []string{"GetConversation"}, store.Calls)
}

func TestStartTurnStoreFailure(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	store.FailOn["CreateMessage"] = errors.New("db down")
	b := NewTurnBuilder(store)

	_, err := b.StartTurn(context.Background(), TurnRequest{OwnerID: "u1", ConversationID: "c", Message: "hello"})
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = store.GetConversation(context.Background(), "c", "u1")
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound, "conversation creation rolled back")
}

func TestRegenerateTurnLeavesStoreUntouched(t *testing.T) {
	store := conversationtest.NewMemoryStore()
	seedTwoTurns(store)
	b := NewTurnBuilder(store)

	turn, err := b.RegenerateTurn(context.Background(), TurnRequest{OwnerID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, 1, turn.Position)
	assert.Equal(t, []string{"M1"}, turn.SupersededIDs)
	assert.Equal(t, "u1m", turn.UserMessage.ID)
	assert.True(t, turn.Regenerated)
	assert.Equal(t, []string{"GetConversation"}, store.Calls)
	assert.Len(t, store.Messages("c1", "u1"), 4)
}
