package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/conversation/conversationtest"
	"github.com/salon/internal/deployment/deploymenttest"
)

func TestGenerateTitle(t *testing.T) {
	t.Run("stores the cleaned model answer", func(t *testing.T) {
		store := conversationtest.NewMemoryStore()
		seedTwoTurns(store)
		dep := &deploymenttest.Deployment{Answer: "  \"Morning Coffee Habits\".\nextra"}

		title, genErr, err := NewTitler(store, dep).GenerateTitle(context.Background(), "c1", "u1")
		require.NoError(t, err)
		assert.NoError(t, genErr)
		assert.Equal(t, "Morning Coffee Habits", title)

		conv, err := store.GetConversation(context.Background(), "c1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "Morning Coffee Habits", conv.Title)

		require.Len(t, dep.ChatRequests, 1)
		assert.Contains(t, dep.ChatRequests[0].Message, "user: first")
		assert.Contains(t, dep.ChatRequests[0].Message, "assistant: second answer")
	})

	t.Run("falls back to the default title", func(t *testing.T) {
		store := conversationtest.NewMemoryStore()
		seedTwoTurns(store)
		dep := &deploymenttest.Deployment{AnswerErr: errors.New("quota exceeded")}

		title, genErr, err := NewTitler(store, dep).GenerateTitle(context.Background(), "c1", "u1")
		require.NoError(t, err)
		assert.ErrorIs(t, genErr, ErrUpstream)
		assert.Equal(t, conversation.DefaultTitle, title)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		_, _, err := NewTitler(conversationtest.NewMemoryStore(), &deploymenttest.Deployment{}).GenerateTitle(context.Background(), "nope", "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
