package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHistory(t *testing.T) {
	c := &Conversation{Messages: []*Message{
		{Text: "hi", Role: RoleUser, Position: 0, IsActive: true},
		{Text: "hello", Role: RoleAssistant, Position: 0, IsActive: true},
		{Text: "draft", Role: RoleAssistant, Position: 0, IsActive: false},
		{Text: "how?", Role: RoleUser, Position: 1, IsActive: true},
		{Text: "like so", Role: RoleAssistant, Position: 1, IsActive: true},
		{Text: "next", Role: RoleUser, Position: 2, IsActive: true},
	}}

	t.Run("excludes the turn being built", func(t *testing.T) {
		h := BuildHistory(c, 2, Persisted())
		assert.Equal(t, []HistoryEntry{
			{Role: ChatRoleUser, Message: "hi"},
			{Role: ChatRoleChatbot, Message: "hello"},
			{Role: ChatRoleUser, Message: "how?"},
			{Role: ChatRoleChatbot, Message: "like so"},
		}, h)
	})

	t.Run("upto zero is empty", func(t *testing.T) {
		h := BuildHistory(c, 0, Persisted())
		require.NotNil(t, h)
		assert.Empty(t, h)
	})

	t.Run("nothing at or after upto", func(t *testing.T) {
		position := map[string]int{}
		for _, m := range c.Messages {
			position[m.Text] = m.Position
		}

		for upto := 0; upto <= 3; upto++ {
			want := 0
			for _, m := range c.Messages {
				if m.IsActive && m.Position < upto {
					want++
				}
			}

			h := BuildHistory(c, upto, Persisted())
			assert.Len(t, h, want, "upto=%d", upto)
			for _, e := range h {
				assert.Less(t, position[e.Message], upto, "upto=%d message=%q", upto, e.Message)
			}
		}
	})

	t.Run("stateless override is returned verbatim", func(t *testing.T) {
		override := []HistoryEntry{{Role: ChatRoleSystem, Message: "be brief"}}
		assert.Equal(t, override, BuildHistory(c, 2, Stateless(override)))
	})

	t.Run("empty override is not the stored history", func(t *testing.T) {
		h := BuildHistory(c, 2, Stateless(nil))
		require.NotNil(t, h)
		assert.Empty(t, h)
	})
}

func TestModeFor(t *testing.T) {
	assert.False(t, ModeFor(nil).IsStateless())
	assert.True(t, ModeFor([]HistoryEntry{}).IsStateless())
	assert.False(t, ModeFor([]HistoryEntry{}).ShouldPersist())
	assert.Equal(t, "persisted", Persisted().String())
}

func TestNormalizeChatRole(t *testing.T) {
	assert.Equal(t, ChatRoleUser, NormalizeChatRole("user"))
	assert.Equal(t, ChatRoleUser, NormalizeChatRole("USER"))
	assert.Equal(t, ChatRoleChatbot, NormalizeChatRole("assistant"))
	assert.Equal(t, ChatRoleChatbot, NormalizeChatRole("CHATBOT"))
	assert.Equal(t, ChatRoleSystem, NormalizeChatRole("System"))
}

func TestChatlogAndFilter(t *testing.T) {
	a := &Conversation{ID: "a", Title: "Pricing study", Messages: []*Message{
		{Text: "What about coffee?", Role: RoleUser, Position: 0, IsActive: true},
		{Text: "Coffee is popular.", Role: RoleAssistant, Position: 0, IsActive: true},
	}}
	b := &Conversation{ID: "b", Title: "Tea", Messages: []*Message{}}

	assert.Equal(t, "user: What about coffee?\nassistant: Coffee is popular.", Chatlog(a, 5))
	assert.Equal(t, "assistant: Coffee is popular.", Chatlog(a, 1))

	got := Filter([]*Conversation{a, b}, "COFFEE")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	assert.Len(t, Filter([]*Conversation{a, b}, ""), 2)
	assert.Len(t, Filter([]*Conversation{a, b}, "tea"), 1)
}
