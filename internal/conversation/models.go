package conversation

import (
	"strings"
	"time"
)

// Role is the agent tag stored on a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is used when no title could be derived or generated.
const DefaultTitle = "New Conversation"

// Conversation belongs to exactly one owner; (ID, OwnerID) is its identity.
type Conversation struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"user_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	AgentID     string     `json:"agent_id"`
	IsPinned    bool       `json:"is_pinned"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Messages    []*Message `json:"messages"`
}

// Message is one side of a turn. The user message and the assistant
// response of a turn share the same Position.
type Message struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"-"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Role           Role      `json:"agent"`
	Position       int       `json:"position"`
	IsActive       bool      `json:"is_active"`
	GenerationID   *string   `json:"generation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChatRole identifies the speaker of a history entry sent to a model.
type ChatRole string

const (
	ChatRoleUser    ChatRole = "USER"
	ChatRoleChatbot ChatRole = "CHATBOT"
	ChatRoleSystem  ChatRole = "SYSTEM"
)

// HistoryEntry is one prior message handed to the model as context.
type HistoryEntry struct {
	Role    ChatRole `json:"role"`
	Message string   `json:"message"`
}

// NormalizeChatRole maps stored agent tags and the spellings accepted from
// callers onto a ChatRole. Unknown values are treated as user input.
func NormalizeChatRole(role string) ChatRole {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "chatbot", "model", "ai":
		return ChatRoleChatbot
	case "system":
		return ChatRoleSystem
	default:
		return ChatRoleUser
	}
}

// Mode records whether a turn is persisted or runs on a caller-supplied
// history. It is decided once when the turn starts.
type Mode struct {
	stateless bool
	override  []HistoryEntry
}

// Persisted is the default mode: history comes from the store and the turn
// is written back.
func Persisted() Mode {
	return Mode{}
}

// Stateless uses history verbatim and disables persistence for the turn.
func Stateless(history []HistoryEntry) Mode {
	if history == nil {
		history = []HistoryEntry{}
	}
	return Mode{stateless: true, override: history}
}

// ModeFor picks Stateless when the caller supplied a history, Persisted
// otherwise.
func ModeFor(history []HistoryEntry) Mode {
	if history != nil {
		return Stateless(history)
	}
	return Persisted()
}

func (m Mode) IsStateless() bool { return m.stateless }

func (m Mode) ShouldPersist() bool { return !m.stateless }

// Override returns the caller-supplied history of a stateless turn.
func (m Mode) Override() []HistoryEntry { return m.override }

func (m Mode) String() string {
	if m.stateless {
		return "stateless"
	}
	return "persisted"
}

// TitleFromMessage seeds a conversation title from the first five words of
// the opening message.
func TitleFromMessage(message string) string {
	words := strings.Fields(message)
	if len(words) > 5 {
		words = words[:5]
	}
	if len(words) == 0 {
		return DefaultTitle
	}
	return strings.Join(words, " ")
}
