package conversation

import (
	"strings"
)

// BuildHistory returns the context for a turn at position upto.
//
// A stateless mode returns the caller's override untouched. Otherwise the
// active stored messages strictly before upto are projected in stored order,
// which keeps the in-flight turn out of its own context.
func BuildHistory(c *Conversation, upto int, mode Mode) []HistoryEntry {
	if mode.IsStateless() {
		return mode.Override()
	}

	history := []HistoryEntry{}
	if c == nil {
		return history
	}
	for _, m := range c.Messages {
		if !m.IsActive || m.Position >= upto {
			continue
		}
		history = append(history, HistoryEntry{
			Role:    NormalizeChatRole(string(m.Role)),
			Message: m.Text,
		})
	}
	return history
}

// Chatlog renders the last numTurns messages as "role: text" lines. System
// messages are skipped.
func Chatlog(c *Conversation, numTurns int) string {
	if c == nil || numTurns <= 0 {
		return ""
	}

	var active []*Message
	for _, m := range c.Messages {
		if m.IsActive {
			active = append(active, m)
		}
	}
	start := len(active) - numTurns
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(active)-start)
	for _, m := range active[start:] {
		if NormalizeChatRole(string(m.Role)) == ChatRoleSystem {
			continue
		}
		lines = append(lines, string(m.Role)+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

// SearchDocument is the text a conversation is matched against in search.
func SearchDocument(c *Conversation) string {
	doc := "Title: " + c.Title + "\n"
	if log := Chatlog(c, 5); strings.TrimSpace(log) != "" {
		doc += "\nChatlog:\n" + log
	}
	return doc
}

// Filter keeps the conversations whose search document contains query,
// case-insensitively, preserving input order.
func Filter(conversations []*Conversation, query string) []*Conversation {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]*Conversation, 0, len(conversations))
	for _, c := range conversations {
		if needle == "" || strings.Contains(strings.ToLower(SearchDocument(c)), needle) {
			out = append(out, c)
		}
	}
	return out
}
