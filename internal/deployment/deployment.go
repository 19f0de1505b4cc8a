package deployment

import (
	"context"

	"github.com/salon/internal/conversation"
)

// Deployment is a model endpoint able to stream a chat reply, stream
// citations over documents, and answer a single prompt.
type Deployment interface {
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
	SearchStream(ctx context.Context, req SearchRequest) (Stream, error)
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// ChatRequest is what a deployment needs to generate one reply.
type ChatRequest struct {
	AgentID     string
	Message     string
	ChatHistory []conversation.HistoryEntry
	Temperature *float64
}

// Document is a searchable source, an interview transcript for now.
type Document struct {
	ID    string
	Title string
	Text  string
}

// SearchRequest asks for citations answering Query in each document.
type SearchRequest struct {
	Query     string
	Documents []Document
}

// PromptSource resolves the system prompt of an agent.
type PromptSource interface {
	SystemPrompt(agentID string) string
}
