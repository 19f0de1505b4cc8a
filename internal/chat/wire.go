package chat

import (
	"context"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/deployment"
)

// WireEvent is one frame of the client protocol:
// {"event": <type>, "data": {...}}.
type WireEvent struct {
	Event deployment.EventType `json:"event"`
	Data  any                  `json:"data"`
}

type StreamStartData struct {
	GenerationID   string `json:"generation_id"`
	ConversationID string `json:"conversation_id"`
}

type TextGenerationData struct {
	Text string `json:"text"`
}

type SearchResultsData struct {
	SearchResults deployment.CitationList `json:"search_results"`
	InterviewID   string                  `json:"interview_id"`
}

// StreamEndData is the terminal payload and the only one carrying the
// persisted message id. MessageID names the assistant message that holds the
// reply; ResponseID repeats it for clients that read that field. Both are
// null for stateless turns.
type StreamEndData struct {
	MessageID      *string                            `json:"message_id"`
	ResponseID     *string                            `json:"response_id"`
	GenerationID   string                             `json:"generation_id"`
	ConversationID string                             `json:"conversation_id"`
	Text           string                             `json:"text"`
	SearchResults  map[string]deployment.CitationList `json:"search_results,omitempty"`
	FinishReason   string                             `json:"finish_reason"`
	ChatHistory    []conversation.HistoryEntry        `json:"chat_history"`
	Error          *string                            `json:"error,omitempty"`
}

// Sink receives wire events in order. An error means the client is gone.
type Sink interface {
	Send(ctx context.Context, ev WireEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev WireEvent) error

func (f SinkFunc) Send(ctx context.Context, ev WireEvent) error { return f(ctx, ev) }

// Collector is a Sink that keeps every event, for non-streamed replies.
type Collector struct {
	Events []WireEvent
}

func (c *Collector) Send(ctx context.Context, ev WireEvent) error {
	c.Events = append(c.Events, ev)
	return nil
}

// Terminal returns the stream-end payload, if one was collected.
func (c *Collector) Terminal() (StreamEndData, bool) {
	for i := len(c.Events) - 1; i >= 0; i-- {
		if data, ok := c.Events[i].Data.(StreamEndData); ok {
			return data, true
		}
	}
	return StreamEndData{}, false
}
