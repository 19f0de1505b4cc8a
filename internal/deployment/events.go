package deployment

import (
	"encoding/json"
	"fmt"

	"github.com/salon/internal/conversation"
)

// EventType is the tag of an upstream generation event. The same names are
// used on the wire.
type EventType string

const (
	EventStreamStart    EventType = "stream-start"
	EventTextGeneration EventType = "text-generation"
	EventSearchResults  EventType = "search-results"
	EventStreamEnd      EventType = "stream-end"
)

// Finish reasons reported on StreamEnd.
const (
	FinishComplete  = "COMPLETE"
	FinishMaxTokens = "MAX_TOKENS"
	FinishError     = "ERROR"
)

// Event is one item of an upstream generation stream. The set of
// implementations is closed: StreamStart, TextGeneration, SearchResults,
// StreamEnd and Unknown.
type Event interface {
	Type() EventType
	isEvent()
}

// StreamStart opens a generation.
type StreamStart struct {
	GenerationID string
}

// TextGeneration carries one chunk of generated text.
type TextGeneration struct {
	Text string
}

// SearchResults carries the citations found in one source document.
type SearchResults struct {
	Results  CitationList
	SourceID string
}

// StreamEnd closes a generation. Text is whatever the provider reports and
// is not authoritative; the accumulated TextGeneration chunks are.
type StreamEnd struct {
	Text         string
	FinishReason string
	ChatHistory  []conversation.HistoryEntry
	Error        string
}

// Unknown is an upstream event this service does not understand.
type Unknown struct {
	Name string
}

func (StreamStart) Type() EventType    { return EventStreamStart }
func (TextGeneration) Type() EventType { return EventTextGeneration }
func (SearchResults) Type() EventType  { return EventSearchResults }
func (StreamEnd) Type() EventType      { return EventStreamEnd }
func (u Unknown) Type() EventType      { return EventType(u.Name) }

func (StreamStart) isEvent()    {}
func (TextGeneration) isEvent() {}
func (SearchResults) isEvent()  {}
func (StreamEnd) isEvent()      {}
func (Unknown) isEvent()        {}

type rawEvent struct {
	EventType     EventType                   `json:"event_type"`
	GenerationID  string                      `json:"generation_id"`
	Text          string                      `json:"text"`
	SearchResults CitationList                `json:"search_results"`
	InterviewID   string                      `json:"interview_id"`
	FinishReason  string                      `json:"finish_reason"`
	ChatHistory   []conversation.HistoryEntry `json:"chat_history"`
	Error         string                      `json:"error"`
}

// DecodeEvent parses one JSON-encoded upstream event keyed by "event_type".
// Unrecognised types decode to Unknown so the consumer decides how to treat
// them.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode upstream event: %w", err)
	}

	switch raw.EventType {
	case EventStreamStart:
		return StreamStart{GenerationID: raw.GenerationID}, nil
	case EventTextGeneration:
		return TextGeneration{Text: raw.Text}, nil
	case EventSearchResults:
		return SearchResults{Results: raw.SearchResults, SourceID: raw.InterviewID}, nil
	case EventStreamEnd:
		return StreamEnd{
			Text:         raw.Text,
			FinishReason: raw.FinishReason,
			ChatHistory:  raw.ChatHistory,
			Error:        raw.Error,
		}, nil
	default:
		return Unknown{Name: string(raw.EventType)}, nil
	}
}
