package chat

import (
	"strings"

	"github.com/google/uuid"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/deployment"
)

// State of a Transducer.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateStreaming
	StateEnded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Transducer turns upstream events of one turn into wire events and
// accumulates the response text. Every turn produces exactly one
// stream-start first and one stream-end last on the wire, whatever the
// upstream does.
type Transducer struct {
	turn  *Turn
	state State

	text          strings.Builder
	searchResults map[string]deployment.CitationList
	finishReason  string
	chatHistory   []conversation.HistoryEntry
	upstreamError string
	err           error
	terminal      *StreamEndData
}

func NewTransducer(turn *Turn) *Transducer {
	return &Transducer{turn: turn}
}

func (t *Transducer) State() State { return t.state }

// Done reports whether the terminal event has been produced.
func (t *Transducer) Done() bool {
	return t.state == StateEnded || t.state == StateErrored
}

// Text is the response text accumulated so far.
func (t *Transducer) Text() string { return t.text.String() }

// Err is the protocol or upstream failure that ended the stream, if any.
func (t *Transducer) Err() error { return t.err }

// Terminal returns the stream-end payload once Done.
func (t *Transducer) Terminal() (StreamEndData, bool) {
	if t.terminal == nil {
		return StreamEndData{}, false
	}
	return *t.terminal, true
}

// Handle advances the state machine by one upstream event. Out-of-order or
// unknown events end the stream with a protocol error. Events arriving after
// the terminal one are ignored.
func (t *Transducer) Handle(ev deployment.Event) []WireEvent {
	if t.Done() {
		return nil
	}

	switch ev := ev.(type) {
	case deployment.StreamStart:
		if t.state != StateIdle {
			return t.violation(ev)
		}
		return []WireEvent{t.begin(ev.GenerationID)}

	case deployment.TextGeneration:
		if !t.open() {
			return t.violation(ev)
		}
		t.state = StateStreaming
		t.text.WriteString(ev.Text)
		return []WireEvent{{
			Event: deployment.EventTextGeneration,
			Data:  TextGenerationData{Text: ev.Text},
		}}

	case deployment.SearchResults:
		if !t.open() {
			return t.violation(ev)
		}
		t.state = StateStreaming
		if t.searchResults == nil {
			t.searchResults = map[string]deployment.CitationList{}
		}
		t.searchResults[ev.SourceID] = ev.Results
		return []WireEvent{{
			Event: deployment.EventSearchResults,
			Data:  SearchResultsData{SearchResults: ev.Results, InterviewID: ev.SourceID},
		}}

	case deployment.StreamEnd:
		if !t.open() {
			return t.violation(ev)
		}
		t.finishReason = ev.FinishReason
		if t.finishReason == "" {
			t.finishReason = deployment.FinishComplete
		}
		t.chatHistory = ev.ChatHistory
		if ev.Error != "" {
			t.upstreamError = ev.Error
			t.err = upstreamError(errorString(ev.Error))
		}
		t.state = StateEnded
		return []WireEvent{t.end()}

	case deployment.Unknown:
		return t.violation(ev)

	default:
		return t.violation(ev)
	}
}

// Fail ends the stream with err, emitting a synthetic stream-start first if
// none was sent yet.
func (t *Transducer) Fail(err error) []WireEvent {
	if t.Done() {
		return nil
	}

	var out []WireEvent
	if t.state == StateIdle {
		out = append(out, t.begin(""))
	}
	t.err = err
	t.upstreamError = err.Error()
	t.finishReason = deployment.FinishError
	t.state = StateErrored
	return append(out, t.end())
}

func (t *Transducer) open() bool {
	return t.state == StateStarted || t.state == StateStreaming
}

func (t *Transducer) violation(ev deployment.Event) []WireEvent {
	return t.Fail(protocolError("unexpected %s event in state %s", ev.Type(), t.state))
}

func (t *Transducer) begin(generationID string) WireEvent {
	if generationID == "" {
		generationID = uuid.NewString()
	}
	t.turn.Response.GenerationID = &generationID
	t.state = StateStarted
	return WireEvent{
		Event: deployment.EventStreamStart,
		Data: StreamStartData{
			GenerationID:   generationID,
			ConversationID: t.turn.Conversation.ID,
		},
	}
}

func (t *Transducer) end() WireEvent {
	t.turn.Response.Text = t.text.String()

	history := t.chatHistory
	if history == nil {
		history = t.turn.History
	}
	if history == nil {
		history = []conversation.HistoryEntry{}
	}

	data := StreamEndData{
		ConversationID: t.turn.Conversation.ID,
		Text:           t.turn.Response.Text,
		SearchResults:  t.searchResults,
		FinishReason:   t.finishReason,
		ChatHistory:    history,
	}
	if t.turn.Response.GenerationID != nil {
		data.GenerationID = *t.turn.Response.GenerationID
	}
	if t.turn.Mode.ShouldPersist() {
		messageID := t.turn.Response.ID
		responseID := messageID
		data.MessageID = &messageID
		data.ResponseID = &responseID
	}
	if t.upstreamError != "" {
		msg := t.upstreamError
		data.Error = &msg
	}

	t.terminal = &data
	return WireEvent{Event: deployment.EventStreamEnd, Data: data}
}

type errorString string

func (e errorString) Error() string { return string(e) }
