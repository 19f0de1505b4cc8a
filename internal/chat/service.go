package chat

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/deployment"
)

// Options tunes the turn pipeline.
type Options struct {
	// PersistOnCancel finalizes the partial response when the client goes
	// away mid-stream.
	PersistOnCancel bool
}

// Result describes how a turn ended.
type Result struct {
	Turn      *Turn
	State     State
	Terminal  StreamEndData
	Err       error
	Persisted bool
	Canceled  bool
}

// Service runs turns: build, stream through the transducer, finalize.
type Service struct {
	builder    *TurnBuilder
	finalizer  *Finalizer
	deployment deployment.Deployment
	opts       Options
}

func NewService(store conversation.Store, dep deployment.Deployment, finalizer *Finalizer, opts Options) *Service {
	return &Service{
		builder:    NewTurnBuilder(store),
		finalizer:  finalizer,
		deployment: dep,
		opts:       opts,
	}
}

// Chat runs a new turn and streams it to sink. Errors returned before the
// first event is sent mean nothing was written to the sink.
func (s *Service) Chat(ctx context.Context, req TurnRequest, sink Sink) (*Result, error) {
	turn, err := s.builder.StartTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, turn, sink, func(ctx context.Context) (deployment.Stream, error) {
		return s.deployment.ChatStream(ctx, chatRequest(turn, req.Temperature))
	})
}

// Regenerate replaces the latest response of a conversation.
func (s *Service) Regenerate(ctx context.Context, req TurnRequest, sink Sink) (*Result, error) {
	turn, err := s.builder.RegenerateTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, turn, sink, func(ctx context.Context) (deployment.Stream, error) {
		return s.deployment.ChatStream(ctx, chatRequest(turn, req.Temperature))
	})
}

// Search runs a turn whose upstream quotes the given documents instead of
// generating text.
func (s *Service) Search(ctx context.Context, req TurnRequest, docs []deployment.Document, sink Sink) (*Result, error) {
	if len(docs) == 0 {
		return nil, invalidRequest("at least one interview is required")
	}
	turn, err := s.builder.StartTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, turn, sink, func(ctx context.Context) (deployment.Stream, error) {
		return s.deployment.SearchStream(ctx, deployment.SearchRequest{Query: req.Message, Documents: docs})
	})
}

func chatRequest(turn *Turn, temperature *float64) deployment.ChatRequest {
	return deployment.ChatRequest{
		AgentID:     turn.AgentID,
		Message:     turn.UserMessage.Text,
		ChatHistory: turn.History,
		Temperature: temperature,
	}
}

func (s *Service) run(ctx context.Context, turn *Turn, sink Sink, open func(context.Context) (deployment.Stream, error)) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("conversation_id", turn.Conversation.ID).
		Int("position", turn.Position).
		Bool("regenerate", turn.Regenerated).
		Logger()
	ctx = logger.WithContext(ctx)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := NewTransducer(turn)

	stream, err := open(streamCtx)
	if err != nil {
		if ctx.Err() != nil {
			return s.abort(ctx, turn, tr, ctx.Err())
		}
		if err := s.emit(ctx, sink, tr.Fail(upstreamError(err))); err != nil {
			return s.abort(ctx, turn, tr, err)
		}
	} else {
		defer stream.Close()
	}

	for !tr.Done() {
		ev, err := stream.Next(streamCtx)

		var out []WireEvent
		switch {
		case err == nil:
			out = tr.Handle(ev)
		case ctx.Err() != nil:
			return s.abort(ctx, turn, tr, ctx.Err())
		case errors.Is(err, io.EOF):
			out = tr.Fail(protocolError("upstream ended without stream-end"))
		default:
			out = tr.Fail(upstreamError(err))
		}

		if err := s.emit(ctx, sink, out); err != nil {
			return s.abort(ctx, turn, tr, err)
		}
	}
	cancel()

	result := s.result(turn, tr)
	if tr.Err() != nil {
		logger.Warn().Err(tr.Err()).Msg("Turn ended with error")
	}

	if !turn.Mode.ShouldPersist() {
		return result, nil
	}
	// The client may hang up as soon as it reads stream-end; the turn it saw
	// must still be stored.
	if err := s.finalize(context.WithoutCancel(ctx), turn, tr); err != nil {
		return result, err
	}
	result.Persisted = true
	return result, nil
}

// abort handles a client that went away. The partial response is kept only
// when PersistOnCancel is set.
func (s *Service) abort(ctx context.Context, turn *Turn, tr *Transducer, cause error) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	turn.Response.Text = tr.Text()

	result := s.result(turn, tr)
	result.Canceled = true

	logger.Info().
		Err(cause).
		Str("state", tr.State().String()).
		Int("partial_bytes", len(turn.Response.Text)).
		Msg("Turn canceled by client")

	if s.opts.PersistOnCancel && turn.Mode.ShouldPersist() {
		if err := s.finalize(context.WithoutCancel(ctx), turn, tr); err != nil {
			return result, err
		}
		result.Persisted = true
	}
	return result, withKind(ErrCanceled, cause)
}

func (s *Service) finalize(ctx context.Context, turn *Turn, tr *Transducer) error {
	finish, _ := tr.Terminal()
	return s.finalizer.FinalizeTurn(ctx, FinalizeRequest{
		OwnerID:        turn.UserMessage.OwnerID,
		ConversationID: turn.Conversation.ID,
		Response:       turn.Response,
		FinalText:      tr.Text(),
		SupersededIDs:  turn.SupersededIDs,
		FinishReason:   finish.FinishReason,
		Regenerated:    turn.Regenerated,
	})
}

func (s *Service) emit(ctx context.Context, sink Sink, events []WireEvent) error {
	for _, ev := range events {
		if err := sink.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) result(turn *Turn, tr *Transducer) *Result {
	terminal, _ := tr.Terminal()
	return &Result{
		Turn:     turn,
		State:    tr.State(),
		Terminal: terminal,
		Err:      tr.Err(),
	}
}
