package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/salon/internal/conversation"
)

// TurnCompleted is announced after a turn has been committed.
type TurnCompleted struct {
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"user_id"`
	MessageID      string    `json:"message_id"`
	GenerationID   string    `json:"generation_id,omitempty"`
	Position       int       `json:"position"`
	FinishReason   string    `json:"finish_reason"`
	Regenerated    bool      `json:"regenerated"`
	Title          string    `json:"title"`
	CompletedAt    time.Time `json:"completed_at"`
}

// TurnObserver is told about committed turns. Failures are logged and
// never undo the commit.
type TurnObserver interface {
	TurnCompleted(ctx context.Context, ev TurnCompleted) error
}

// FinalizeRequest names what the finalizer writes.
type FinalizeRequest struct {
	OwnerID        string
	ConversationID string
	Response       *conversation.Message
	FinalText      string
	SupersededIDs  []string
	FinishReason   string
	Regenerated    bool
}

// Finalizer writes the outcome of a turn in one transaction: superseded
// responses are deleted, the new response is inserted and the conversation
// description is set to the final text.
type Finalizer struct {
	store     conversation.Store
	observers []TurnObserver
	now       func() time.Time
}

func NewFinalizer(store conversation.Store, observers ...TurnObserver) *Finalizer {
	return &Finalizer{store: store, observers: observers, now: time.Now}
}

func (f *Finalizer) FinalizeTurn(ctx context.Context, req FinalizeRequest) error {
	logger := zerolog.Ctx(ctx)

	response := *req.Response
	response.Text = req.FinalText
	response.OwnerID = req.OwnerID
	response.ConversationID = req.ConversationID
	response.IsActive = true

	var title string
	err := f.store.WithTx(ctx, func(tx conversation.Store) error {
		if err := tx.DeleteMessages(ctx, req.SupersededIDs, req.OwnerID); err != nil {
			return err
		}
		if err := tx.CreateMessage(ctx, &response); err != nil {
			return err
		}
		updated, err := tx.UpdateConversation(ctx, req.ConversationID, req.OwnerID, conversation.Update{
			Description: &req.FinalText,
		})
		if err != nil {
			return err
		}
		title = updated.Title
		return nil
	})
	if err != nil {
		logger.Error().
			Err(err).
			Str("conversation_id", req.ConversationID).
			Str("message_id", response.ID).
			Msg("Failed to finalize turn")
		return persistenceError(err)
	}
	*req.Response = response

	logger.Debug().
		Str("conversation_id", req.ConversationID).
		Str("message_id", response.ID).
		Int("superseded", len(req.SupersededIDs)).
		Msg("Turn finalized")

	ev := TurnCompleted{
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		MessageID:      response.ID,
		Position:       response.Position,
		FinishReason:   req.FinishReason,
		Regenerated:    req.Regenerated,
		Title:          title,
		CompletedAt:    f.now().UTC(),
	}
	if response.GenerationID != nil {
		ev.GenerationID = *response.GenerationID
	}
	for _, o := range f.observers {
		if err := o.TurnCompleted(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("Turn observer failed")
		}
	}
	return nil
}
