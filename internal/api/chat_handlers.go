package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salon/internal/api/auth"
	"github.com/salon/internal/chat"
	"github.com/salon/internal/conversation"
	"github.com/salon/internal/deployment"
)

// chatRequest is the body of the chat endpoints. A chat_history of null or
// absent keeps the turn persisted; any array, even empty, makes it stateless.
type chatRequest struct {
	Message        string                      `json:"message"`
	ConversationID string                      `json:"conversation_id"`
	AgentID        string                      `json:"agent_id"`
	ChatHistory    []conversation.HistoryEntry `json:"chat_history"`
	Temperature    *float64                    `json:"temperature"`
}

type searchRequest struct {
	chatRequest
	InterviewIDs []string `json:"interview_ids"`
}

func (r chatRequest) turnRequest(ownerID string) chat.TurnRequest {
	for i := range r.ChatHistory {
		r.ChatHistory[i].Role = conversation.NormalizeChatRole(string(r.ChatHistory[i].Role))
	}
	return chat.TurnRequest{
		OwnerID:        ownerID,
		ConversationID: strings.TrimSpace(r.ConversationID),
		AgentID:        r.AgentID,
		Message:        r.Message,
		ChatHistory:    r.ChatHistory,
		Temperature:    r.Temperature,
	}
}

func (s *Server) chatStream(c echo.Context) error {
	var body chatRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	sse := newSSEWriter(c, s.stream.SendTimeout, s.stream.PingInterval)
	defer sse.Close()

	_, err := s.deps.Chat.Chat(c.Request().Context(), body.turnRequest(auth.UserID(c)), sse)
	return s.streamOutcome(c, sse, err)
}

func (s *Server) regenerateStream(c echo.Context) error {
	var body chatRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if strings.TrimSpace(body.ConversationID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	sse := newSSEWriter(c, s.stream.SendTimeout, s.stream.PingInterval)
	defer sse.Close()

	_, err := s.deps.Chat.Regenerate(c.Request().Context(), body.turnRequest(auth.UserID(c)), sse)
	return s.streamOutcome(c, sse, err)
}

func (s *Server) searchStream(c echo.Context) error {
	var body searchRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if len(body.InterviewIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "interview_ids is required")
	}

	ctx := c.Request().Context()
	interviews, err := s.deps.Studies.InterviewsByIDs(ctx, body.InterviewIDs)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to load interviews")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load interviews")
	}
	if len(interviews) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no interviews found")
	}

	docs := make([]deployment.Document, 0, len(interviews))
	for _, iv := range interviews {
		docs = append(docs, deployment.Document{ID: iv.ID, Title: iv.Title, Text: iv.Text})
	}

	sse := newSSEWriter(c, s.stream.SendTimeout, s.stream.PingInterval)
	defer sse.Close()

	_, err = s.deps.Chat.Search(ctx, body.chatRequest.turnRequest(auth.UserID(c)), docs, sse)
	return s.streamOutcome(c, sse, err)
}

// streamOutcome turns a pipeline error into an HTTP error while nothing has
// been streamed. After the first event the status is already 200, so the
// error is only logged.
func (s *Server) streamOutcome(c echo.Context, sse *sseWriter, err error) error {
	if err == nil {
		return nil
	}
	if !sse.Started() {
		return httpError(err)
	}

	logger := zerolog.Ctx(c.Request().Context())
	switch {
	case errors.Is(err, chat.ErrCanceled):
		logger.Info().Err(err).Msg("Stream ended early")
	default:
		logger.Error().Err(err).Msg("Turn failed after streaming began")
	}
	return nil
}

// chatOnce runs the same pipeline without streaming and replies with the
// terminal payload.
func (s *Server) chatOnce(c echo.Context) error {
	var body chatRequest
	if err := c.Bind(&body); err != nil {
		return err
	}

	collector := &chat.Collector{}
	_, err := s.deps.Chat.Chat(c.Request().Context(), body.turnRequest(auth.UserID(c)), collector)
	if err != nil {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("Chat failed")
		return httpError(err)
	}

	terminal, ok := collector.Terminal()
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no response generated")
	}
	return c.JSON(http.StatusOK, terminal)
}

func (s *Server) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Agents.List())
}

// httpError maps error kinds to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, conversation.ErrConversationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrCanceled):
		return echo.NewHTTPError(499, "client closed request")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
