package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salon/internal/api/auth"
	"github.com/salon/internal/conversation"
)

// conversationWithoutMessages hides the messages of a conversation in list
// responses.
type conversationWithoutMessages struct {
	*conversation.Conversation
	Messages []*conversation.Message `json:"messages,omitempty"`
}

func withoutMessages(convs []*conversation.Conversation) []conversationWithoutMessages {
	out := make([]conversationWithoutMessages, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationWithoutMessages{Conversation: c})
	}
	return out
}

type updateConversationRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type togglePinRequest struct {
	IsPinned bool `json:"is_pinned"`
}

type generateTitleResponse struct {
	Title string  `json:"title"`
	Error *string `json:"error"`
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.deps.Conversations.GetConversation(c.Request().Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

func listOptions(c echo.Context) (conversation.ListOptions, error) {
	opts := conversation.ListOptions{OwnerID: auth.UserID(c), Limit: 100}
	err := echo.QueryParamsBinder(c).
		Int("offset", &opts.Offset).
		Int("limit", &opts.Limit).
		String("agent_id", &opts.AgentID).
		BindError()
	if err != nil {
		return opts, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return opts, echo.NewHTTPError(http.StatusBadRequest, "offset and limit must not be negative")
	}
	return opts, nil
}

func (s *Server) listConversations(c echo.Context) error {
	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	convs, err := s.deps.Conversations.ListConversations(c.Request().Context(), opts)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, withoutMessages(convs))
}

// searchConversations matches the query against titles and the latest
// turns of each conversation. Paging applies to the matches.
func (s *Server) searchConversations(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("query"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	opts, err := listOptions(c)
	if err != nil {
		return err
	}

	convs, err := conversation.Search(c.Request().Context(), s.deps.Conversations, opts, query)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, withoutMessages(convs))
}

func (s *Server) updateConversation(c echo.Context) error {
	var body updateConversationRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Title != nil && strings.TrimSpace(*body.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title must not be empty")
	}

	conv, err := s.deps.Conversations.UpdateConversation(c.Request().Context(), c.Param("id"), auth.UserID(c), conversation.Update{
		Title:       body.Title,
		Description: body.Description,
	})
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) togglePin(c echo.Context) error {
	var body togglePinRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	conv, err := s.deps.Conversations.SetPinned(c.Request().Context(), c.Param("id"), auth.UserID(c), body.IsPinned)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, conversationWithoutMessages{Conversation: conv})
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.deps.Conversations.DeleteConversation(c.Request().Context(), c.Param("id"), auth.UserID(c)); err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, struct{}{})
}

func (s *Server) generateTitle(c echo.Context) error {
	title, genErr, err := s.deps.Titler.GenerateTitle(c.Request().Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		return httpError(err)
	}

	resp := generateTitleResponse{Title: title}
	if genErr != nil {
		msg := genErr.Error()
		resp.Error = &msg
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) storeError(c echo.Context, err error) error {
	if errors.Is(err, conversation.ErrConversationNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("Conversation store failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
