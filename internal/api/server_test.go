package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salon/internal/agents"
	"github.com/salon/internal/api/auth"
	"github.com/salon/internal/chat"
	"github.com/salon/internal/conversation"
	"github.com/salon/internal/conversation/conversationtest"
	"github.com/salon/internal/deployment"
	"github.com/salon/internal/deployment/deploymenttest"
	"github.com/salon/internal/study"
)

type fakeStudies struct {
	studies    []*study.Study
	interviews []*study.Interview
}

func (f *fakeStudies) ListStudies(_ context.Context, offset, limit int) ([]*study.Study, error) {
	return f.studies, nil
}

func (f *fakeStudies) GetStudy(_ context.Context, id string) (*study.Study, error) {
	for _, s := range f.studies {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, study.ErrStudyNotFound
}

func (f *fakeStudies) InterviewsByStudy(_ context.Context, studyID string) ([]*study.Interview, error) {
	var out []*study.Interview
	for _, iv := range f.interviews {
		if iv.StudyID == studyID {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (f *fakeStudies) InterviewsByIDs(_ context.Context, ids []string) ([]*study.Interview, error) {
	return study.OrderByIDs(f.interviews, ids), nil
}

type fixture struct {
	store  *conversationtest.MemoryStore
	dep    *deploymenttest.Deployment
	server *Server
}

func newFixture(tokens *auth.TokenService) *fixture {
	store := conversationtest.NewMemoryStore()
	dep := &deploymenttest.Deployment{}
	studies := &fakeStudies{
		studies:    []*study.Study{{ID: "s1", Name: "Coffee study"}},
		interviews: []*study.Interview{{ID: "i1", StudyID: "s1", Title: "Anna", Text: "I drink espresso.", Type: study.InterviewTranscript}},
	}

	service := chat.NewService(store, dep, chat.NewFinalizer(store), chat.Options{})
	server := NewServer(0, "*", StreamConfig{SendTimeout: time.Second}, Deps{
		Chat:          service,
		Titler:        chat.NewTitler(store, dep),
		Conversations: store,
		Studies:       studies,
		Agents:        agents.Builtin(),
		Tokens:        tokens,
	})
	return &fixture{store: store, dep: dep, server: server}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.UserIDHeader, "u1")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

type frame struct {
	event string
	data  map[string]any
}

func parseSSE(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	var cur frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var envelope struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope))
			require.Equal(t, cur.event, envelope.Event, "SSE event name matches the envelope")
			cur.data = envelope.Data
		}
	}
	return frames
}

func helloStream() *deploymenttest.SliceStream {
	return deploymenttest.NewStream(
		deployment.StreamStart{GenerationID: "g1"},
		deployment.TextGeneration{Text: "Hel"},
		deployment.TextGeneration{Text: "lo"},
		deployment.StreamEnd{FinishReason: deployment.FinishComplete},
	)
}

func TestChatStream(t *testing.T) {
	f := newFixture(nil)
	f.dep.Stream = helloStream()

	rec := f.do(http.MethodPost, "/v1/chat-stream", `{"message":"hello there","conversation_id":"c1","agent_id":"basic"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "stream-start", frames[0].event)
	assert.Equal(t, "g1", frames[0].data["generation_id"])
	assert.Equal(t, "c1", frames[0].data["conversation_id"])
	assert.Equal(t, "Hel", frames[1].data["text"])

	end := frames[3]
	assert.Equal(t, "stream-end", end.event)
	assert.Equal(t, "Hello", end.data["text"])
	assert.Equal(t, "COMPLETE", end.data["finish_reason"])
	assert.NotNil(t, end.data["message_id"])
	assert.NotNil(t, end.data["response_id"])

	msgs := f.store.Messages("c1", "u1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Text)
	assert.Equal(t, msgs[1].ID, end.data["message_id"])
	assert.Equal(t, msgs[1].ID, end.data["response_id"])
}

func TestChatStreamStatelessHistory(t *testing.T) {
	f := newFixture(nil)
	f.dep.Stream = helloStream()

	rec := f.do(http.MethodPost, "/v1/chat-stream", `{"message":"hi","chat_history":[{"role":"user","message":"before"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSE(t, rec.Body.String())
	end := frames[len(frames)-1]
	assert.Nil(t, end.data["message_id"])
	assert.Nil(t, end.data["response_id"])

	require.Len(t, f.dep.ChatRequests, 1)
	assert.Equal(t, []conversation.HistoryEntry{{Role: conversation.ChatRoleUser, Message: "before"}}, f.dep.ChatRequests[0].ChatHistory)
	assert.Empty(t, f.store.Calls)
}

func TestChatStreamErrorsBeforeStreaming(t *testing.T) {
	f := newFixture(nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"empty message", "/v1/chat-stream", `{"message":"  "}`, http.StatusBadRequest},
		{"malformed body", "/v1/chat-stream", `{"message":`, http.StatusBadRequest},
		{"regenerate without conversation", "/v1/chat-stream/regenerate", `{}`, http.StatusBadRequest},
		{"regenerate unknown conversation", "/v1/chat-stream/regenerate", `{"conversation_id":"nope"}`, http.StatusNotFound},
		{"search without interviews", "/v1/search-stream", `{"message":"coffee"}`, http.StatusBadRequest},
		{"search unknown interviews", "/v1/search-stream", `{"message":"coffee","interview_ids":["zz"]}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
		})
	}
}

func TestRegenerateStream(t *testing.T) {
	f := newFixture(nil)
	f.store.Seed(&conversation.Conversation{ID: "c1", OwnerID: "u1", Title: "Coffee", Messages: []*conversation.Message{
		{ID: "u0", Role: conversation.RoleUser, Position: 0, IsActive: true, Text: "first"},
		{ID: "M1", Role: conversation.RoleAssistant, Position: 0, IsActive: true, Text: "old"},
	}})
	f.dep.Stream = helloStream()

	rec := f.do(http.MethodPost, "/v1/chat-stream/regenerate", `{"conversation_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := f.store.Messages("c1", "u1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "u0", msgs[0].ID)
	assert.Equal(t, "Hello", msgs[1].Text)
	assert.NotEqual(t, "M1", msgs[1].ID)
}

func TestSearchStream(t *testing.T) {
	f := newFixture(nil)
	f.dep.SearchResult = deploymenttest.NewStream(
		deployment.StreamStart{GenerationID: "g2"},
		deployment.SearchResults{SourceID: "i1", Results: deployment.CitationList{Zitate: []deployment.Citation{{Text: "I drink espresso.", ConfidenceScore: 0.9}}}},
		deployment.StreamEnd{FinishReason: deployment.FinishComplete},
	)

	rec := f.do(http.MethodPost, "/v1/search-stream", `{"message":"coffee","interview_ids":["i1"],"chat_history":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "search-results", frames[1].event)
	assert.Equal(t, "i1", frames[1].data["interview_id"])
	results, ok := frames[2].data["search_results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, results, "i1")

	require.Len(t, f.dep.SearchRequests, 1)
	assert.Equal(t, "I drink espresso.", f.dep.SearchRequests[0].Documents[0].Text)
}

func TestChatOnce(t *testing.T) {
	f := newFixture(nil)
	f.dep.Stream = helloStream()

	rec := f.do(http.MethodPost, "/v1/chat", `{"message":"hello","conversation_id":"c9"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body chat.StreamEndData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Hello", body.Text)
	assert.Equal(t, "c9", body.ConversationID)
	require.NotNil(t, body.MessageID)
	require.NotNil(t, body.ResponseID)
	assert.Equal(t, *body.MessageID, *body.ResponseID)
}

func TestChatOncePersistenceFailure(t *testing.T) {
	f := newFixture(nil)
	f.dep.Stream = helloStream()
	f.store.FailOn["DeleteMessages"] = errors.New("disk full")
	f.store.FailOn["UpdateConversation"] = errors.New("disk full")

	rec := f.do(http.MethodPost, "/v1/chat", `{"message":"hello","conversation_id":"c9"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestConversationEndpoints(t *testing.T) {
	f := newFixture(nil)
	f.store.Seed(&conversation.Conversation{ID: "c1", OwnerID: "u1", Title: "Coffee talk", AgentID: "basic", Messages: []*conversation.Message{
		{ID: "m0", Role: conversation.RoleUser, Position: 0, IsActive: true, Text: "espresso or filter?"},
	}})
	f.store.Seed(&conversation.Conversation{ID: "c2", OwnerID: "u1", Title: "Tea", AgentID: "other"})
	f.store.Seed(&conversation.Conversation{ID: "c3", OwnerID: "u2", Title: "Not mine"})

	t.Run("get", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/conversations/c1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var conv conversation.Conversation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
		assert.Len(t, conv.Messages, 1)
	})

	t.Run("get other owner", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/conversations/c3", "").Code)
	})

	t.Run("list filters by agent and hides messages", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/conversations?agent_id=basic", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, "c1", list[0]["id"])
		assert.NotContains(t, list[0], "messages")
	})

	t.Run("list rejects bad paging", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/conversations?limit=abc", "").Code)
	})

	t.Run("search", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/conversations/search?query=ESPRESSO", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, "c1", list[0]["id"])
	})

	t.Run("update", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/v1/conversations/c2", `{"title":"Green tea"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		conv, err := f.store.GetConversation(context.Background(), "c2", "u1")
		require.NoError(t, err)
		assert.Equal(t, "Green tea", conv.Title)
	})

	t.Run("toggle pin", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/v1/conversations/c2/toggle-pin", `{"is_pinned":true}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["is_pinned"])
	})

	t.Run("generate title", func(t *testing.T) {
		f.dep.Answer = "Espresso Versus Filter"
		rec := f.do(http.MethodPost, "/v1/conversations/c1/generate-title", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body generateTitleResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Espresso Versus Filter", body.Title)
		assert.Nil(t, body.Error)
	})

	t.Run("delete", func(t *testing.T) {
		require.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/v1/conversations/c2", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/conversations/c2", "").Code)
	})
}

func TestStudyEndpoints(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/v1/studies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Coffee study")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/studies/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/studies/zz", "").Code)

	rec = f.do(http.MethodGet, "/v1/studies/s1/interviews", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "espresso")
}

func TestAgentsAndHealth(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"basic"`)
	assert.NotContains(t, rec.Body.String(), "Style Guide", "prompts stay server side")

	rec = f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthentication(t *testing.T) {
	t.Run("header mode requires User-Id", func(t *testing.T) {
		f := newFixture(nil)
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("jwt subject is the owner", func(t *testing.T) {
		tokens := auth.NewTokenService("secret")
		f := newFixture(tokens)
		f.store.Seed(&conversation.Conversation{ID: "c1", OwnerID: "jwt-user", Title: "Mine"})

		token, _, err := tokens.CreateAccessToken("jwt-user", "")
		require.NoError(t, err)

		rec := f.do(http.MethodGet, "/v1/conversations/c1", "", "Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(http.MethodGet, "/v1/conversations/c1", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSSEWriterPings(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	w := newSSEWriter(c, time.Second, 5*time.Millisecond)
	assert.False(t, w.Started())

	require.NoError(t, w.Send(context.Background(), chat.WireEvent{Event: deployment.EventTextGeneration, Data: chat.TextGenerationData{Text: "x"}}))
	assert.True(t, w.Started())

	time.Sleep(30 * time.Millisecond)
	w.Close()

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: text-generation\ndata: "))
	assert.Contains(t, body, ": ping\n\n")
	assert.Error(t, w.Send(context.Background(), chat.WireEvent{Event: deployment.EventStreamEnd}), "closed writer rejects sends")
}

// stalledWriter never accepts bytes once a write deadline is set; writes
// fail when the deadline passes, like a client that stopped reading.
type stalledWriter struct {
	header http.Header

	mu        sync.Mutex
	deadlines []time.Time
}

func (w *stalledWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *stalledWriter) WriteHeader(int) {}

func (w *stalledWriter) SetWriteDeadline(d time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadlines = append(w.deadlines, d)
	return nil
}

func (w *stalledWriter) lastDeadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.deadlines) == 0 {
		return time.Time{}
	}
	return w.deadlines[len(w.deadlines)-1]
}

func (w *stalledWriter) Write(p []byte) (int, error) {
	deadline := w.lastDeadline()
	if deadline.IsZero() {
		return len(p), nil
	}
	time.Sleep(time.Until(deadline))
	return 0, os.ErrDeadlineExceeded
}

func (w *stalledWriter) Flush() {}

func TestSSEWriterSendTimeout(t *testing.T) {
	e := echo.New()
	out := &stalledWriter{}
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), out)

	w := newSSEWriter(c, 20*time.Millisecond, 0)
	began := time.Now()
	err := w.Send(context.Background(), chat.WireEvent{Event: deployment.EventTextGeneration, Data: chat.TextGenerationData{Text: "x"}})
	elapsed := time.Since(began)

	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, w.Started())

	w.Close()
	assert.True(t, out.lastDeadline().IsZero(), "deadline cleared on close")
}

func TestSearchConversationsLooksPastFirstPage(t *testing.T) {
	f := newFixture(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		title := fmt.Sprintf("chat %d", i)
		if i == 0 {
			title = "Oldest espresso notes"
		}
		f.store.Seed(&conversation.Conversation{
			ID: fmt.Sprintf("c%d", i), OwnerID: "u1", Title: title,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	rec := f.do(http.MethodGet, "/v1/conversations/search?query=espresso", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "c0", list[0]["id"])
}
