package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salon/internal/agents"
	"github.com/salon/internal/api/auth"
	"github.com/salon/internal/chat"
	"github.com/salon/internal/conversation"
	"github.com/salon/internal/logging"
	"github.com/salon/internal/study"
)

// Pinger reports database health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Chat          *chat.Service
	Titler        *chat.Titler
	Conversations conversation.Store
	Studies       study.Store
	Agents        *agents.Catalogue
	Tokens        *auth.TokenService // nil trusts the User-Id header
	DB            Pinger
}

// StreamConfig tunes server-sent event delivery.
type StreamConfig struct {
	SendTimeout  time.Duration
	PingInterval time.Duration
}

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	port   int
	deps   Deps
	stream StreamConfig
}

// NewServer creates a new API server
func NewServer(port int, cors string, stream StreamConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: splitOrigins(cors),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.UserIDHeader},
	}))

	server := &Server{
		echo:   e,
		port:   port,
		deps:   deps,
		stream: stream,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/v1", auth.RequireAuth(s.deps.Tokens))

	v1.POST("/chat-stream", s.chatStream)
	v1.POST("/chat-stream/regenerate", s.regenerateStream)
	v1.POST("/search-stream", s.searchStream)
	v1.POST("/chat", s.chatOnce)

	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/search", s.searchConversations)
	v1.GET("/conversations/:id", s.getConversation)
	v1.PUT("/conversations/:id", s.updateConversation)
	v1.PUT("/conversations/:id/toggle-pin", s.togglePin)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.POST("/conversations/:id/generate-title", s.generateTitle)

	v1.GET("/agents", s.listAgents)

	v1.GET("/studies", s.listStudies)
	v1.GET("/studies/:id", s.getStudy)
	v1.GET("/studies/:id/interviews", s.listInterviews)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down API server")
	return s.echo.Shutdown(shutdownCtx)
}

// requestLogger attaches a request-scoped zerolog logger to the request
// context and logs one line per request.
func requestLogger() echo.MiddlewareFunc {
	attach := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := log.Logger.WithContext(req.Context())
			ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}

	logRequest := middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogMethod:   true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger := zerolog.Ctx(c.Request().Context())
			ev := logger.Info()
			if v.Error != nil {
				ev = logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return attach(logRequest(next))
	}
}

func splitOrigins(cors string) []string {
	var out []string
	for _, o := range strings.Split(cors, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
