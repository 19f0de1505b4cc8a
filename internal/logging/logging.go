package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the process-wide logger.
type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Setup configures the global zerolog logger and makes it the fallback for
// zerolog.Ctx on contexts that carry no logger of their own.
func Setup(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// WithConversation returns a context whose logger carries the owner and
// conversation ids.
func WithConversation(ctx context.Context, ownerID, conversationID string) context.Context {
	l := zerolog.Ctx(ctx).With()
	if ownerID != "" {
		l = l.Str("user_id", ownerID)
	}
	if conversationID != "" {
		l = l.Str("conversation_id", conversationID)
	}
	return l.Logger().WithContext(ctx)
}

// WithRequestID attaches the request id to the context logger.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return zerolog.Ctx(ctx).With().Str("request_id", requestID).Logger().WithContext(ctx)
}
