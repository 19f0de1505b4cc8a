package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salon/internal/chat"
)

// sseWriter is a chat.Sink writing server-sent events. Headers go out with
// the first event, so errors raised before it can still become plain HTTP
// errors. Once started, a ping comment is written every pingInterval.
type sseWriter struct {
	mu           sync.Mutex
	res          *echo.Response
	rc           *http.ResponseController
	sendTimeout  time.Duration
	pingInterval time.Duration

	started  bool
	closed   bool
	stopPing context.CancelFunc
	pingDone chan struct{}
}

func newSSEWriter(c echo.Context, sendTimeout, pingInterval time.Duration) *sseWriter {
	return &sseWriter{
		res:          c.Response(),
		rc:           http.NewResponseController(c.Response()),
		sendTimeout:  sendTimeout,
		pingInterval: pingInterval,
	}
}

func (s *sseWriter) Send(ctx context.Context, ev chat.WireEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event stream closed")
	}
	if !s.started {
		s.start(ctx)
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Event, payload))
}

// Started reports whether any bytes have been sent.
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// start must be called with mu held.
func (s *sseWriter) start(ctx context.Context) {
	h := s.res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.res.WriteHeader(http.StatusOK)
	s.started = true

	if s.pingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		s.stopPing = cancel
		s.pingDone = make(chan struct{})
		go s.keepAlive(pingCtx)
	}
}

func (s *sseWriter) keepAlive(ctx context.Context) {
	defer close(s.pingDone)
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			var err error
			if !s.closed {
				err = s.write(": ping\n\n")
			}
			s.mu.Unlock()
			if err != nil {
				zerolog.Ctx(ctx).Debug().Err(err).Msg("SSE ping failed")
				return
			}
		}
	}
}

// write must be called with mu held. Each write gets its own deadline.
func (s *sseWriter) write(frame string) error {
	if s.sendTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.res.Write([]byte(frame)); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close stops the keep-alive loop. Later sends fail.
func (s *sseWriter) Close() {
	s.mu.Lock()
	s.closed = true
	stop, done := s.stopPing, s.pingDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if s.sendTimeout > 0 {
		_ = s.rc.SetWriteDeadline(time.Time{})
	}
}
