package deployment

import (
	"context"
	"io"
)

// Stream is a strictly ordered, pull-based sequence of upstream events.
// Next returns io.EOF once the upstream has nothing more to say. Close
// releases the upstream and may be called at any point.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// EmitFunc hands one event to the consumer. It blocks until the consumer
// pulls the event or the stream is closed.
type EmitFunc func(Event) error

type pushStream struct {
	events chan Event
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Push adapts a callback-driven producer to a Stream. produce runs on its
// own goroutine; every emit waits for a matching Next, so a slow consumer
// stalls the producer. The producer context is canceled by Close.
func Push(ctx context.Context, produce func(ctx context.Context, emit EmitFunc) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pushStream{
		events: make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		s.err = produce(ctx, func(ev Event) error {
			select {
			case s.events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return s
}

func (s *pushStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pushStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
