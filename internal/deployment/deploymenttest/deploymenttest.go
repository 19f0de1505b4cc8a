// Package deploymenttest provides scripted deployments and streams for
// tests.
package deploymenttest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/salon/internal/deployment"
)

// SliceStream replays a fixed list of events, then returns Err (io.EOF
// when nil).
type SliceStream struct {
	Events []deployment.Event
	Err    error

	mu     sync.Mutex
	next   int
	closed bool
	// Pulled counts the events handed out.
	Pulled int
}

func NewStream(events ...deployment.Event) *SliceStream {
	return &SliceStream{Events: events}
}

// FailingStream replays events and then fails with err.
func FailingStream(err error, events ...deployment.Event) *SliceStream {
	return &SliceStream{Events: events, Err: err}
}

func (s *SliceStream) Next(ctx context.Context) (deployment.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		s.Pulled++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SliceStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Replay decodes newline-delimited JSON upstream events, as recorded from a
// provider, into a stream.
func Replay(ndjson []byte) (*SliceStream, error) {
	var events []deployment.Event
	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := deployment.DecodeEvent(line)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewStream(events...), nil
}

// Deployment hands out scripted streams and records the requests it saw.
type Deployment struct {
	mu sync.Mutex

	Stream       deployment.Stream
	SearchResult deployment.Stream
	OpenErr      error
	Answer       string
	AnswerErr    error

	ChatRequests   []deployment.ChatRequest
	SearchRequests []deployment.SearchRequest
}

func (d *Deployment) ChatStream(ctx context.Context, req deployment.ChatRequest) (deployment.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ChatRequests = append(d.ChatRequests, req)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.Stream, nil
}

func (d *Deployment) SearchStream(ctx context.Context, req deployment.SearchRequest) (deployment.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SearchRequests = append(d.SearchRequests, req)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.SearchResult, nil
}

func (d *Deployment) Chat(ctx context.Context, req deployment.ChatRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ChatRequests = append(d.ChatRequests, req)
	return d.Answer, d.AnswerErr
}

var _ deployment.Deployment = (*Deployment)(nil)
