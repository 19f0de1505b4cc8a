package deployment

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushStream(t *testing.T) {
	t.Run("delivers events in order then EOF", func(t *testing.T) {
		s := Push(context.Background(), func(ctx context.Context, emit EmitFunc) error {
			for _, text := range []string{"a", "b", "c"} {
				if err := emit(TextGeneration{Text: text}); err != nil {
					return err
				}
			}
			return nil
		})
		defer s.Close()

		var got []string
		for {
			ev, err := s.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			got = append(got, ev.(TextGeneration).Text)
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("producer error surfaces after events", func(t *testing.T) {
		boom := errors.New("boom")
		s := Push(context.Background(), func(ctx context.Context, emit EmitFunc) error {
			_ = emit(StreamStart{GenerationID: "g"})
			return boom
		})
		defer s.Close()

		ev, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StreamStart{GenerationID: "g"}, ev)

		_, err = s.Next(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("producer waits for the consumer", func(t *testing.T) {
		var emitted atomic.Int32
		s := Push(context.Background(), func(ctx context.Context, emit EmitFunc) error {
			for i := 0; i < 3; i++ {
				if err := emit(TextGeneration{Text: "x"}); err != nil {
					return err
				}
				emitted.Add(1)
			}
			return nil
		})
		defer s.Close()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), emitted.Load())

		_, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return emitted.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), emitted.Load())
	})

	t.Run("close cancels the producer", func(t *testing.T) {
		stopped := make(chan error, 1)
		s := Push(context.Background(), func(ctx context.Context, emit EmitFunc) error {
			for {
				if err := emit(TextGeneration{Text: "x"}); err != nil {
					stopped <- err
					return err
				}
			}
		})

		_, err := s.Next(context.Background())
		require.NoError(t, err)
		require.NoError(t, s.Close())

		select {
		case err := <-stopped:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("producer did not stop")
		}
	})

	t.Run("next honours caller context", func(t *testing.T) {
		s := Push(context.Background(), func(ctx context.Context, emit EmitFunc) error {
			<-ctx.Done()
			return ctx.Err()
		})
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := s.Next(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{"start", `{"event_type":"stream-start","generation_id":"g1"}`, StreamStart{GenerationID: "g1"}},
		{"text", `{"event_type":"text-generation","text":"Hi"}`, TextGeneration{Text: "Hi"}},
		{
			"search",
			`{"event_type":"search-results","interview_id":"i1","search_results":{"zitate":[{"text":"q","confidence_score":0.5}]}}`,
			SearchResults{SourceID: "i1", Results: CitationList{Zitate: []Citation{{Text: "q", ConfidenceScore: 0.5}}}},
		},
		{"end", `{"event_type":"stream-end","finish_reason":"COMPLETE"}`, StreamEnd{FinishReason: "COMPLETE"}},
		{"unknown", `{"event_type":"tool-call"}`, Unknown{Name: "tool-call"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeEvent([]byte(`{not json`))
	assert.Error(t, err)
}
