package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar-relay/internal/upstream"
)

type collectSink struct {
	events []Event
	err    error
}

func (s *collectSink) Write(ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func feed(increments ...upstream.Increment) <-chan upstream.Increment {
	ch := make(chan upstream.Increment, len(increments))
	for _, inc := range increments {
		ch <- inc
	}
	close(ch)
	return ch
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestRun(t *testing.T) {
	t.Run("forwards increments in order and closes with done", func(t *testing.T) {
		sink := &collectSink{}
		src := feed(
			upstream.Increment{Content: "Hel"},
			upstream.Increment{Content: "lo"},
			upstream.Increment{Citations: []string{"https://a"}},
			upstream.Increment{Citations: []string{"https://a", "https://b"}},
			upstream.Increment{Done: true},
		)

		Run(context.Background(), "x1", src, sink, time.Second)

		require.Equal(t, []Event{
			ContentDelta("Hel"),
			ContentDelta("lo"),
			CitationSet([]string{"https://a"}),
			CitationSet([]string{"https://a", "https://b"}),
			Done(),
		}, sink.events)
		assert.Equal(t, 1, terminalCount(sink.events))
	})

	t.Run("forwards nothing after done", func(t *testing.T) {
		sink := &collectSink{}
		src := feed(
			upstream.Increment{Content: "answer"},
			upstream.Increment{Done: true},
			upstream.Increment{Content: "stray"},
			upstream.Increment{Done: true},
		)

		Run(context.Background(), "x2", src, sink, time.Second)

		require.Equal(t, []Event{ContentDelta("answer"), Done()}, sink.events)
	})

	t.Run("upstream failure emits prefix then exactly one error", func(t *testing.T) {
		sink := &collectSink{}
		src := feed(
			upstream.Increment{Content: "partial "},
			upstream.Increment{Content: "answer"},
			upstream.Increment{Err: errors.New("connection reset")},
		)

		Run(context.Background(), "x3", src, sink, time.Second)

		require.Len(t, sink.events, 3)
		assert.Equal(t, ContentDelta("partial "), sink.events[0])
		assert.Equal(t, ContentDelta("answer"), sink.events[1])
		assert.Equal(t, EventError, sink.events[2].Type)
		assert.Contains(t, sink.events[2].Message, "connection reset")
		assert.Equal(t, 1, terminalCount(sink.events))
	})

	t.Run("stalled upstream surfaces as the error terminal state", func(t *testing.T) {
		sink := &collectSink{}
		src := make(chan upstream.Increment)

		Run(context.Background(), "x4", src, sink, 10*time.Millisecond)

		require.Len(t, sink.events, 1)
		assert.Equal(t, EventError, sink.events[0].Type)
		assert.Contains(t, sink.events[0].Message, "timed out")
	})

	t.Run("source closing without terminal is an error", func(t *testing.T) {
		sink := &collectSink{}
		src := feed(upstream.Increment{Content: "text"})

		Run(context.Background(), "x5", src, sink, time.Second)

		require.Len(t, sink.events, 2)
		assert.Equal(t, EventError, sink.events[1].Type)
	})

	t.Run("client disconnect stops forwarding without a terminal event", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sink := &collectSink{}
		src := feed(upstream.Increment{Content: "text"}, upstream.Increment{Done: true})

		Run(ctx, "x6", src, sink, time.Second)

		assert.Equal(t, 0, terminalCount(sink.events))
	})

	t.Run("unreachable sink halts the relay", func(t *testing.T) {
		sink := &collectSink{err: errors.New("broken pipe")}
		src := feed(
			upstream.Increment{Content: "text"},
			upstream.Increment{Done: true},
		)

		done := make(chan struct{})
		go func() {
			Run(context.Background(), "x7", src, sink, time.Second)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("relay did not stop after sink failure")
		}
		assert.Empty(t, sink.events)
	})
}

func TestCollapse(t *testing.T) {
	t.Run("strips thinking spans into ordered blocks", func(t *testing.T) {
		resp := Collapse(&upstream.ChatResult{
			Content:   "<think>step one</think>Answer [1].<think>step two</think>",
			Citations: []string{"https://a"},
		})

		assert.Equal(t, "Answer [1].", resp.Content)
		assert.Equal(t, []string{"step one", "step two"}, resp.Thinking)
		assert.Equal(t, []string{"https://a"}, resp.Sources)
	})

	t.Run("nil citations become an empty source list", func(t *testing.T) {
		resp := Collapse(&upstream.ChatResult{Content: "pong"})

		assert.Equal(t, "pong", resp.Content)
		assert.NotNil(t, resp.Sources)
		assert.Empty(t, resp.Sources)
		assert.Empty(t, resp.Thinking)
	})
}
