package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"sonar-relay/internal/models"
)

// Increment is one raw step of an upstream streaming exchange. Exactly one of
// the terminal fields (Done, Err) is set on the final increment; earlier
// increments may carry text, a citation set, or both.
type Increment struct {
	Content   string
	Citations []string
	Done      bool
	Err       error
}

const doneSentinel = "[DONE]"

// Scanner line limit; upstream chunks are small but citation-heavy updates
// can exceed the bufio default.
const maxLineBytes = 1 << 20

// ChatStream performs a streaming chat completion. Increments are delivered
// in receipt order on the returned channel, which is closed after the
// terminal increment. Cancelling ctx aborts the upstream read and releases
// the connection.
func (c *Client) ChatStream(ctx context.Context, model string, turns []models.Turn, searchOptions map[string]any) (<-chan Increment, error) {
	payload, err := buildChatPayload(model, turns, true, searchOptions)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, c.chatURL, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.chat.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	increments := make(chan Increment, 16)
	go readEventStream(ctx, httpResp.Body, increments)
	return increments, nil
}

// readEventStream decodes server-sent events from the upstream body into
// increments until completion, failure, or cancellation.
func readEventStream(ctx context.Context, body io.ReadCloser, increments chan<- Increment) {
	defer close(increments)
	defer body.Close()

	send := func(inc Increment) bool {
		select {
		case increments <- inc:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			send(Increment{Err: ctx.Err()})
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// Comment or unrelated SSE field.
			continue
		}
		data = bytes.TrimSpace(data)

		if string(data) == doneSentinel {
			send(Increment{Done: true})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			send(Increment{Err: fmt.Errorf("malformed upstream chunk: %w", err)})
			return
		}

		inc := chunk.toIncrement()
		if inc.Content != "" || inc.Citations != nil {
			if !send(inc) {
				return
			}
		}

		if chunk.finished() {
			send(Increment{Done: true})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(Increment{Err: fmt.Errorf("read upstream stream: %w", err)})
		return
	}

	// Upstream closed the stream without a sentinel; treat EOF as completion,
	// matching provider behavior of simply ending the event stream.
	send(Increment{Done: true})
}

type streamChunk struct {
	ID        string         `json:"id"`
	Choices   []streamChoice `json:"choices"`
	Citations []string       `json:"citations,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (c streamChunk) toIncrement() Increment {
	inc := Increment{Citations: c.Citations}
	if len(c.Choices) > 0 {
		inc.Content = c.Choices[0].Delta.Content
	}
	return inc
}

func (c streamChunk) finished() bool {
	return len(c.Choices) > 0 && strings.TrimSpace(c.Choices[0].FinishReason) != ""
}
