package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonar-relay/internal/models"
)

func gatewayStub(t *testing.T, handler http.HandlerFunc) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSession(srv.URL)
}

// ndjson writes records followed by newlines, split across writes at
// arbitrary points by the transport; the consumer only acts on full lines.
func ndjson(w http.ResponseWriter, records ...string) {
	flusher := w.(http.Flusher)
	for _, rec := range records {
		fmt.Fprintf(w, "%s\n", rec)
		flusher.Flush()
	}
}

func TestAsk(t *testing.T) {
	t.Run("accumulates a streamed answer", func(t *testing.T) {
		var gotReq models.ChatRequest
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			ndjson(w,
				`{"type":"content_delta","text":"Hel"}`,
				`{"type":"content_delta","text":"lo"}`,
				`{"type":"done"}`,
			)
		})

		updates := 0
		msg, err := session.Ask(context.Background(), "sonar", "greet me", nil, func(*Message) { updates++ })

		require.NoError(t, err)
		assert.True(t, gotReq.Stream)
		assert.Equal(t, "greet me", gotReq.Query)
		assert.Equal(t, "Hello", msg.Content)
		assert.False(t, msg.Streaming, "done must flip the message to its final state")
		assert.Equal(t, 3, updates)

		transcript := session.Transcript()
		require.Len(t, transcript, 2)
		assert.Equal(t, models.RoleUser, transcript[0].Role)
		assert.Same(t, msg, transcript[1])
	})

	t.Run("malformed records are skipped, not fatal", func(t *testing.T) {
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			ndjson(w,
				`{"type":"content_delta","text":"keep "}`,
				`{{{garbage`,
				`{"type":"content_delta","text":"going"}`,
				`{"type":"done"}`,
			)
		})

		msg, err := session.Ask(context.Background(), "sonar", "q", nil, nil)

		require.NoError(t, err)
		assert.Equal(t, "keep going", msg.Content)
	})

	t.Run("error event preserves accumulated content", func(t *testing.T) {
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			ndjson(w,
				`{"type":"content_delta","text":"partial"}`,
				`{"type":"error","message":"upstream provider error"}`,
			)
		})

		msg, err := session.Ask(context.Background(), "sonar", "q", nil, nil)

		require.NoError(t, err)
		assert.Equal(t, "partial", msg.Content)
		assert.Equal(t, "upstream provider error", msg.FailureReason)
		assert.False(t, msg.Streaming)
	})

	t.Run("missing terminal record is surfaced", func(t *testing.T) {
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			ndjson(w, `{"type":"content_delta","text":"cut off"}`)
		})

		msg, err := session.Ask(context.Background(), "sonar", "q", nil, nil)

		require.Error(t, err)
		assert.Equal(t, "cut off", msg.Content)
		assert.NotEmpty(t, msg.FailureReason)
	})

	t.Run("gateway rejection leaves the transcript untouched", func(t *testing.T) {
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "unknown model: bogus", "type": "invalid_request_error"},
			})
		})

		_, err := session.Ask(context.Background(), "bogus", "q", nil, nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown model")
		assert.Empty(t, session.Transcript())
	})

	t.Run("history carries prior turns on the next exchange", func(t *testing.T) {
		exchange := 0
		var secondReq models.ChatRequest
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			exchange++
			if exchange == 2 {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&secondReq))
			}
			ndjson(w,
				`{"type":"content_delta","text":"answer"}`,
				`{"type":"done"}`,
			)
		})

		_, err := session.Ask(context.Background(), "sonar", "first", nil, nil)
		require.NoError(t, err)
		_, err = session.Ask(context.Background(), "sonar", "second", nil, nil)
		require.NoError(t, err)

		require.Equal(t, []models.Turn{
			{Role: models.RoleUser, Content: "first"},
			{Role: models.RoleAssistant, Content: "answer"},
		}, secondReq.History)
		assert.Equal(t, "second", secondReq.Query)
	})
}

func TestAskOnce(t *testing.T) {
	t.Run("adopts the complete response", func(t *testing.T) {
		var gotReq models.ChatRequest
		session := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			json.NewEncoder(w).Encode(models.ChatResponse{
				Content:  "pong",
				Sources:  []string{"https://a"},
				Thinking: []string{"why not"},
			})
		})

		msg, err := session.AskOnce(context.Background(), "sonar", "ping", map[string]any{"max_results": 5})

		require.NoError(t, err)
		assert.False(t, gotReq.Stream)
		assert.Equal(t, map[string]any{"max_results": float64(5)}, gotReq.SearchOptions)
		assert.Equal(t, "pong", msg.Content)
		assert.Equal(t, []string{"https://a"}, msg.Sources)
		assert.Equal(t, []string{"why not"}, msg.Thinking)
		assert.False(t, msg.Streaming)
	})
}
