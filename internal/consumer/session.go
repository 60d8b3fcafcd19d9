package consumer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"sonar-relay/internal/models"
	"sonar-relay/internal/relay"
)

// Consumer-side line limit; a single event record is one JSON object.
const maxRecordBytes = 1 << 20

// Session is the explicit client-side state for one conversation: the gateway
// address plus the transcript. It is passed by reference to whatever view
// renders it; there is no ambient global.
type Session struct {
	baseURL    string
	httpClient *http.Client
	transcript []*Message
}

// NewSession creates a session against a gateway base URL.
func NewSession(baseURL string) *Session {
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Streaming exchanges stay open until the terminal event, so the
		// client carries no overall timeout; dial failures still surface
		// promptly via the transport defaults.
		httpClient: &http.Client{},
	}
}

// Transcript returns the messages in order. Entries still streaming are
// included and mutate as events arrive.
func (s *Session) Transcript() []*Message {
	return s.transcript
}

// Ask submits a streaming exchange. The returned message is appended to the
// transcript immediately and updated in strict arrival order; onUpdate, when
// non-nil, fires after every applied event. Ask returns once the exchange
// reaches a terminal event or ctx is cancelled.
func (s *Session) Ask(ctx context.Context, model, query string, searchOptions map[string]any, onUpdate func(*Message)) (*Message, error) {
	body, err := s.submit(ctx, models.ChatRequest{
		History:       s.history(),
		Query:         query,
		Model:         model,
		Stream:        true,
		SearchOptions: searchOptions,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	s.transcript = append(s.transcript, newUserMessage(query))
	msg := newAssistantMessage()
	s.transcript = append(s.transcript, msg)

	streamID := uuid.NewString()
	if err := readEvents(ctx, body, msg, streamID, onUpdate); err != nil {
		return msg, err
	}
	return msg, nil
}

// AskOnce submits a non-streaming exchange and appends the complete answer.
func (s *Session) AskOnce(ctx context.Context, model, query string, searchOptions map[string]any) (*Message, error) {
	body, err := s.submit(ctx, models.ChatRequest{
		History:       s.history(),
		Query:         query,
		Model:         model,
		Stream:        false,
		SearchOptions: searchOptions,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp models.ChatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	s.transcript = append(s.transcript, newUserMessage(query))
	msg := newAssistantMessage()
	msg.finalize(resp)
	s.transcript = append(s.transcript, msg)
	return msg, nil
}

// history projects the transcript into conversation turns for the next
// request. Failed or still-streaming assistant entries contribute whatever
// content they accumulated; empty entries are dropped.
func (s *Session) history() []models.Turn {
	turns := make([]models.Turn, 0, len(s.transcript))
	for _, msg := range s.transcript {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		turns = append(turns, models.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

func (s *Session) submit(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("construct chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, parseGatewayError(httpResp)
	}

	return httpResp.Body, nil
}

// readEvents re-assembles line-delimited records from the body and applies
// them in arrival order. A record is only actionable once its full line has
// been received; unparseable records are logged and skipped, never fatal.
func readEvents(ctx context.Context, body io.Reader, msg *Message, streamID string, onUpdate func(*Message)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev relay.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping malformed stream record", "stream", streamID, "err", err)
			continue
		}

		msg.Apply(ev)
		if onUpdate != nil {
			onUpdate(msg)
		}

		if ev.Terminal() {
			// Stop listening; the relay forwards nothing after this.
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		msg.Apply(relay.ErrorEvent("stream read failed: %v", err))
		if onUpdate != nil {
			onUpdate(msg)
		}
		return fmt.Errorf("read event stream: %w", err)
	}

	// The body ended without a terminal record; surface it without dropping
	// the accumulated content.
	msg.Apply(relay.ErrorEvent("stream ended without a terminal event"))
	if onUpdate != nil {
		onUpdate(msg)
	}
	return errors.New("stream ended without a terminal event")
}

type gatewayErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func parseGatewayError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("gateway error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var gwErr gatewayErrorBody
	if err := json.Unmarshal(body, &gwErr); err == nil && gwErr.Error.Message != "" {
		return fmt.Errorf("gateway error (%s): %s", gwErr.Error.Type, gwErr.Error.Message)
	}
	return fmt.Errorf("gateway error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
