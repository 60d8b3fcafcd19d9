// Package consumer is the client side of the relay: it reads the outbound
// event stream, maintains a running transcript, and separates reasoning
// blocks and citation references for display.
package consumer

import (
	"log/slog"
	"strings"

	"sonar-relay/internal/extract"
	"sonar-relay/internal/models"
	"sonar-relay/internal/relay"
)

// Message is one rendered transcript entry. It is mutated in place as events
// arrive and frozen once the exchange reaches a terminal event.
type Message struct {
	Role     string
	Content  string
	Thinking []string
	Sources  []string
	// Streaming is true while the exchange is open; terminal events clear it.
	Streaming bool
	// FailureReason carries the error event text. Content accumulated before
	// the failure is kept.
	FailureReason string

	// Raw accumulated text; extraction re-runs over the whole buffer on every
	// update, so a reasoning span split across deltas resolves as soon as its
	// closing tag arrives.
	raw strings.Builder
}

func newUserMessage(content string) *Message {
	return &Message{Role: models.RoleUser, Content: content}
}

func newAssistantMessage() *Message {
	return &Message{Role: models.RoleAssistant, Streaming: true}
}

// Apply folds one stream event into the message, in arrival order. Events
// after the terminal one are ignored. Unknown event types are skipped so that
// a newer relay never breaks an older consumer.
func (m *Message) Apply(ev relay.Event) {
	if m.Role != models.RoleAssistant || !m.Streaming {
		return
	}

	switch ev.Type {
	case relay.EventContentDelta:
		m.raw.WriteString(ev.Text)
		ex := extract.Thinking(m.raw.String())
		m.Content = ex.Content
		m.Thinking = ex.Thinking

	case relay.EventCitations:
		// Wholesale replacement; the latest set is authoritative.
		m.Sources = append([]string(nil), ev.Citations...)

	case relay.EventDone:
		m.Streaming = false

	case relay.EventError:
		m.FailureReason = ev.Message
		m.Streaming = false

	default:
		slog.Warn("skipping unknown stream event", "type", ev.Type)
	}
}

// Citations resolves the [n] markers in the message content against its
// source list.
func (m *Message) Citations() []CitationRef {
	return ResolveCitations(m.Content, m.Sources)
}

// finalize adopts a complete non-streaming response.
func (m *Message) finalize(resp models.ChatResponse) {
	m.Content = resp.Content
	m.Thinking = resp.Thinking
	m.Sources = resp.Sources
	m.Streaming = false
}
