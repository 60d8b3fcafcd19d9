// Package relay normalizes an upstream response into the outbound event
// stream consumed by clients: a sequence of typed, line-delimited JSON
// records ending in exactly one terminal event.
package relay

import "fmt"

// EventType discriminates the outbound event union.
type EventType string

const (
	// EventContentDelta carries an incremental visible-text fragment.
	EventContentDelta EventType = "content_delta"
	// EventCitations carries the full current citation list; each emission
	// replaces the previous one.
	EventCitations EventType = "citations"
	// EventDone is the success terminal marker.
	EventDone EventType = "done"
	// EventError is the failure terminal marker.
	EventError EventType = "error"
)

// Event is one outbound stream record. The populated payload field follows
// from Type; consumers switch on Type and must treat unknown types as
// skippable rather than fatal.
type Event struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Terminal reports whether the event closes the exchange.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ContentDelta builds an incremental text event.
func ContentDelta(text string) Event {
	return Event{Type: EventContentDelta, Text: text}
}

// CitationSet builds a citation replacement event.
func CitationSet(citations []string) Event {
	return Event{Type: EventCitations, Citations: citations}
}

// Done builds the success terminal event.
func Done() Event {
	return Event{Type: EventDone}
}

// ErrorEvent builds the failure terminal event.
func ErrorEvent(format string, args ...any) Event {
	return Event{Type: EventError, Message: fmt.Sprintf(format, args...)}
}
