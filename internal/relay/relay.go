package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"sonar-relay/internal/extract"
	"sonar-relay/internal/models"
	"sonar-relay/internal/upstream"
)

// Sink receives outbound events in emission order. A Write error means the
// client is unreachable; the relay stops forwarding immediately.
type Sink interface {
	Write(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) Write(ev Event) error {
	return f(ev)
}

// DefaultIdleTimeout bounds the wait for the next upstream increment when the
// caller does not configure one. A stall is surfaced as the error terminal
// state, the same as any other upstream failure.
const DefaultIdleTimeout = 30 * time.Second

// Run forwards upstream increments to the sink until the exchange closes,
// emitting exactly one terminal event. It is single-pass: content deltas and
// citation sets are forwarded in receipt order, nothing is forwarded after
// the terminal event, and partial output is never retracted. Run returns once
// the exchange is closed; no per-exchange state survives it.
func Run(ctx context.Context, exchangeID string, increments <-chan upstream.Increment, sink Sink, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	// Accumulated solely for end-of-exchange accounting; deltas are never
	// re-sent from this buffer.
	var accumulated strings.Builder

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	emit := func(ev Event) bool {
		if err := sink.Write(ev); err != nil {
			slog.Info("client unreachable, closing exchange", "exchange", exchangeID, "err", err)
			return false
		}
		return true
	}

	for {
		// Checked ahead of the select so a disconnect observed between
		// increments never forwards another event.
		if ctx.Err() != nil {
			slog.Info("exchange cancelled", "exchange", exchangeID, "bytes", accumulated.Len())
			return
		}

		select {
		case <-ctx.Done():
			// Client disconnected; ctx cancellation also aborts the upstream
			// read, releasing the connection instead of draining it.
			slog.Info("exchange cancelled", "exchange", exchangeID, "bytes", accumulated.Len())
			return

		case <-idle.C:
			emit(ErrorEvent("upstream timed out waiting for the next increment"))
			slog.Warn("exchange idle timeout", "exchange", exchangeID, "bytes", accumulated.Len())
			return

		case inc, ok := <-increments:
			if !ok {
				// Defensive: the source must send a terminal increment before
				// closing. Surface the protocol break rather than hanging.
				emit(ErrorEvent("upstream stream ended unexpectedly"))
				return
			}

			switch {
			case inc.Err != nil:
				emit(ErrorEvent("%s", inc.Err.Error()))
				slog.Warn("exchange failed", "exchange", exchangeID, "bytes", accumulated.Len(), "err", inc.Err)
				return

			case inc.Done:
				emit(Done())
				slog.Info("exchange complete", "exchange", exchangeID, "bytes", accumulated.Len())
				return

			default:
				if inc.Content != "" {
					accumulated.WriteString(inc.Content)
					if !emit(ContentDelta(inc.Content)) {
						return
					}
				}
				if inc.Citations != nil {
					// Last write wins; the final upstream set is authoritative.
					if !emit(CitationSet(inc.Citations)) {
						return
					}
				}
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		}
	}
}

// Collapse performs the non-streaming transform: thinking spans are stripped
// from the terminal payload into their ordered list and the citation set
// becomes the source list. Equivalent to the streaming emissions folded into
// a single response.
func Collapse(result *upstream.ChatResult) models.ChatResponse {
	ex := extract.Thinking(result.Content)

	sources := result.Citations
	if sources == nil {
		sources = []string{}
	}

	return models.ChatResponse{
		Content:  ex.Content,
		Sources:  sources,
		Thinking: ex.Thinking,
	}
}
