// Package conversation prepares inbound chat history for the upstream API,
// which requires system turns first, strict user/assistant alternation, and a
// trailing user turn.
package conversation

import (
	"errors"
	"fmt"
	"strings"

	"sonar-relay/internal/models"
)

var (
	// ErrEmptyQuery rejects exchanges with nothing to ask.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrInvalidRole rejects history turns with roles the upstream API does
	// not accept.
	ErrInvalidRole = errors.New("invalid role")
)

// continuationPrompt opens a conversation whose surviving history would
// otherwise begin with an assistant turn.
const continuationPrompt = "Hello, I'd like to continue our conversation."

// Build normalizes history and appends the new query as the final user turn.
// Consecutive same-role turns are merged, and a history starting with an
// assistant turn gains a synthetic leading user turn. When the surviving
// history already ends with a user turn, the query replaces it.
func Build(history []models.Turn, query string) ([]models.Turn, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	var system, dialogue []models.Turn
	for i, turn := range history {
		switch turn.Role {
		case models.RoleSystem:
			system = append(system, turn)
		case models.RoleUser, models.RoleAssistant:
			dialogue = append(dialogue, turn)
		default:
			return nil, fmt.Errorf("history[%d]: %w: %q", i, ErrInvalidRole, turn.Role)
		}
	}

	out := make([]models.Turn, 0, len(history)+2)
	out = append(out, system...)
	out = append(out, fixAlternation(dialogue)...)

	if n := len(out); n > 0 && out[n-1].Role == models.RoleUser {
		out[n-1] = models.Turn{Role: models.RoleUser, Content: query}
	} else {
		out = append(out, models.Turn{Role: models.RoleUser, Content: query})
	}

	return out, nil
}

// fixAlternation merges consecutive turns from the same role and inserts a
// leading user turn when the dialogue would open with the assistant.
func fixAlternation(dialogue []models.Turn) []models.Turn {
	if len(dialogue) == 0 {
		return nil
	}

	fixed := make([]models.Turn, 0, len(dialogue))
	for _, turn := range dialogue {
		if n := len(fixed); n > 0 && fixed[n-1].Role == turn.Role {
			fixed[n-1].Content += "\n\n" + turn.Content
			continue
		}
		fixed = append(fixed, turn)
	}

	if fixed[0].Role == models.RoleAssistant {
		fixed = append([]models.Turn{{Role: models.RoleUser, Content: continuationPrompt}}, fixed...)
	}

	return fixed
}
