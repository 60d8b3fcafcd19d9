package catalog

import (
	"errors"
	"fmt"

	"sonar-relay/internal/models"
)

// ErrUnknownModel indicates the requested model is not in the enumerated set.
var ErrUnknownModel = errors.New("unknown model")

// DefaultModel is the catalog entry suggested to clients that do not care.
const DefaultModel = "sonar"

// The upstream provider exposes a fixed, enumerated model set. Requests naming
// anything else are rejected before a network call is attempted; there is no
// silent fallback to a default.
var entries = []models.Model{
	{ID: "sonar", Name: "Sonar", Description: "Standard conversational search model"},
	{ID: "sonar-pro", Name: "Sonar Pro", Description: "Enhanced model for complex queries"},
	{ID: "sonar-reasoning", Name: "Sonar Reasoning", Description: "Logic-focused model with visible reasoning"},
}

var byID = func() map[string]models.Model {
	m := make(map[string]models.Model, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}()

// Lookup returns metadata for a model ID, or ErrUnknownModel.
func Lookup(modelID string) (models.Model, error) {
	entry, ok := byID[modelID]
	if !ok {
		return models.Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry, nil
}

// List returns the catalog in stable order.
func List() []models.Model {
	out := make([]models.Model, len(entries))
	copy(out, entries)
	return out
}
