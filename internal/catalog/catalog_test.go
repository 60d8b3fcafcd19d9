package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Run("every catalog entry resolves", func(t *testing.T) {
		for _, m := range List() {
			entry, err := Lookup(m.ID)
			require.NoError(t, err)
			assert.Equal(t, m, entry)
		}
	})

	t.Run("unknown model is rejected", func(t *testing.T) {
		for _, id := range []string{"", "sonar-ultra", "gpt-4", "SONAR"} {
			_, err := Lookup(id)
			assert.ErrorIs(t, err, ErrUnknownModel, "id %q", id)
		}
	})
}

func TestList(t *testing.T) {
	ids := make([]string, 0)
	for _, m := range List() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"sonar", "sonar-pro", "sonar-reasoning"}, ids)

	// Callers must not be able to mutate the catalog through the slice.
	List()[0].ID = "mutated"
	_, err := Lookup("sonar")
	assert.NoError(t, err)
}
