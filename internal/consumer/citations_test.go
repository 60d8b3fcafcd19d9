package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCitations(t *testing.T) {
	t.Run("resolves markers 1-indexed against sources", func(t *testing.T) {
		refs := ResolveCitations("See [1] and [2].", []string{"https://a", "https://b"})

		require.Len(t, refs, 2)
		assert.Equal(t, CitationRef{Index: 1, URL: "https://a", Resolved: true}, refs[0])
		assert.Equal(t, CitationRef{Index: 2, URL: "https://b", Resolved: true}, refs[1])
	})

	t.Run("out-of-range markers stay unresolved", func(t *testing.T) {
		refs := ResolveCitations("See [1] and [2].", []string{"https://a"})

		require.Len(t, refs, 2)
		assert.True(t, refs[0].Resolved)
		assert.Equal(t, CitationRef{Index: 2}, refs[1])
	})

	t.Run("zero is never a valid citation", func(t *testing.T) {
		refs := ResolveCitations("Weird [0] marker", []string{"https://a"})

		require.Len(t, refs, 1)
		assert.False(t, refs[0].Resolved)
	})

	t.Run("no markers yields nil", func(t *testing.T) {
		assert.Nil(t, ResolveCitations("no markers here", []string{"https://a"}))
	})

	t.Run("repeated markers resolve independently", func(t *testing.T) {
		refs := ResolveCitations("[1] then [1] again", []string{"https://a"})

		require.Len(t, refs, 2)
		assert.Equal(t, refs[0], refs[1])
	})
}
