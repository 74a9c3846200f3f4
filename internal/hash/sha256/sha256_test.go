package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher_Hash(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Hash("https://example.com/a?b=1")
	require.Len(t, got, 64)

	again := h.Hash("https://example.com/a?b=1")
	require.Equal(t, got, again)

	other := h.Hash("https://example.com/a?b=2")
	require.NotEqual(t, got, other)
}
