package committee

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestGenesisOneHeaderPerMember(t *testing.T) {
	c, err := New(1, fourMembers())
	require.NoError(t, err)

	headers := Genesis(c)
	require.Len(t, headers, c.N())

	seen := make(map[ids.NodeID]bool)
	for _, h := range headers {
		require.Equal(t, uint64(0), h.Round)
		require.Empty(t, h.Parents)
		require.NotEqual(t, ids.Empty, h.BatchDigest)
		require.True(t, c.Has(h.Author))
		require.False(t, seen[h.Author], "duplicate genesis header for author")
		seen[h.Author] = true
	}
}

func TestGenesisIsDeterministic(t *testing.T) {
	c, err := New(1, fourMembers())
	require.NoError(t, err)

	a := Genesis(c)
	b := Genesis(c)
	require.Len(t, a, len(b))
	for i := range a {
		require.Equal(t, a[i].BatchDigest, b[i].BatchDigest)
		require.Equal(t, a[i].Author, b[i].Author)
	}
}
