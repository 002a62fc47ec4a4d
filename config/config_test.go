package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)

	c := Default(4)
	require.NoError(c.Valid())
	require.Equal(1, c.F())
	require.Equal(3, c.Q())
}

func TestQDerivation(t *testing.T) {
	tests := []struct {
		n       int
		wantF   int
		wantQ   int
	}{
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
		{100, 33, 67},
	}

	for _, tt := range tests {
		c := Default(tt.n)
		require.Equal(t, tt.wantF, c.F(), "n=%d", tt.n)
		require.Equal(t, tt.wantQ, c.Q(), "n=%d", tt.n)
	}
}

func TestValidRejectsBadN(t *testing.T) {
	c := Default(3)
	require.ErrorIs(t, c.Valid(), ErrInvalidN)
}

func TestValidRejectsNonThreeFPlusOneN(t *testing.T) {
	// 5 is >= 4 but not of the form 3f+1: two disjoint Q=3 quorums would
	// share only the single Byzantine member out of f=1.
	c := Default(5)
	require.ErrorIs(t, c.Valid(), ErrInvalidN)
}

func TestValidRejectsBadBatchBounds(t *testing.T) {
	c := Default(4)
	c.BatchMaxBytes = 0
	require.ErrorIs(t, c.Valid(), ErrInvalidBatchBounds)
}

func TestValidRejectsBadReputation(t *testing.T) {
	c := Default(4)
	c.ReputationDecay = 1
	require.ErrorIs(t, c.Valid(), ErrInvalidReputation)

	c = Default(4)
	c.ReputationMin = -0.1
	require.ErrorIs(t, c.Valid(), ErrInvalidReputation)
}

func TestValidRejectsZeroRetention(t *testing.T) {
	c := Default(4)
	c.RetentionDepth = 0
	require.ErrorIs(t, c.Valid(), ErrInvalidRetention)
}

func TestValidRejectsZeroPruneInterval(t *testing.T) {
	c := Default(4)
	c.PruneInterval = 0
	require.ErrorIs(t, c.Valid(), ErrInvalidPruneInterval)
}
