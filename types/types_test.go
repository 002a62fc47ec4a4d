package types

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestCertificateDelegatesToHeader(t *testing.T) {
	author := ids.GenerateTestNodeID()
	digest := ids.GenerateTestID()
	cert := &Certificate{
		Header: Header{
			Author: author,
			Round:  7,
			Digest: digest,
		},
	}

	require.Equal(t, digest, cert.Digest())
	require.Equal(t, uint64(7), cert.Round())
	require.Equal(t, author, cert.Author())
}

func TestOutcomeScore(t *testing.T) {
	require.Equal(t, 1.0, OutcomeFast.Score())
	require.Equal(t, 0.5, OutcomeSlow.Score())
	require.Equal(t, 0.0, OutcomeMissing.Score())
}
