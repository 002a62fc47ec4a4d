package anchor

import (
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	"github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/reputation"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

type fixtureValidator struct {
	nodeID ids.NodeID
	signer *crypto.Signer
}

func newFixture(t *testing.T, n int) (*committee.Committee, []fixtureValidator) {
	t.Helper()
	members := make([]committee.Member, 0, n)
	vs := make([]fixtureValidator, 0, n)
	for i := 0; i < n; i++ {
		sk, err := bls.NewSecretKey()
		require.NoError(t, err)
		nodeID := ids.GenerateTestNodeID()
		signer := crypto.NewSigner(nodeID, sk)
		members = append(members, committee.Member{NodeID: nodeID, PublicKey: signer.PublicKey()})
		vs = append(vs, fixtureValidator{nodeID: nodeID, signer: signer})
	}
	comm, err := committee.New(1, members)
	require.NoError(t, err)
	return comm, vs
}

func certifiedHeader(t *testing.T, comm *committee.Committee, vs []fixtureValidator, author fixtureValidator, round uint64) *types.Certificate {
	t.Helper()
	h := &types.Header{Author: author.nodeID, Round: round, BatchDigest: ids.GenerateTestID()}
	h.Digest = wire.HeaderDigest(h)
	sig, err := author.signer.Sign(h.Digest)
	require.NoError(t, err)
	h.AuthorSig = sig

	sigs := make(map[ids.NodeID]*bls.Signature)
	for i := 0; i < comm.Q(); i++ {
		s, err := vs[i].signer.Sign(h.Digest)
		require.NoError(t, err)
		sigs[vs[i].nodeID] = s
	}
	return &types.Certificate{Header: *h, Signatures: sigs}
}

func TestSelectPicksLeaderCertificate(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	rep := reputation.New(config.Default(4), comm)
	sel := New(comm, store, rep)

	leader := sel.Leader(0)
	var leaderValidator fixtureValidator
	for _, v := range vs {
		if v.nodeID == leader {
			leaderValidator = v
		}
	}

	cert := certifiedHeader(t, comm, vs, leaderValidator, 0)
	_, err := store.AcceptHeader(&cert.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(cert))

	decision := sel.Select(0)
	require.False(t, decision.Skipped)
	require.Equal(t, cert.Digest(), decision.CertDigest)
}

func TestSelectFallsBackWhenLeaderAbsent(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	rep := reputation.New(config.Default(4), comm)
	sel := New(comm, store, rep)

	leader := sel.Leader(0)
	var other fixtureValidator
	for _, v := range vs {
		if v.nodeID != leader {
			other = v
			break
		}
	}
	cert := certifiedHeader(t, comm, vs, other, 0)
	_, err := store.AcceptHeader(&cert.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(cert))

	decision := sel.Select(0)
	require.False(t, decision.Skipped, "next-ranked candidate has a certificate, selection must fall through to it")
	require.Equal(t, cert.Digest(), decision.CertDigest)
}

func TestSelectSkipsWhenNoCandidateHasCertificate(t *testing.T) {
	comm, _ := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	rep := reputation.New(config.Default(4), comm)
	sel := New(comm, store, rep)

	decision := sel.Select(0)
	require.True(t, decision.Skipped)
	require.Equal(t, ids.Empty, decision.CertDigest)
}

func TestSelectIsNonRevising(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	rep := reputation.New(config.Default(4), comm)
	sel := New(comm, store, rep)

	first := sel.Select(0)
	require.True(t, first.Skipped)

	leader := sel.Leader(0)
	var leaderValidator fixtureValidator
	for _, v := range vs {
		if v.nodeID == leader {
			leaderValidator = v
		}
	}
	cert := certifiedHeader(t, comm, vs, leaderValidator, 0)
	_, err := store.AcceptHeader(&cert.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(cert))

	second := sel.Select(0)
	require.True(t, second.Skipped, "decision for round 0 was already cached and must not change")
}
