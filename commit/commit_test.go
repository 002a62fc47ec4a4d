package commit

import (
	"context"
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/dagstore"
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

func certifiedHeader(t *testing.T, comm *committee.Committee, vs []fixtureValidator, author fixtureValidator, round uint64, parents []ids.ID) *types.Certificate {
	t.Helper()
	h := &types.Header{Author: author.nodeID, Round: round, BatchDigest: ids.GenerateTestID(), Parents: parents}
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

func TestEvaluateSkippedNeverCommits(t *testing.T) {
	comm, _ := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	r := New(store, nil, nil)

	digest, ok := r.Evaluate(&types.AnchorDecision{Round: 0, Skipped: true})
	require.False(t, ok)
	require.Equal(t, ids.Empty, digest)
}

func TestEvaluateFirstCommitIsUnconditional(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	r := New(store, nil, nil)

	cert := certifiedHeader(t, comm, vs, vs[0], 0, nil)
	_, err := store.AcceptHeader(&cert.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(cert))

	digest, ok := r.Evaluate(&types.AnchorDecision{Round: 0, CertDigest: cert.Digest()})
	require.True(t, ok)
	require.Equal(t, cert.Digest(), digest)

	round, lastDigest, has := r.LastCommitted()
	require.True(t, has)
	require.Equal(t, uint64(0), round)
	require.Equal(t, cert.Digest(), lastDigest)
}

func TestEvaluateRequiresStrongPathAfterFirstCommit(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	r := New(store, nil, nil)

	round0 := make([]ids.ID, 0, comm.Q())
	for i := 0; i < comm.Q(); i++ {
		c := certifiedHeader(t, comm, vs, vs[i], 0, nil)
		_, err := store.AcceptHeader(&c.Header)
		require.NoError(t, err)
		require.NoError(t, store.InsertCertificate(c))
		round0 = append(round0, c.Digest())
	}
	_, ok := r.Evaluate(&types.AnchorDecision{Round: 0, CertDigest: round0[0]})
	require.True(t, ok)

	// A round-1 anchor whose header has round0 as parents has a strong
	// path back and may commit.
	connected := certifiedHeader(t, comm, vs, vs[1], 1, round0)
	_, err := store.AcceptHeader(&connected.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(connected))

	digest, ok := r.Evaluate(&types.AnchorDecision{Round: 1, CertDigest: connected.Digest()})
	require.True(t, ok)
	require.Equal(t, connected.Digest(), digest)
}

func TestEvaluateRejectsDisconnectedAnchor(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	r := New(store, nil, nil)

	first := certifiedHeader(t, comm, vs, vs[0], 0, nil)
	_, err := store.AcceptHeader(&first.Header)
	require.NoError(t, err)
	require.NoError(t, store.InsertCertificate(first))
	_, ok := r.Evaluate(&types.AnchorDecision{Round: 0, CertDigest: first.Digest()})
	require.True(t, ok)

	// A disconnected round-0-equivalent certificate (no parent link to
	// first) must not be treated as a commit.
	disconnected := certifiedHeader(t, comm, vs, vs[1], 0, nil)
	_, ok = r.Evaluate(&types.AnchorDecision{Round: 0, CertDigest: disconnected.Digest()})
	require.False(t, ok)
}

type recordingListener struct {
	records []types.CommitRecord
}

func (l *recordingListener) OnCommit(_ context.Context, record types.CommitRecord) error {
	l.records = append(l.records, record)
	return nil
}

func TestNotifyDispatchesToListeners(t *testing.T) {
	comm, _ := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	r := New(store, nil, nil)

	l := &recordingListener{}
	r.RegisterListener("test", l)
	r.Notify(context.Background(), types.CommitRecord{Round: 1})
	require.Len(t, l.records, 1)

	r.DeregisterListener("test")
	r.Notify(context.Background(), types.CommitRecord{Round: 2})
	require.Len(t, l.records, 1)
}
