package order

import (
	"bytes"
	"sort"
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

func issue(t *testing.T, store *dagstore.Store, comm *committee.Committee, vs []fixtureValidator, author fixtureValidator, round uint64, parents []ids.ID, batch *types.Batch) *types.Certificate {
	t.Helper()
	batch.Digest = wire.BatchDigest(batch)
	h := &types.Header{Author: author.nodeID, Round: round, BatchDigest: batch.Digest, Parents: parents}
	h.Digest = wire.HeaderDigest(h)
	sig, err := author.signer.Sign(h.Digest)
	require.NoError(t, err)
	h.AuthorSig = sig

	_, err = store.AcceptHeader(h)
	require.NoError(t, err)

	sigs := make(map[ids.NodeID]*bls.Signature)
	for i := 0; i < comm.Q(); i++ {
		s, err := vs[i].signer.Sign(h.Digest)
		require.NoError(t, err)
		sigs[vs[i].nodeID] = s
	}
	cert := &types.Certificate{Header: *h, Signatures: sigs}
	require.NoError(t, store.InsertCertificate(cert))
	return cert
}

func TestExtractFlattensCausalHistory(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)

	batches := make(map[ids.ID]*types.Batch)
	fetch := func(digest ids.ID) (*types.Batch, bool) {
		b, ok := batches[digest]
		return b, ok
	}
	ex := New(store, comm, fetch)

	round0 := make([]ids.ID, 0, comm.Q())
	for i := 0; i < comm.Q(); i++ {
		b := &types.Batch{WorkerID: vs[i].nodeID, Txs: [][]byte{[]byte("tx-round0")}}
		cert := issue(t, store, comm, vs, vs[i], 0, nil, b)
		batches[b.Digest] = b
		round0 = append(round0, cert.Digest())
	}

	anchorBatch := &types.Batch{WorkerID: vs[0].nodeID, Txs: [][]byte{[]byte("tx-round1")}}
	anchor := issue(t, store, comm, vs, vs[0], 1, round0, anchorBatch)
	batches[anchorBatch.Digest] = anchorBatch

	block, delivered, err := ex.Extract(anchor)
	require.NoError(t, err)
	require.Len(t, delivered, comm.Q()+1) // round0 certs + anchor
	require.Len(t, block.Transactions, comm.Q()+1)
	require.Equal(t, anchor.Digest(), block.AnchorDigest)
	require.Equal(t, uint64(1), block.CommitRound)
}

func TestExtractNeverRedeliversAcrossCommits(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)

	batches := make(map[ids.ID]*types.Batch)
	fetch := func(digest ids.ID) (*types.Batch, bool) {
		b, ok := batches[digest]
		return b, ok
	}
	ex := New(store, comm, fetch)

	b0 := &types.Batch{WorkerID: vs[0].nodeID, Txs: [][]byte{[]byte("a")}}
	anchor0 := issue(t, store, comm, vs, vs[0], 0, nil, b0)
	batches[b0.Digest] = b0

	block0, delivered0, err := ex.Extract(anchor0)
	require.NoError(t, err)
	require.Len(t, delivered0, 1)
	require.Len(t, block0.Transactions, 1)

	round0 := make([]ids.ID, 0, comm.Q())
	round0 = append(round0, anchor0.Digest())
	for i := 1; i < comm.Q(); i++ {
		b := &types.Batch{WorkerID: vs[i].nodeID, Txs: [][]byte{[]byte("b")}}
		cert := issue(t, store, comm, vs, vs[i], 0, nil, b)
		batches[b.Digest] = b
		round0 = append(round0, cert.Digest())
	}

	b1 := &types.Batch{WorkerID: vs[0].nodeID, Txs: [][]byte{[]byte("c")}}
	anchor1 := issue(t, store, comm, vs, vs[0], 1, round0, b1)
	batches[b1.Digest] = b1

	block1, delivered1, err := ex.Extract(anchor1)
	require.NoError(t, err)
	require.NotContains(t, delivered1, anchor0.Digest(), "already-delivered ancestor must not be redelivered")
	require.Len(t, block1.Transactions, comm.Q()) // the (Q-1) new round-0 certs + anchor1 itself
}

// TestSortCausallyTieBreaksByAuthorPublicKeyNotDigest builds four
// round-0 certificates authored by four different validators, lists
// their digests as an anchor's parents in an arbitrary (non-pk-sorted)
// order, and asserts the extracted order is sorted by ascending author
// public key bytes — never by certificate digest, which is unrelated
// to the author's key.
func TestSortCausallyTieBreaksByAuthorPublicKeyNotDigest(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)

	batches := make(map[ids.ID]*types.Batch)
	fetch := func(digest ids.ID) (*types.Batch, bool) {
		b, ok := batches[digest]
		return b, ok
	}
	ex := New(store, comm, fetch)

	type roundZero struct {
		nodeID ids.NodeID
		pkey   []byte
		digest ids.ID
	}
	entries := make([]roundZero, 0, 4)
	for i := 0; i < 4; i++ {
		b := &types.Batch{WorkerID: vs[i].nodeID, Txs: [][]byte{[]byte("tx")}}
		cert := issue(t, store, comm, vs, vs[i], 0, nil, b)
		batches[b.Digest] = b
		entries = append(entries, roundZero{nodeID: vs[i].nodeID, pkey: vs[i].signer.PublicKey().Bytes(), digest: cert.Digest()})
	}

	// List round-0 parents in reverse of issuance order, which with
	// random keys generally differs from the pk-ascending order.
	parents := make([]ids.ID, 0, 4)
	for i := len(entries) - 1; i >= 0; i-- {
		parents = append(parents, entries[i].digest)
	}

	anchorBatch := &types.Batch{WorkerID: vs[0].nodeID, Txs: [][]byte{[]byte("anchor-tx")}}
	anchor := issue(t, store, comm, vs, vs[0], 1, parents, anchorBatch)
	batches[anchorBatch.Digest] = anchorBatch

	_, ordered, err := ex.Extract(anchor)
	require.NoError(t, err)
	require.Len(t, ordered, 5)

	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].pkey, entries[j].pkey) < 0 })

	wantDigests := make([]ids.ID, 0, 4)
	for _, e := range entries {
		wantDigests = append(wantDigests, e.digest)
	}
	require.Equal(t, wantDigests, ordered[:4], "round-0 certs must be ordered by ascending author public key bytes")
	require.Equal(t, anchor.Digest(), ordered[4])
}

func TestExtractFailsOnMissingBatch(t *testing.T) {
	comm, vs := newFixture(t, 4)
	store := dagstore.New(comm, nil, nil)
	ex := New(store, comm, func(ids.ID) (*types.Batch, bool) { return nil, false })

	b0 := &types.Batch{WorkerID: vs[0].nodeID, Txs: [][]byte{[]byte("a")}}
	anchor0 := issue(t, store, comm, vs, vs[0], 0, nil, b0)

	_, _, err := ex.Extract(anchor0)
	require.Error(t, err)
}
