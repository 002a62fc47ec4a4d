package storage

import (
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	shoalcrypto "github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
	"github.com/luxfi/shoal/worker"
)

type pruneValidator struct {
	nodeID ids.NodeID
	signer *shoalcrypto.Signer
}

func pruneFixture(t *testing.T) (*committee.Committee, []pruneValidator) {
	t.Helper()
	members := make([]committee.Member, 0, 4)
	vs := make([]pruneValidator, 0, 4)
	for i := 0; i < 4; i++ {
		sk, err := bls.NewSecretKey()
		require.NoError(t, err)
		nodeID := ids.GenerateTestNodeID()
		signer := shoalcrypto.NewSigner(nodeID, sk)
		members = append(members, committee.Member{NodeID: nodeID, PublicKey: signer.PublicKey()})
		vs = append(vs, pruneValidator{nodeID: nodeID, signer: signer})
	}
	comm, err := committee.New(1, members)
	require.NoError(t, err)
	return comm, vs
}

// certifyRound builds, signs, certifies and persists one header per
// validator at round, referencing parents (empty for round 0), and
// returns every resulting certificate's digest for use as the next
// round's parents.
func certifyRound(t *testing.T, comm *committee.Committee, vs []pruneValidator, dag *dagstore.Store, store *Store, wk *worker.Worker, round uint64, parents []ids.ID) []ids.ID {
	t.Helper()

	digests := make([]ids.ID, 0, len(vs))
	for _, v := range vs {
		batch := &types.Batch{WorkerID: v.nodeID, Txs: [][]byte{[]byte("tx")}}
		batch.Digest = wire.BatchDigest(batch)
		wk.Ingest(batch)

		h := &types.Header{Author: v.nodeID, Round: round, BatchDigest: batch.Digest, Parents: parents}
		h.Digest = wire.HeaderDigest(h)
		sig, err := v.signer.Sign(h.Digest)
		require.NoError(t, err)
		h.AuthorSig = sig

		_, err = dag.AcceptHeader(h)
		require.NoError(t, err)

		sigs := make(map[ids.NodeID]*bls.Signature, comm.Q())
		for i := 0; i < comm.Q(); i++ {
			s, err := vs[i].signer.Sign(h.Digest)
			require.NoError(t, err)
			sigs[vs[i].nodeID] = s
		}
		cert := &types.Certificate{Header: *h, Signatures: sigs}
		require.NoError(t, dag.InsertCertificate(cert))
		require.NoError(t, store.PutHeader(h))
		require.NoError(t, store.PutCertificate(cert))

		digests = append(digests, cert.Digest())
	}
	return digests
}

func TestPrunerSweepEvictsAgedOutRounds(t *testing.T) {
	comm, vs := pruneFixture(t)
	dag := dagstore.New(comm, nil, nil)
	store := NewStore(NewMemDB(), NewMemDB(), nil)
	wk := worker.New(vs[0].nodeID, config.Default(4), nil)
	cfg := config.Default(4)
	cfg.RetentionDepth = 2

	round0 := certifyRound(t, comm, vs, dag, store, wk, 0, nil)
	round1 := certifyRound(t, comm, vs, dag, store, wk, 1, round0)
	certifyRound(t, comm, vs, dag, store, wk, 2, round1)

	pruner := NewPruner(store, dag, wk, cfg, nil)
	n, err := pruner.Sweep(2) // horizon = 2 - 2 = 0, nothing yet to evict
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = pruner.Sweep(3) // horizon = 3 - 2 = 1, evicts round 0 only
	require.NoError(t, err)
	require.Equal(t, len(round0), n)

	for _, d := range round0 {
		_, err := store.GetHeader(d)
		require.ErrorIs(t, err, ErrNotFound)
	}
	for _, d := range round1 {
		_, err := store.GetHeader(d)
		require.NoError(t, err, "round 1 is still within the retention window")
	}
}

func TestPrunerSweepIsIdempotentPastHorizon(t *testing.T) {
	comm, vs := pruneFixture(t)
	dag := dagstore.New(comm, nil, nil)
	store := NewStore(NewMemDB(), NewMemDB(), nil)
	wk := worker.New(vs[0].nodeID, config.Default(4), nil)
	cfg := config.Default(4)
	cfg.RetentionDepth = 2

	round0 := certifyRound(t, comm, vs, dag, store, wk, 0, nil)
	certifyRound(t, comm, vs, dag, store, wk, 1, round0)

	pruner := NewPruner(store, dag, wk, cfg, nil)
	first, err := pruner.Sweep(3)
	require.NoError(t, err)
	require.Equal(t, len(round0), first)

	second, err := pruner.Sweep(3)
	require.NoError(t, err)
	require.Equal(t, 0, second, "a round already scanned must never be swept twice")
}

func TestPrunerSweepBelowRetentionDepthIsNoop(t *testing.T) {
	comm, vs := pruneFixture(t)
	dag := dagstore.New(comm, nil, nil)
	store := NewStore(NewMemDB(), NewMemDB(), nil)
	wk := worker.New(vs[0].nodeID, config.Default(4), nil)
	cfg := config.Default(4)
	cfg.RetentionDepth = 10

	certifyRound(t, comm, vs, dag, store, wk, 0, nil)

	pruner := NewPruner(store, dag, wk, cfg, nil)
	n, err := pruner.Sweep(5)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
