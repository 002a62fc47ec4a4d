package wire

import (
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/shoal/types"
	"github.com/stretchr/testify/require"
)

func testSig(t *testing.T, msg []byte) (*bls.PublicKey, *bls.Signature) {
	t.Helper()
	sk, err := bls.NewSecretKey()
	require.NoError(t, err)
	sig, err := sk.Sign(msg)
	require.NoError(t, err)
	return sk.PublicKey(), sig
}

func TestHeaderRoundTrip(t *testing.T) {
	require := require.New(t)

	h := &types.Header{
		Author:      ids.GenerateTestNodeID(),
		Round:       7,
		BatchDigest: ids.GenerateTestID(),
		Parents:     []ids.ID{ids.GenerateTestID(), ids.GenerateTestID()},
		Timestamp:   1234,
	}
	h.Digest = HeaderDigest(h)
	_, h.AuthorSig = testSig(t, h.Digest[:])

	encoded, err := EncodeHeader(h)
	require.NoError(err)

	decoded, err := DecodeHeader(encoded)
	require.NoError(err)

	require.Equal(h.Author, decoded.Author)
	require.Equal(h.Round, decoded.Round)
	require.Equal(h.BatchDigest, decoded.BatchDigest)
	require.Equal(h.Timestamp, decoded.Timestamp)
	require.Equal(h.Digest, decoded.Digest)
	require.ElementsMatch(h.Parents, decoded.Parents)
}

func TestHeaderDigestIgnoresParentOrder(t *testing.T) {
	p1, p2 := ids.GenerateTestID(), ids.GenerateTestID()
	h1 := &types.Header{Parents: []ids.ID{p1, p2}}
	h2 := &types.Header{Parents: []ids.ID{p2, p1}}
	require.Equal(t, HeaderDigest(h1), HeaderDigest(h2))
}

func TestAckRoundTrip(t *testing.T) {
	require := require.New(t)

	headerDigest := ids.GenerateTestID()
	_, sig := testSig(t, headerDigest[:])
	a := &types.Ack{
		HeaderDigest: headerDigest,
		Signer:       ids.GenerateTestNodeID(),
		SignerSig:    sig,
	}

	encoded, err := EncodeAck(a)
	require.NoError(err)

	decoded, err := DecodeAck(encoded)
	require.NoError(err)
	require.Equal(a.HeaderDigest, decoded.HeaderDigest)
	require.Equal(a.Signer, decoded.Signer)
}

func TestCertificateRoundTrip(t *testing.T) {
	require := require.New(t)

	h := &types.Header{
		Author:      ids.GenerateTestNodeID(),
		Round:       3,
		BatchDigest: ids.GenerateTestID(),
	}
	h.Digest = HeaderDigest(h)

	sigs := make(map[ids.NodeID]*bls.Signature)
	for i := 0; i < 3; i++ {
		_, sig := testSig(t, h.Digest[:])
		sigs[ids.GenerateTestNodeID()] = sig
	}
	cert := &types.Certificate{Header: *h, Signatures: sigs}

	encoded, err := EncodeCertificate(cert)
	require.NoError(err)

	decoded, err := DecodeCertificate(encoded)
	require.NoError(err)
	require.Len(decoded.Signatures, 3)
	require.Equal(cert.Header.Digest, decoded.Header.Digest)
}

func TestBatchRoundTrip(t *testing.T) {
	require := require.New(t)

	b := &types.Batch{
		WorkerID:  ids.GenerateTestNodeID(),
		Txs:       [][]byte{[]byte("tx1"), []byte("tx2")},
		CreatedAt: time.Now().UTC(),
	}
	b.Digest = BatchDigest(b)

	encoded := EncodeBatch(b)
	decoded, err := DecodeBatch(encoded)
	require.NoError(err)

	require.Equal(b.WorkerID, decoded.WorkerID)
	require.Equal(b.Txs, decoded.Txs)
	require.Equal(b.Digest, decoded.Digest)
}

func TestBatchDigestExcludesTimestamp(t *testing.T) {
	b1 := &types.Batch{WorkerID: ids.GenerateTestNodeID(), Txs: [][]byte{[]byte("a")}, CreatedAt: time.Unix(1, 0)}
	b2 := &types.Batch{WorkerID: b1.WorkerID, Txs: [][]byte{[]byte("a")}, CreatedAt: time.Unix(2, 0)}
	require.Equal(t, BatchDigest(b1), BatchDigest(b2))
}

func TestReputationSnapshotRoundTrip(t *testing.T) {
	require := require.New(t)

	entries := []types.ReputationEntry{
		{Validator: ids.GenerateTestNodeID(), Score: 1.0, LastObservedRound: 5},
		{Validator: ids.GenerateTestNodeID(), Score: 0.42, LastObservedRound: 7},
	}

	encoded := EncodeReputationSnapshot(entries)
	decoded, err := DecodeReputationSnapshot(encoded)
	require.NoError(err)
	require.Equal(entries, decoded)
}
