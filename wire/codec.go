// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the canonical binary codec for Batch, Header,
// Ack and Certificate. Field order here is normative: it is the same
// byte sequence that digests are computed over, so two validators that
// build the same logical value always agree on its digest and signature
// bytes. A JSON encoding is deliberately not used for this concern —
// map/field ordering in an encoding/json round-trip is not guaranteed
// byte-stable across Go versions, and a digest that disagreed across
// validators would be unusable for quorum signing.
package wire

import (
	"crypto/sha256"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/shoal/internal/wrappers"
	"github.com/luxfi/shoal/types"
)

// headerSignBytes returns the canonical bytes of every Header field
// except AuthorSig itself — this is what gets hashed into Header.Digest
// and what AuthorSig signs.
func headerSignBytes(h *types.Header) []byte {
	p := wrappers.NewPacker(64 + 32*len(h.Parents))
	p.PackFixedBytes(h.Author[:])
	p.PackLong(h.Round)
	p.PackFixedBytes(h.BatchDigest[:])

	parents := append([]ids.ID(nil), h.Parents...)
	slices.SortFunc(parents, func(a, b ids.ID) int {
		return compareBytes(a[:], b[:])
	})
	p.PackInt(uint32(len(parents)))
	for _, parent := range parents {
		p.PackFixedBytes(parent[:])
	}
	p.PackLong(uint64(h.Timestamp))
	return p.Bytes
}

// HeaderDigest computes the header's identity digest over its canonical
// signable bytes.
func HeaderDigest(h *types.Header) ids.ID {
	return ids.ID(sha256.Sum256(headerSignBytes(h)))
}

// EncodeHeader serializes a full Header, including its author signature.
func EncodeHeader(h *types.Header) ([]byte, error) {
	p := wrappers.NewPacker(128)
	p.PackBytes(headerSignBytes(h))
	sigBytes, err := signatureBytes(h.AuthorSig)
	if err != nil {
		return nil, err
	}
	p.PackBytes(sigBytes)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Bytes, nil
}

// DecodeHeader parses a Header previously produced by EncodeHeader.
func DecodeHeader(b []byte) (*types.Header, error) {
	u := wrappers.NewUnpacker(b)
	signable := u.UnpackBytes()
	sigBytes := u.UnpackBytes()
	if u.Err != nil {
		return nil, u.Err
	}

	h, err := decodeHeaderSignBytes(signable)
	if err != nil {
		return nil, err
	}
	if len(sigBytes) > 0 {
		sig, err := bls.SignatureFromBytes(sigBytes)
		if err != nil {
			return nil, fmt.Errorf("wire: decode header signature: %w", err)
		}
		h.AuthorSig = sig
	}
	h.Digest = HeaderDigest(h)
	return h, nil
}

func decodeHeaderSignBytes(b []byte) (*types.Header, error) {
	u := wrappers.NewUnpacker(b)
	h := &types.Header{}
	copy(h.Author[:], u.UnpackFixedBytes(len(h.Author)))
	h.Round = u.UnpackLong()
	copy(h.BatchDigest[:], u.UnpackFixedBytes(len(h.BatchDigest)))

	n := u.UnpackInt()
	h.Parents = make([]ids.ID, n)
	for i := range h.Parents {
		copy(h.Parents[i][:], u.UnpackFixedBytes(len(h.Parents[i])))
	}
	h.Timestamp = int64(u.UnpackLong())
	if u.Err != nil {
		return nil, u.Err
	}
	return h, nil
}

// EncodeAck serializes an Ack.
func EncodeAck(a *types.Ack) ([]byte, error) {
	p := wrappers.NewPacker(96)
	p.PackFixedBytes(a.HeaderDigest[:])
	p.PackFixedBytes(a.Signer[:])
	sigBytes, err := signatureBytes(a.SignerSig)
	if err != nil {
		return nil, err
	}
	p.PackBytes(sigBytes)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Bytes, nil
}

// DecodeAck parses an Ack previously produced by EncodeAck.
func DecodeAck(b []byte) (*types.Ack, error) {
	u := wrappers.NewUnpacker(b)
	a := &types.Ack{}
	copy(a.HeaderDigest[:], u.UnpackFixedBytes(len(a.HeaderDigest)))
	copy(a.Signer[:], u.UnpackFixedBytes(len(a.Signer)))
	sigBytes := u.UnpackBytes()
	if u.Err != nil {
		return nil, u.Err
	}
	sig, err := bls.SignatureFromBytes(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("wire: decode ack signature: %w", err)
	}
	a.SignerSig = sig
	return a, nil
}

// EncodeCertificate serializes a Certificate: its header followed by
// (signer, sig) pairs sorted ascending by signer NodeID bytes.
func EncodeCertificate(c *types.Certificate) ([]byte, error) {
	headerBytes, err := EncodeHeader(&c.Header)
	if err != nil {
		return nil, err
	}

	signers := make([]ids.NodeID, 0, len(c.Signatures))
	for signer := range c.Signatures {
		signers = append(signers, signer)
	}
	slices.SortFunc(signers, func(a, b ids.NodeID) int {
		return compareBytes(a[:], b[:])
	})

	p := wrappers.NewPacker(len(headerBytes) + 128*len(signers))
	p.PackBytes(headerBytes)
	p.PackInt(uint32(len(signers)))
	for _, signer := range signers {
		p.PackFixedBytes(signer[:])
		sigBytes, err := signatureBytes(c.Signatures[signer])
		if err != nil {
			return nil, err
		}
		p.PackBytes(sigBytes)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Bytes, nil
}

// DecodeCertificate parses a Certificate previously produced by
// EncodeCertificate.
func DecodeCertificate(b []byte) (*types.Certificate, error) {
	u := wrappers.NewUnpacker(b)
	headerBytes := u.UnpackBytes()
	if u.Err != nil {
		return nil, u.Err
	}
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	n := u.UnpackInt()
	sigs := make(map[ids.NodeID]*bls.Signature, n)
	for i := uint32(0); i < n; i++ {
		var signer ids.NodeID
		copy(signer[:], u.UnpackFixedBytes(len(signer)))
		sigBytes := u.UnpackBytes()
		if u.Err != nil {
			return nil, u.Err
		}
		sig, err := bls.SignatureFromBytes(sigBytes)
		if err != nil {
			return nil, fmt.Errorf("wire: decode certificate signature: %w", err)
		}
		sigs[signer] = sig
	}
	return &types.Certificate{Header: *header, Signatures: sigs}, nil
}

// BatchDigest computes a batch's identity over its worker and contents.
// CreatedAt is advisory and intentionally excluded so that re-sealing
// identical pending transactions is idempotent.
func BatchDigest(b *types.Batch) ids.ID {
	p := wrappers.NewPacker(64)
	p.PackFixedBytes(b.WorkerID[:])
	p.PackInt(uint32(len(b.Txs)))
	for _, tx := range b.Txs {
		p.PackBytes(tx)
	}
	return ids.ID(sha256.Sum256(p.Bytes))
}

// EncodeBatch serializes a Batch.
func EncodeBatch(b *types.Batch) []byte {
	p := wrappers.NewPacker(128)
	p.PackFixedBytes(b.WorkerID[:])
	p.PackInt(uint32(len(b.Txs)))
	for _, tx := range b.Txs {
		p.PackBytes(tx)
	}
	p.PackLong(uint64(b.CreatedAt.UnixNano()))
	p.PackFixedBytes(b.Digest[:])
	return p.Bytes
}

// DecodeBatch parses a Batch previously produced by EncodeBatch.
func DecodeBatch(b []byte) (*types.Batch, error) {
	u := wrappers.NewUnpacker(b)
	batch := &types.Batch{}
	copy(batch.WorkerID[:], u.UnpackFixedBytes(len(batch.WorkerID)))
	n := u.UnpackInt()
	batch.Txs = make([][]byte, n)
	for i := range batch.Txs {
		batch.Txs[i] = u.UnpackBytes()
	}
	batch.CreatedAt = time.Unix(0, int64(u.UnpackLong())).UTC()
	copy(batch.Digest[:], u.UnpackFixedBytes(len(batch.Digest)))
	if u.Err != nil {
		return nil, u.Err
	}
	return batch, nil
}

// EncodeCommitRecord serializes a CommitRecord for the durable commit log.
func EncodeCommitRecord(r *types.CommitRecord) []byte {
	p := wrappers.NewPacker(8 + 32 + 32)
	p.PackLong(r.Round)
	p.PackFixedBytes(r.AnchorCertDigest[:])
	p.PackFixedBytes(r.OrderedTxsDigest[:])
	return p.Bytes
}

// DecodeCommitRecord parses a CommitRecord previously produced by
// EncodeCommitRecord.
func DecodeCommitRecord(b []byte) (*types.CommitRecord, error) {
	u := wrappers.NewUnpacker(b)
	r := &types.CommitRecord{}
	r.Round = u.UnpackLong()
	copy(r.AnchorCertDigest[:], u.UnpackFixedBytes(len(r.AnchorCertDigest)))
	copy(r.OrderedTxsDigest[:], u.UnpackFixedBytes(len(r.OrderedTxsDigest)))
	if u.Err != nil {
		return nil, u.Err
	}
	return r, nil
}

// EncodeReputationSnapshot serializes one reputation snapshot for
// persistence under reputation/snapshot/{epoch}.
func EncodeReputationSnapshot(entries []types.ReputationEntry) []byte {
	p := wrappers.NewPacker(16 + 48*len(entries))
	p.PackInt(uint32(len(entries)))
	for _, e := range entries {
		p.PackFixedBytes(e.Validator[:])
		p.PackLong(math.Float64bits(e.Score))
		p.PackLong(e.LastObservedRound)
	}
	return p.Bytes
}

// DecodeReputationSnapshot parses a snapshot previously produced by
// EncodeReputationSnapshot.
func DecodeReputationSnapshot(b []byte) ([]types.ReputationEntry, error) {
	u := wrappers.NewUnpacker(b)
	n := u.UnpackInt()
	out := make([]types.ReputationEntry, n)
	for i := range out {
		copy(out[i].Validator[:], u.UnpackFixedBytes(len(out[i].Validator)))
		out[i].Score = math.Float64frombits(u.UnpackLong())
		out[i].LastObservedRound = u.UnpackLong()
	}
	if u.Err != nil {
		return nil, u.Err
	}
	return out, nil
}

func signatureBytes(sig *bls.Signature) ([]byte, error) {
	if sig == nil {
		return nil, nil
	}
	return bls.SignatureToBytes(sig), nil
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
