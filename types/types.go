// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the core data model entities of the Narwhal
// certified-DAG layer and the Shoal anchor/commit layer: Batch, Header,
// Ack, Certificate, AnchorDecision, CommitRecord and ReputationEntry.
package types

import (
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

// Batch is an immutable set of pending transactions sealed by a worker.
// Its Digest is computed over the canonical wire encoding of WorkerID
// and Txs; CreatedAt is not part of it.
type Batch struct {
	WorkerID  ids.NodeID
	Txs       [][]byte
	CreatedAt time.Time
	Digest    ids.ID
}

// Header is a round-R proposal referencing a batch digest and >= Q parent
// certificates from round R-1.
type Header struct {
	Author      ids.NodeID
	Round       uint64
	BatchDigest ids.ID
	Parents     []ids.ID // certificate digests, sorted ascending for canonical encoding
	Timestamp   int64    // advisory only, never used for safety
	Digest      ids.ID
	AuthorSig   *bls.Signature
}

// Ack is a single validator's vote for a header.
type Ack struct {
	HeaderDigest ids.ID
	Signer       ids.NodeID
	SignerSig    *bls.Signature
}

// Certificate is a Header plus >= Q distinct valid signatures on its
// digest.
type Certificate struct {
	Header     Header
	Signatures map[ids.NodeID]*bls.Signature
}

// Digest returns the certificate's identity, which is its header's digest
// — a certificate is uniquely identified by the header it certifies.
func (c *Certificate) Digest() ids.ID {
	return c.Header.Digest
}

// Round returns the certified header's round.
func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

// Author returns the certified header's author.
func (c *Certificate) Author() ids.NodeID {
	return c.Header.Author
}

// AnchorDecision is the anchor selector's once-per-round, never-revised
// output.
type AnchorDecision struct {
	Round     uint64
	CertDigest ids.ID // zero value (ids.Empty) iff Skipped
	Skipped   bool
}

// CommitRecord is one entry in the durable, append-only commit log.
//
// Transactions carries the same ordered batch that OrderedTxsDigest
// hashes, for delivery to in-process Listeners (e.g. an external state
// machine). It is populated only for that dispatch and is never
// persisted or replayed: the durable log stores the digest alone, since
// the transactions themselves already live in the batch/worker store.
type CommitRecord struct {
	Round             uint64
	AnchorCertDigest  ids.ID
	OrderedTxsDigest  ids.ID
	Transactions      [][]byte
}

// Outcome classifies a validator's observed behavior for a round, used by
// the reputation engine.
type Outcome int

const (
	// OutcomeMissing means no certificate from the validator in the round.
	OutcomeMissing Outcome = iota
	// OutcomeSlow means the validator's certificate exists but no
	// certificate of the next round references it as a parent.
	OutcomeSlow
	// OutcomeFast means at least one certificate of the next round
	// references the validator's certificate as a parent; whether that
	// certificate is the next round's anchor is not considered.
	OutcomeFast
)

// Score returns the numeric outcome value used by the score update
// formula (fast=1.0, slow=0.5, missing=0.0).
func (o Outcome) Score() float64 {
	switch o {
	case OutcomeFast:
		return 1.0
	case OutcomeSlow:
		return 0.5
	default:
		return 0.0
	}
}

// ReputationEntry is a validator's current score snapshot.
type ReputationEntry struct {
	Validator        ids.NodeID
	Score            float64
	LastObservedRound uint64
}

// CommittedBlock is the ordered output delivered to the external state
// machine.
type CommittedBlock struct {
	CommitRound  uint64
	AnchorDigest ids.ID
	Transactions [][]byte
}
