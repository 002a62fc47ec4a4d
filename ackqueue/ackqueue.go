// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ackqueue implements the Ack collector: for each header
// awaiting certification it tallies distinct, verified acks until a
// quorum of Q is reached, at which point it emits a Certificate. The
// per-digest poll/tally shape follows an early-termination poll: one
// poll per outstanding request, early termination on a threshold, poll
// removed once finished.
package ackqueue

import (
	"errors"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

var (
	// ErrAlreadyTracked is returned by Add when a poll for this header
	// digest already exists.
	ErrAlreadyTracked = errors.New("ackqueue: header already tracked")
	// ErrUnknownHeader is returned by Vote when no poll exists for the
	// ack's header digest.
	ErrUnknownHeader = errors.New("ackqueue: no poll for this header")
	// ErrNotMember is returned when the ack's signer is not a committee
	// member.
	ErrNotMember = errors.New("ackqueue: signer is not a committee member")
	// ErrBadSignature is returned when the ack's signature does not
	// verify against the signer's public key.
	ErrBadSignature = errors.New("ackqueue: ack signature invalid")
)

type headerPoll struct {
	header *types.Header
	acks   map[ids.NodeID]*bls.Signature
}

// Queue tallies acks per header digest and emits certificates on
// quorum.
type Queue struct {
	mu sync.Mutex

	committee *committee.Committee
	log       log.Logger

	polls map[ids.ID]*headerPoll

	quorumLatency prometheus.Histogram // registered only; Vote records no observations into it
}

// New creates an empty Queue for comm. reg may be nil to skip metrics
// registration.
func New(comm *committee.Committee, logger log.Logger, reg prometheus.Registerer) *Queue {
	q := &Queue{
		committee: comm,
		log:       logger,
		polls:     make(map[ids.ID]*headerPoll),
	}
	if reg != nil {
		q.quorumLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "narwhal_ack_quorum_latency_seconds",
			Help:    "time from header acceptance to certificate emission",
			Buckets: prometheus.DefBuckets,
		})
		_ = reg.Register(q.quorumLatency)
	}
	return q
}

// Add begins tracking acks for h. It returns false if h is already
// tracked.
func (q *Queue) Add(h *types.Header) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.polls[h.Digest]; exists {
		return false
	}
	q.polls[h.Digest] = &headerPoll{
		header: h,
		acks:   make(map[ids.NodeID]*bls.Signature),
	}
	return true
}

// Vote records a to the poll tracking its header and, once Q distinct
// verified acks have been collected, returns the resulting certificate
// and removes the poll. It returns (nil, nil) while the poll is still
// short of quorum.
func (q *Queue) Vote(ack *types.Ack) (*types.Certificate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	poll, exists := q.polls[ack.HeaderDigest]
	if !exists {
		return nil, ErrUnknownHeader
	}
	if !q.committee.Has(ack.Signer) {
		return nil, ErrNotMember
	}
	pk, err := q.committee.PublicKey(ack.Signer)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(pk, ack.SignerSig, ack.HeaderDigest) {
		return nil, ErrBadSignature
	}

	poll.acks[ack.Signer] = ack.SignerSig

	if len(poll.acks) < q.committee.Q() {
		return nil, nil
	}

	cert := &types.Certificate{
		Header:     *poll.header,
		Signatures: poll.acks,
	}
	delete(q.polls, ack.HeaderDigest)
	if q.log != nil {
		q.log.Debug("certificate formed", "digest", ack.HeaderDigest, "round", poll.header.Round, "signers", len(poll.acks))
	}
	return cert, nil
}

// Len returns the number of headers currently awaiting quorum.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.polls)
}

// Pending reports how many distinct acks digest has collected so far,
// and whether it is tracked at all.
func (q *Queue) Pending(digest ids.ID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	poll, ok := q.polls[digest]
	if !ok {
		return 0, false
	}
	return len(poll.acks), true
}

// Drop abandons tracking for digest without emitting a certificate,
// used when a header's wait window expires.
func (q *Queue) Drop(digest ids.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.polls, digest)
}

// SelfAck builds the proposer's own ack for a header it just issued,
// matching the rule that a header author implicitly acks its own
// proposal.
func SelfAck(signer *crypto.Signer, h *types.Header) (*types.Ack, error) {
	digest := wire.HeaderDigest(h)
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &types.Ack{HeaderDigest: digest, Signer: signer.NodeID(), SignerSig: sig}, nil
}
