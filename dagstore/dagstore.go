// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dagstore implements the Narwhal certified-DAG persistence and
// indexing layer: it stores headers and certificates indexed by
// (author, round) and by digest, enforces the one-header-per-
// (author,round) invariant, detects equivocation, answers parent-quorum
// and strong-path queries, and prunes beyond the retention window. The
// map/tips shape here follows a DAG-of-vertices structure, with the same
// deterministic-ordering discipline as a frontier computation that sorts
// before returning rather than trusting map iteration order.
package dagstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

// Result classifies the outcome of AcceptHeader.
type Result int

const (
	// Ok means the header was accepted.
	Ok Result = iota
	// Equivocation means a distinct header already exists for this
	// (author, round); both are now unvoteable.
	Equivocation
	// Invalid means the header failed a structural or signature check.
	Invalid
)

// Errors returned by dagstore operations. None of these propagate to
// panics — a protocol violation observed from another validator must be
// a recoverable result, not a process-ending error.
var (
	ErrUnknownAuthor      = errors.New("dagstore: author is not a committee member")
	ErrBadSignature       = errors.New("dagstore: header signature invalid")
	ErrEmptyBatchDigest   = errors.New("dagstore: batch digest is empty")
	ErrInsufficientParents = errors.New("dagstore: fewer than Q parents")
	ErrStaleRound         = errors.New("dagstore: round predates the retention horizon")
	ErrUnknownHeader      = errors.New("dagstore: header not yet accepted")
	ErrEquivocating       = errors.New("dagstore: header is equivocating, cannot vote")
	ErrBatchUnavailable   = errors.New("dagstore: batch not locally available")
	ErrDuplicateSigner    = errors.New("dagstore: duplicate or non-member signer")
	ErrInsufficientSigs   = errors.New("dagstore: fewer than Q valid signatures")
)

// BatchAvailable reports whether the batch referenced by digest is
// present locally (or was successfully fetched). IssueAck consults this
// before acking.
type BatchAvailable func(digest ids.ID) bool

// Store is the single-writer DAG store. All mutation goes through its
// methods; readers may call the query methods concurrently.
type Store struct {
	mu sync.RWMutex

	committee      *committee.Committee
	log            log.Logger
	batchAvailable BatchAvailable

	headers map[ids.ID]*types.Header         // by header digest
	certs   map[ids.ID]*types.Certificate    // by cert digest (== header digest)

	byAuthorRound map[ids.NodeID]map[uint64]ids.ID // accepted, non-equivocating header digest
	equivocating  map[ids.NodeID]map[uint64]bool

	certsByRound map[uint64]map[ids.ID]struct{}

	pending map[ids.ID]*types.Header // headers buffered on an unknown parent

	currentRound uint64 // advisory round floor; set by node.Restore via SetCurrentRound, not read by Prune

	metrics storeMetrics
}

type storeMetrics struct {
	headersTotal       prometheus.Counter
	equivocationsTotal prometheus.Counter
	certsTotal         prometheus.Counter
	prunedTotal        prometheus.Counter
}

// New creates an empty Store for comm. reg may be nil to skip metrics
// registration (e.g. in unit tests).
func New(comm *committee.Committee, logger log.Logger, reg prometheus.Registerer) *Store {
	s := &Store{
		committee:     comm,
		log:           logger,
		headers:       make(map[ids.ID]*types.Header),
		certs:         make(map[ids.ID]*types.Certificate),
		byAuthorRound: make(map[ids.NodeID]map[uint64]ids.ID),
		equivocating:  make(map[ids.NodeID]map[uint64]bool),
		certsByRound:  make(map[uint64]map[ids.ID]struct{}),
		pending:       make(map[ids.ID]*types.Header),
	}
	if reg != nil {
		s.metrics.headersTotal = mustCounter(reg, "narwhal_dag_headers_total", "total headers accepted")
		s.metrics.equivocationsTotal = mustCounter(reg, "narwhal_dag_equivocations_total", "total equivocations detected")
		s.metrics.certsTotal = mustCounter(reg, "narwhal_dag_certs_total", "total certificates inserted")
		s.metrics.prunedTotal = mustCounter(reg, "narwhal_dag_pruned_total", "total headers/certs pruned")
	}
	return s
}

func mustCounter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	_ = reg.Register(c) // duplicate registration is a caller bug, not a runtime fault; ignored so re-registration in tests is harmless
	return c
}

// SetBatchAvailable wires the batch-availability predicate used by
// IssueAck.
func (s *Store) SetBatchAvailable(f BatchAvailable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchAvailable = f
}

// SetCurrentRound raises the advisory round floor. Prune does not consult
// it; its horizon comes only from its own arguments.
func (s *Store) SetCurrentRound(r uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r > s.currentRound {
		s.currentRound = r
	}
}

// AcceptHeader validates and stores a header.
func (s *Store) AcceptHeader(h *types.Header) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptHeaderLocked(h)
}

func (s *Store) acceptHeaderLocked(h *types.Header) (Result, error) {
	if !s.committee.Has(h.Author) {
		return Invalid, ErrUnknownAuthor
	}
	if h.BatchDigest == ids.Empty {
		return Invalid, ErrEmptyBatchDigest
	}

	digest := wire.HeaderDigest(h)
	pk, err := s.committee.PublicKey(h.Author)
	if err != nil {
		return Invalid, err
	}
	if err := crypto.VerifyChecked(pk, h.AuthorSig, digest); err != nil {
		return Invalid, ErrBadSignature
	}

	if h.Round >= 1 {
		if len(h.Parents) < s.committee.Q() {
			return Invalid, ErrInsufficientParents
		}
		for _, parentDigest := range h.Parents {
			if _, ok := s.certs[parentDigest]; !ok {
				// Buffer this header in pending. The entry is cleared
				// when the same header is later accepted (e.g. inside
				// its certificate) or by DropPending. Nothing in this
				// module calls DropPending or puts a time limit on the
				// entry, and a buffered header is not re-examined when
				// its parent arrives.
				s.pending[digest] = h
				return Invalid, fmt.Errorf("%w: parent %s", ErrUnknownHeader, parentDigest)
			}
		}
	}

	// One header per (author, round): invariant 3.3.1.
	if existingRounds, ok := s.byAuthorRound[h.Author]; ok {
		if existingDigest, exists := existingRounds[h.Round]; exists && existingDigest != digest {
			s.markEquivocatingLocked(h.Author, h.Round)
			s.metrics.incr(s.metrics.equivocationsTotal)
			return Equivocation, ErrEquivocating
		}
	}
	if s.isEquivocatingLocked(h.Author, h.Round) {
		return Equivocation, ErrEquivocating
	}

	h.Digest = digest
	s.headers[digest] = h
	if s.byAuthorRound[h.Author] == nil {
		s.byAuthorRound[h.Author] = make(map[uint64]ids.ID)
	}
	s.byAuthorRound[h.Author][h.Round] = digest
	delete(s.pending, digest)

	s.metrics.incr(s.metrics.headersTotal)
	return Ok, nil
}

func (s *Store) markEquivocatingLocked(author ids.NodeID, round uint64) {
	if s.equivocating[author] == nil {
		s.equivocating[author] = make(map[uint64]bool)
	}
	s.equivocating[author][round] = true
}

func (s *Store) isEquivocatingLocked(author ids.NodeID, round uint64) bool {
	rounds, ok := s.equivocating[author]
	if !ok {
		return false
	}
	return rounds[round]
}

// IssueAck acks a previously accepted header if it passes batch
// availability.
func (s *Store) IssueAck(signer *crypto.Signer, headerDigest ids.ID) (*types.Ack, error) {
	s.mu.RLock()
	h, ok := s.headers[headerDigest]
	author := ids.NodeID{}
	if ok {
		author = h.Author
	}
	equivocating := ok && s.isEquivocatingLocked(author, h.Round)
	avail := s.batchAvailable
	s.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownHeader
	}
	if equivocating {
		return nil, ErrEquivocating
	}
	if avail != nil && !avail(h.BatchDigest) {
		return nil, ErrBatchUnavailable
	}

	sig, err := signer.Sign(headerDigest)
	if err != nil {
		return nil, err
	}
	return &types.Ack{HeaderDigest: headerDigest, Signer: signer.NodeID(), SignerSig: sig}, nil
}

// InsertCertificate validates and stores a certificate. Insertion is
// idempotent: inserting the same certificate twice is equivalent to
// inserting it once.
func (s *Store) InsertCertificate(c *types.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := c.Digest()
	if _, exists := s.certs[digest]; exists {
		return nil // idempotent
	}

	if _, ok := s.headers[digest]; !ok {
		if res, err := s.acceptHeaderLocked(&c.Header); res != Ok {
			return fmt.Errorf("dagstore: certificate's header not accepted: %w", err)
		}
	}

	if len(c.Signatures) < s.committee.Q() {
		return ErrInsufficientSigs
	}
	for signer, sig := range c.Signatures {
		if !s.committee.Has(signer) {
			return ErrDuplicateSigner
		}
		pk, err := s.committee.PublicKey(signer)
		if err != nil {
			return err
		}
		if err := crypto.VerifyChecked(pk, sig, digest); err != nil {
			return fmt.Errorf("dagstore: signature by %s invalid: %w", signer, err)
		}
	}

	s.certs[digest] = c
	if s.certsByRound[c.Round()] == nil {
		s.certsByRound[c.Round()] = make(map[ids.ID]struct{})
	}
	s.certsByRound[c.Round()][digest] = struct{}{}

	s.metrics.incr(s.metrics.certsTotal)
	return nil
}

// ParentsReady returns a set of at least Q certificate digests from
// round, if available.
func (s *Store) ParentsReady(round uint64) ([]ids.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDigest, ok := s.certsByRound[round]
	if !ok || len(byDigest) < s.committee.Q() {
		return nil, false
	}
	out := make([]ids.ID, 0, len(byDigest))
	for d := range byDigest {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b ids.ID) int { return compareIDs(a, b) })
	return out, true
}

// CertsAt returns every certificate at round, in deterministic
// (ascending-digest) order. Non-deterministic map iteration would let
// different validators see different orders for the same DAG state.
func (s *Store) CertsAt(round uint64) []*types.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDigest, ok := s.certsByRound[round]
	if !ok {
		return nil
	}
	digests := make([]ids.ID, 0, len(byDigest))
	for d := range byDigest {
		digests = append(digests, d)
	}
	slices.SortFunc(digests, func(a, b ids.ID) int { return compareIDs(a, b) })

	out := make([]*types.Certificate, 0, len(digests))
	for _, d := range digests {
		out = append(out, s.certs[d])
	}
	return out
}

// GetCertificate returns the certificate with the given digest.
func (s *Store) GetCertificate(digest ids.ID) (*types.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[digest]
	return c, ok
}

// HasStrongPath reports whether to is reachable from from by following
// parent edges transitively.
func (s *Store) HasStrongPath(from, to ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == to {
		return true
	}
	visited := map[ids.ID]bool{from: true}
	queue := []ids.ID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		cert, ok := s.certs[cur]
		if !ok {
			continue
		}
		for _, parent := range cert.Header.Parents {
			if parent == to {
				return true
			}
			if !visited[parent] {
				visited[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return false
}

// Prune removes headers/certificates strictly older than
// committedRound - retentionDepth, unless they sit on an uncommitted
// path the caller has excluded via keep. Both callers in this module
// (storage.Pruner and node) pass a nil keep, so every entry below the
// horizon is removed whether or not it is reachable from an uncommitted
// anchor.
func (s *Store) Prune(committedRound uint64, retentionDepth uint64, keep func(ids.ID) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if committedRound < retentionDepth {
		return 0
	}
	horizon := committedRound - retentionDepth

	pruned := 0
	for round, digests := range s.certsByRound {
		if round >= horizon {
			continue
		}
		for d := range digests {
			if keep != nil && keep(d) {
				continue
			}
			delete(s.certs, d)
			delete(s.headers, d)
			delete(digests, d)
			pruned++
		}
		if len(digests) == 0 {
			delete(s.certsByRound, round)
		}
	}
	s.metrics.incrBy(s.metrics.prunedTotal, pruned)
	return pruned
}

// DropPending removes a buffered header once its wait window expires
// without its parent arriving.
func (s *Store) DropPending(digest ids.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, digest)
}

func (m storeMetrics) incr(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (m storeMetrics) incrBy(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

func compareIDs(a, b ids.ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
