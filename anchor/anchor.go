// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package anchor implements the anchor selector: for each round it
// designates at most one certificate as that round's anchor,
// deterministically and exactly once — the decision is never revisited
// once made. The anchor is the first validator in the reputation
// engine's ranking order that actually produced a certificate at the
// round: if the top-ranked validator (the round's leader) is missing,
// selection falls through to the next-ranked candidate with a
// certificate, and only skips the round if no candidate in the entire
// ranking has one. This mirrors a conflict-resolution fallback that
// walks a priority list until it finds a usable candidate rather than
// giving up after the first choice.
package anchor

import (
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/reputation"
	"github.com/luxfi/shoal/types"
)

// Selector picks each round's anchor certificate, if any.
type Selector struct {
	mu sync.Mutex

	committee *committee.Committee
	store     *dagstore.Store
	rep       *reputation.Engine

	decided map[uint64]*types.AnchorDecision
}

// New creates a Selector.
func New(comm *committee.Committee, store *dagstore.Store, rep *reputation.Engine) *Selector {
	return &Selector{
		committee: comm,
		store:     store,
		rep:       rep,
		decided:   make(map[uint64]*types.AnchorDecision),
	}
}

// Select returns round's anchor decision, computing and caching it on
// first call. Subsequent calls for the same round
// return the identical cached decision without recomputing, which is
// what makes the rule non-revising even if certificates for the round
// continue to arrive afterward.
func (s *Selector) Select(round uint64) *types.AnchorDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.decided[round]; ok {
		return d
	}

	byAuthor := make(map[ids.NodeID]*types.Certificate, len(s.store.CertsAt(round)))
	for _, cert := range s.store.CertsAt(round) {
		byAuthor[cert.Author()] = cert
	}

	var decision *types.AnchorDecision
	for _, candidate := range s.rep.Rank(round) {
		if cert, ok := byAuthor[candidate]; ok {
			decision = &types.AnchorDecision{Round: round, CertDigest: cert.Digest()}
			break
		}
	}
	if decision == nil {
		decision = &types.AnchorDecision{Round: round, CertDigest: ids.Empty, Skipped: true}
	}

	s.decided[round] = decision
	return decision
}

// At returns the cached decision for round, if Select has already been
// called for it.
func (s *Selector) At(round uint64) (*types.AnchorDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decided[round]
	return d, ok
}

// Leader returns the round's designated leader without deciding an
// anchor for it, used by diagnostics and simulation harnesses through
// node.Node.Leader.
func (s *Selector) Leader(round uint64) ids.NodeID {
	return s.rep.Rank(round)[0]
}
