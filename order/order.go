// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package order implements the order extractor: given a newly committed
// anchor, it walks the DAG store backward over parent edges to find
// every certificate not yet delivered by an earlier commit, flattens
// them into a single deterministic transaction sequence, and marks them
// delivered so a later anchor's causal history never re-delivers the
// same batch. The backward BFS here follows a walk-then-sort shape:
// walk the graph, then sort the frontier with slices.SortFunc before
// using it, because map/BFS-queue iteration order is not itself
// deterministic.
package order

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/internal/set"
	"github.com/luxfi/shoal/types"
)

// BatchFetcher resolves a batch digest to its transactions, looking
// across whichever workers hold it locally or have it cached from a
// remote fetch.
type BatchFetcher func(digest ids.ID) (*types.Batch, bool)

// Extractor flattens committed anchors' causal history into ordered
// transaction sequences.
type Extractor struct {
	mu sync.Mutex

	store     *dagstore.Store
	committee *committee.Committee
	fetch     BatchFetcher
	delivered set.Set[ids.ID]
}

// New creates an Extractor over store, resolving batches with fetch and
// author public keys (for the tie-break in sortCausally) against comm.
func New(store *dagstore.Store, comm *committee.Committee, fetch BatchFetcher) *Extractor {
	return &Extractor{
		store:     store,
		committee: comm,
		fetch:     fetch,
		delivered: set.Of[ids.ID](),
	}
}

// Extract computes the ordered block for anchor. It returns the
// flattened CommittedBlock plus the certificate digests that were newly
// delivered, for the caller to pass to retention pruning.
func (e *Extractor) Extract(anchor *types.Certificate) (*types.CommittedBlock, []ids.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	newlyDelivered := e.causalHistory(anchor.Digest())
	ordered := e.sortCausally(newlyDelivered)

	var txs [][]byte
	for _, digest := range ordered {
		cert, ok := e.store.GetCertificate(digest)
		if !ok {
			return nil, nil, fmt.Errorf("order: certificate %s vanished mid-extraction", digest)
		}
		batch, ok := e.fetch(cert.Header.BatchDigest)
		if !ok {
			return nil, nil, fmt.Errorf("order: batch %s unavailable for certificate %s", cert.Header.BatchDigest, digest)
		}
		txs = append(txs, batch.Txs...)
	}

	for _, digest := range ordered {
		e.delivered.Add(digest)
	}

	block := &types.CommittedBlock{
		AnchorDigest: anchor.Digest(),
		Transactions: txs,
	}
	if anchorCert, ok := e.store.GetCertificate(anchor.Digest()); ok {
		block.CommitRound = anchorCert.Round()
	}
	return block, ordered, nil
}

// causalHistory returns every certificate digest reachable from root by
// following parent edges, excluding anything already delivered.
func (e *Extractor) causalHistory(root ids.ID) []ids.ID {
	visited := set.Of[ids.ID]()
	var out []ids.ID

	queue := []ids.ID{root}
	visited.Add(root)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if e.delivered.Contains(cur) {
			continue
		}
		out = append(out, cur)

		cert, ok := e.store.GetCertificate(cur)
		if !ok {
			continue
		}
		for _, parent := range cert.Header.Parents {
			if !visited.Contains(parent) {
				visited.Add(parent)
				queue = append(queue, parent)
			}
		}
	}
	return out
}

// sortCausally orders digests by (round ascending, author public key
// bytes ascending), which is both a valid topological order (every
// header's parents come from a strictly earlier round) and the
// tie-break every honest validator computes identically regardless of
// network arrival order.
func (e *Extractor) sortCausally(digests []ids.ID) []ids.ID {
	type entry struct {
		digest ids.ID
		round  uint64
		author ids.NodeID
	}
	entries := make([]entry, 0, len(digests))
	for _, d := range digests {
		cert, ok := e.store.GetCertificate(d)
		ent := entry{digest: d}
		if ok {
			ent.round = cert.Round()
			ent.author = cert.Author()
		}
		entries = append(entries, ent)
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if a.round != b.round {
			if a.round < b.round {
				return -1
			}
			return 1
		}
		return bytes.Compare(e.authorPublicKeyBytes(a.author), e.authorPublicKeyBytes(b.author))
	})

	out := make([]ids.ID, len(entries))
	for i, e := range entries {
		out[i] = e.digest
	}
	return out
}

// authorPublicKeyBytes resolves author's registered BLS public key
// bytes, the tie-break key spec'd for sortCausally. A lookup failure
// (author no longer a committee member) yields a nil key, which sorts
// first among the round's entries.
func (e *Extractor) authorPublicKeyBytes(author ids.NodeID) []byte {
	pk, err := e.committee.PublicKey(author)
	if err != nil {
		return nil
	}
	return pk.Bytes()
}
