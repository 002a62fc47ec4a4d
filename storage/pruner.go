// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/shoal/config"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/worker"
)

// Pruner is the persistence boundary's own retention sweep: a standalone
// periodic task, separate from the DAG store's synchronous per-commit
// prune, that evicts durable active-store entries and sealed batches
// once they fall out of the retention window without ever having been
// promoted by a commit. It reuses dagstore's snapshot read path
// (CertsAt) to learn what a round held before the DAG store's own Prune
// discards it, so the durable store and the in-memory one stay in sync
// without the pruner needing its own bookkeeping of what was inserted.
type Pruner struct {
	mu sync.Mutex

	store  *Store
	dag    *dagstore.Store
	worker *worker.Worker
	cfg    *config.Config
	log    log.Logger

	nextRound uint64 // first round not yet scanned for eviction
}

// NewPruner creates a Pruner over store's durable active entries and
// worker's sealed batches, using dag's snapshot reads to learn what a
// round contained before it ages out.
func NewPruner(store *Store, dag *dagstore.Store, wk *worker.Worker, cfg *config.Config, logger log.Logger) *Pruner {
	return &Pruner{
		store:  store,
		dag:    dag,
		worker: wk,
		cfg:    cfg,
		log:    logger,
	}
}

// Run ticks every cfg.PruneInterval, calling lastCommitted to learn the
// current retention horizon and sweeping any newly-aged-out rounds. It
// blocks until ctx is canceled.
func (p *Pruner) Run(ctx context.Context, lastCommitted func() (round uint64, ok bool)) {
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			round, ok := lastCommitted()
			if !ok {
				continue
			}
			if _, err := p.Sweep(round); err != nil && p.log != nil {
				p.log.Error("storage: prune sweep failed", "error", err)
			}
		}
	}
}

// Sweep evicts every round in [nextRound, committedRound-RetentionDepth)
// not yet scanned: it reads each such round's certificates from the DAG
// store, deletes their durable header/certificate entries and sealed
// batches, then lets the DAG store's own Prune reclaim the in-memory
// copies. It returns the number of certificate entries evicted.
//
// Calling Sweep repeatedly with a non-decreasing committedRound is safe:
// rounds already scanned are never revisited, so entries freshly
// inserted into an old, already-swept round (which cannot legitimately
// happen, since round numbers only move forward) are the only way this
// could miss an eviction.
func (p *Pruner) Sweep(committedRound uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if committedRound < p.cfg.RetentionDepth {
		return 0, nil
	}
	horizon := committedRound - p.cfg.RetentionDepth
	if p.nextRound >= horizon {
		return 0, nil
	}

	var certDigests, batchDigests []ids.ID
	for round := p.nextRound; round < horizon; round++ {
		for _, cert := range p.dag.CertsAt(round) {
			certDigests = append(certDigests, cert.Digest())
			batchDigests = append(batchDigests, cert.Header.BatchDigest)
		}
	}
	p.nextRound = horizon

	if len(certDigests) == 0 {
		return 0, nil
	}
	if err := p.store.Prune(certDigests); err != nil {
		return 0, err
	}
	p.worker.Prune(batchDigests)
	p.dag.Prune(committedRound, p.cfg.RetentionDepth, nil)
	return len(certDigests), nil
}
