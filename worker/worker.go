// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker implements the Batch/Worker component: it accumulates
// pending transactions into immutable batches and serves them on
// demand.
package worker

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/shoal/config"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

// Trigger names why a batch was sealed.
type Trigger int

const (
	// TriggerFull means the size or count bound was reached.
	TriggerFull Trigger = iota
	// TriggerTimer means the seal timer elapsed.
	TriggerTimer
	// TriggerFlush means an explicit flush was requested.
	TriggerFlush
)

// Worker accumulates pending transactions and seals them into immutable
// batches. One Worker exists per validator per worker lane; this
// implementation models a single lane.
type Worker struct {
	mu sync.Mutex

	id  ids.NodeID
	cfg *config.Config
	log log.Logger

	pending     [][]byte
	pendingSize int

	sealed map[ids.ID]*types.Batch

	onSeal func(digest ids.ID)
}

// New creates a Worker identified by id.
func New(id ids.NodeID, cfg *config.Config, logger log.Logger) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		log:    logger,
		sealed: make(map[ids.ID]*types.Batch),
	}
}

// OnSeal registers a callback invoked with the digest of every batch this
// worker seals, so the round driver (C6) can learn of newly available
// batch digests without polling.
func (w *Worker) OnSeal(f func(digest ids.ID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSeal = f
}

// Submit accepts a transaction if the current batch has capacity;
// otherwise it seals the current batch first and starts a new one.
func (w *Worker) Submit(tx []byte) *types.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()

	var sealed *types.Batch
	if len(w.pending) >= w.cfg.BatchMaxTxs || w.pendingSize+len(tx) > w.cfg.BatchMaxBytes {
		sealed = w.sealLocked(TriggerFull)
	}

	w.pending = append(w.pending, tx)
	w.pendingSize += len(tx)
	return sealed
}

// SealOnTrigger forces a seal regardless of bounds, e.g. from the batch
// timer or an explicit flush request. It returns nil if there is
// nothing pending.
func (w *Worker) SealOnTrigger(trigger Trigger) *types.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sealLocked(trigger)
}

func (w *Worker) sealLocked(trigger Trigger) *types.Batch {
	if len(w.pending) == 0 {
		return nil
	}

	batch := &types.Batch{
		WorkerID:  w.id,
		Txs:       w.pending,
		CreatedAt: time.Now().UTC(),
	}
	batch.Digest = wire.BatchDigest(batch)

	w.sealed[batch.Digest] = batch
	w.pending = nil
	w.pendingSize = 0

	if w.log != nil {
		w.log.Debug("sealed batch", "digest", batch.Digest, "txs", len(batch.Txs), "trigger", int(trigger))
	}
	if w.onSeal != nil {
		w.onSeal(batch.Digest)
	}
	return batch
}

// Fetch serves a previously sealed batch by digest. It returns false if
// the batch is not locally present. The node's batch_fetch path makes a
// single request per miss and does not retry.
func (w *Worker) Fetch(digest ids.ID) (*types.Batch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.sealed[digest]
	return b, ok
}

// Ingest stores a batch so that subsequent local Fetch calls succeed
// (used for batches returned by a batch_fetch request and for this
// validator's own batches before they are proposed).
func (w *Worker) Ingest(b *types.Batch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed[b.Digest] = b
}

// Prune discards sealed batches whose digests are no longer needed,
// called by storage.Pruner once their headers are finalized beyond the
// retention window.
func (w *Worker) Prune(digests []ids.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range digests {
		delete(w.sealed, d)
	}
}
