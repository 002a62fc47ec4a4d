// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package round implements the round driver: it decides when this
// validator may propose its next header, builds and signs that header,
// and hands it to the DAG store and ack collector. Round 0 is a special
// case with no parents (genesis); every later round requires a quorum
// of certificates from the round before it. The once-per-round tracking
// here follows a bootstrap-guard shape: a single start/finish
// transition guarded by a has-already-run flag that rejects re-entry.
package round

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/shoal/ackqueue"
	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

// Driver proposes this validator's headers as the DAG allows and tracks
// the round currently being proposed into.
type Driver struct {
	mu sync.Mutex

	self      *crypto.Signer
	committee *committee.Committee
	store     *dagstore.Store
	acks      *ackqueue.Queue
	log       log.Logger

	round    uint64
	proposed map[uint64]ids.ID // round -> digest of the header proposed for it

	roundGauge prometheus.Gauge
}

// New creates a Driver that proposes on behalf of self.
func New(self *crypto.Signer, comm *committee.Committee, store *dagstore.Store, acks *ackqueue.Queue, logger log.Logger, reg prometheus.Registerer) *Driver {
	d := &Driver{
		self:      self,
		committee: comm,
		store:     store,
		acks:      acks,
		log:       logger,
		proposed:  make(map[uint64]ids.ID),
	}
	if reg != nil {
		d.roundGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "narwhal_round_current",
			Help: "current round this validator is proposing into",
		})
		_ = reg.Register(d.roundGauge)
	}
	return d
}

// Round returns the round currently being proposed into.
func (d *Driver) Round() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.round
}

// Propose attempts to build, sign, store and self-ack this validator's
// header for the current round, given a just-sealed batch digest. It
// returns (nil, nil) if the round is not yet ready to
// propose into — i.e. round > 0 and fewer than Q certificates exist at
// round-1 — or if this validator has already proposed for the current
// round.
func (d *Driver) Propose(batchDigest ids.ID) (*types.Header, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, already := d.proposed[d.round]; already {
		return nil, nil
	}

	var parents []ids.ID
	if d.round > 0 {
		ready, ok := d.store.ParentsReady(d.round - 1)
		if !ok {
			return nil, nil
		}
		parents = ready
	}

	h := &types.Header{
		Author:      d.self.NodeID(),
		Round:       d.round,
		BatchDigest: batchDigest,
		Parents:     parents,
		Timestamp:   time.Now().UnixNano(),
	}
	h.Digest = wire.HeaderDigest(h)
	sig, err := d.self.Sign(h.Digest)
	if err != nil {
		return nil, fmt.Errorf("round: sign header: %w", err)
	}
	h.AuthorSig = sig

	if res, err := d.store.AcceptHeader(h); res != dagstore.Ok {
		return nil, fmt.Errorf("round: own header rejected: %w", err)
	}
	d.acks.Add(h)

	selfAck, err := ackqueue.SelfAck(d.self, h)
	if err != nil {
		return nil, err
	}
	if _, err := d.acks.Vote(selfAck); err != nil {
		return nil, fmt.Errorf("round: self-ack rejected: %w", err)
	}

	d.proposed[d.round] = h.Digest
	if d.log != nil {
		d.log.Debug("proposed header", "round", d.round, "digest", h.Digest, "parents", len(parents))
	}
	return h, nil
}

// Restore sets the round currently being proposed into directly, used
// on startup to resume past whatever rounds were already certified
// before the last restart rather than re-proposing round 0.
func (d *Driver) Restore(round uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.round = round
	if d.roundGauge != nil {
		d.roundGauge.Set(float64(d.round))
	}
}

// AdvanceRound moves the driver forward to round+1 once the caller (the
// node wiring, observing dagstore.ParentsReady for the current round)
// has determined enough certificates exist to build on. Advancing is a
// no-op if round is not the round currently being proposed into, which
// makes it safe to call from more than one triggering event.
func (d *Driver) AdvanceRound(round uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if round != d.round {
		return
	}
	d.round++
	if d.roundGauge != nil {
		d.roundGauge.Set(float64(d.round))
	}
}

// HasProposed reports whether this validator has already proposed a
// header for round, and if so its digest.
func (d *Driver) HasProposed(round uint64) (ids.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	digest, ok := d.proposed[round]
	return digest, ok
}
