// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package commit implements the commit rule: an anchor decision commits
// if and only if the DAG store can prove a strong path back to the
// previously committed anchor (or this is the very first commit), which
// keeps the committed sequence monotone even though anchor selection
// itself may skip rounds. Listener registration and dispatch here
// follows an acceptor-group shape: named listeners registered per name,
// invoked one after another from a snapshot copy taken under lock, so a
// listener's error is logged rather than returned and listeners run
// without the rule's lock held. Notify runs on the caller's goroutine, so
// a slow listener delays the caller's return.
package commit

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/types"
)

// Listener is notified of every new commit record.
type Listener interface {
	OnCommit(ctx context.Context, record types.CommitRecord) error
}

// Rule evaluates anchor decisions against the DAG store and maintains
// the committed sequence.
type Rule struct {
	mu sync.RWMutex

	store *dagstore.Store
	log   log.Logger

	hasCommitted  bool
	lastRound     uint64
	lastDigest    ids.ID
	listeners     map[string]Listener

	commitRound  prometheus.Gauge
	commitsTotal prometheus.Counter
}

// New creates a Rule over store.
func New(store *dagstore.Store, logger log.Logger, reg prometheus.Registerer) *Rule {
	r := &Rule{
		store:     store,
		log:       logger,
		listeners: make(map[string]Listener),
	}
	if reg != nil {
		r.commitRound = prometheus.NewGauge(prometheus.GaugeOpts{Name: "shoal_commit_round", Help: "most recently committed anchor round"})
		r.commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "shoal_commits_total", Help: "total anchors committed"})
		_ = reg.Register(r.commitRound)
		_ = reg.Register(r.commitsTotal)
	}
	return r
}

// RegisterListener adds or replaces the listener registered under name.
func (r *Rule) RegisterListener(name string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = l
}

// DeregisterListener removes the listener registered under name.
func (r *Rule) DeregisterListener(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, name)
}

// Evaluate decides whether decision yields a commit. A skipped round
// never commits, and neither does a round at or below the last committed
// round. Otherwise the round commits
// if this is the first commit ever, or if the DAG store proves a strong
// path from decision's certificate back to the previously committed
// anchor. On commit it advances the rule's notion of "last committed"
// and returns the anchor digest; otherwise it returns the zero ID and
// false.
func (r *Rule) Evaluate(decision *types.AnchorDecision) (ids.ID, bool) {
	if decision.Skipped {
		return ids.Empty, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasCommitted && decision.Round <= r.lastRound {
		return ids.Empty, false
	}
	if r.hasCommitted && !r.store.HasStrongPath(decision.CertDigest, r.lastDigest) {
		return ids.Empty, false
	}

	r.hasCommitted = true
	r.lastRound = decision.Round
	r.lastDigest = decision.CertDigest

	if r.commitRound != nil {
		r.commitRound.Set(float64(decision.Round))
	}
	if r.commitsTotal != nil {
		r.commitsTotal.Inc()
	}
	return decision.CertDigest, true
}

// Restore sets the rule's notion of "last committed" directly from a
// replayed commit record, without re-running Evaluate's strong-path
// check, since the record being replayed is itself already-durable proof
// that the commit happened.
func (r *Rule) Restore(round uint64, digest ids.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasCommitted = true
	r.lastRound = round
	r.lastDigest = digest
	if r.commitRound != nil {
		r.commitRound.Set(float64(round))
	}
}

// LastCommitted returns the most recently committed anchor's round and
// digest, and whether any commit has happened yet.
func (r *Rule) LastCommitted() (uint64, ids.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRound, r.lastDigest, r.hasCommitted
}

// Notify delivers record to every registered listener, logging but not
// propagating individual listener failures — one listener's error must
// never block the commit path or other listeners.
func (r *Rule) Notify(ctx context.Context, record types.CommitRecord) {
	r.mu.RLock()
	snapshot := make(map[string]Listener, len(r.listeners))
	for name, l := range r.listeners {
		snapshot[name] = l
	}
	r.mu.RUnlock()

	for name, l := range snapshot {
		if err := l.OnCommit(ctx, record); err != nil && r.log != nil {
			r.log.Error("commit listener failed",
				zap.String("listener", name),
				zap.Uint64("round", record.Round),
				zap.Error(err),
			)
		}
	}
}
