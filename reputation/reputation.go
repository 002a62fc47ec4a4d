// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reputation implements the reputation engine: a deterministic,
// exponentially-decayed score per validator driven solely by whether
// that validator's certificate was referenced as a parent of the next
// round's headers — never by wall-clock timing, since two honest
// validators can observe the same DAG state at different local times.
// Leader ranking breaks score ties with a hash of the round and
// validator identity so that every validator computes the same order
// from the same inputs. The per-validator running-state-with-
// deterministic-update shape mirrors a threshold state machine whose
// update advances deterministically off tallies rather than off a
// clock.
package reputation

import (
	"crypto/sha256"
	"encoding/binary"
	"slices"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	"github.com/luxfi/shoal/types"
)

// Engine tracks one score per committee member.
type Engine struct {
	mu sync.Mutex

	cfg       *config.Config
	committee *committee.Committee

	scores       map[ids.NodeID]float64
	lastObserved map[ids.NodeID]uint64
}

// New creates an Engine with every committee member starting at the
// neutral score of 1.0: validators begin with full trust and lose it
// only by observed absence or slowness.
func New(cfg *config.Config, comm *committee.Committee) *Engine {
	e := &Engine{
		cfg:          cfg,
		committee:    comm,
		scores:       make(map[ids.NodeID]float64, comm.N()),
		lastObserved: make(map[ids.NodeID]uint64, comm.N()),
	}
	for _, nodeID := range comm.Members() {
		e.scores[nodeID] = 1.0
	}
	return e
}

// Observe applies one round's outcomes to every committee member's
// score:
//
//	score' = clamp(decay*score + (1-decay)*outcome.Score(), min, 1.0)
//
// Any committee member absent from outcomes is treated as
// types.OutcomeMissing.
func (e *Engine) Observe(round uint64, outcomes map[ids.NodeID]types.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, nodeID := range e.committee.Members() {
		outcome, ok := outcomes[nodeID]
		if !ok {
			outcome = types.OutcomeMissing
		}
		prev := e.scores[nodeID]
		next := e.cfg.ReputationDecay*prev + (1-e.cfg.ReputationDecay)*outcome.Score()
		if next < e.cfg.ReputationMin {
			next = e.cfg.ReputationMin
		}
		if next > 1.0 {
			next = 1.0
		}
		e.scores[nodeID] = next
		e.lastObserved[nodeID] = round
	}
}

// Restore replaces the engine's scores and last-observed rounds with a
// previously persisted snapshot, used on startup so a restart does not
// reset every validator's history back to the neutral default. Members
// absent from entries (e.g. a committee member added after the snapshot
// was taken) keep their New-initialized default.
func (e *Engine) Restore(entries []types.ReputationEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		e.scores[entry.Validator] = entry.Score
		e.lastObserved[entry.Validator] = entry.LastObservedRound
	}
}

// Score returns nodeID's current score.
func (e *Engine) Score(nodeID ids.NodeID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scores[nodeID]
}

// Rank returns every committee member ordered by descending score, with
// ties broken deterministically by H(round || nodeID) so that every
// validator observing the same scores computes the same order; used by
// the anchor selector's leader-selection rule.
func (e *Engine) Rank(round uint64) []ids.NodeID {
	e.mu.Lock()
	members := e.committee.Members()
	scores := make(map[ids.NodeID]float64, len(members))
	for _, m := range members {
		scores[m] = e.scores[m]
	}
	e.mu.Unlock()

	slices.SortFunc(members, func(a, b ids.NodeID) int {
		if scores[a] != scores[b] {
			if scores[a] > scores[b] {
				return -1
			}
			return 1
		}
		return compareTiebreak(round, a, b)
	})
	return members
}

func compareTiebreak(round uint64, a, b ids.NodeID) int {
	ha := tiebreakHash(round, a)
	hb := tiebreakHash(round, b)
	for i := range ha {
		if ha[i] != hb[i] {
			if ha[i] < hb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func tiebreakHash(round uint64, nodeID ids.NodeID) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h := sha256.New()
	h.Write(buf[:])
	h.Write(nodeID[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Snapshot returns every member's current score as a stable-ordered
// slice of entries, for metrics export and persistence.
func (e *Engine) Snapshot() []types.ReputationEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	members := e.committee.Members()
	out := make([]types.ReputationEntry, 0, len(members))
	for _, nodeID := range members {
		out = append(out, types.ReputationEntry{
			Validator:         nodeID,
			Score:             e.scores[nodeID],
			LastObservedRound: e.lastObserved[nodeID],
		})
	}
	return out
}
