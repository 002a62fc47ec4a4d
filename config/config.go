// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the tunable parameters of a Shoal-over-Narwhal
// consensus instance. Every field here is a performance or fairness
// knob, never a safety boundary: Q is always derived from N.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidN is returned when the committee size cannot support any
	// Byzantine tolerance, or is not of the required form n = 3f+1.
	ErrInvalidN = errors.New("config: n must be >= 4 and of the form 3f+1")

	// ErrInvalidBatchBounds is returned when batch sealing thresholds are
	// non-positive.
	ErrInvalidBatchBounds = errors.New("config: batch_max_bytes and batch_max_txs must be positive")

	// ErrInvalidRoundGrace is returned when the round grace window is
	// non-positive.
	ErrInvalidRoundGrace = errors.New("config: round_grace_ms must be positive")

	// ErrInvalidReputation is returned when the reputation decay factor or
	// floor are out of range.
	ErrInvalidReputation = errors.New("config: reputation_decay must be in [0,1) and reputation_min in [0,1]")

	// ErrInvalidRetention is returned when the retention depth is
	// non-positive.
	ErrInvalidRetention = errors.New("config: retention_depth must be positive")

	// ErrInvalidPruneInterval is returned when the prune sweep interval is
	// non-positive.
	ErrInvalidPruneInterval = errors.New("config: prune_interval must be positive")
)

// Config collects every tunable knob a consensus instance exposes.
type Config struct {
	// N is the committee size; Q = 2f+1 is derived from it.
	N int

	// BatchMaxBytes bounds a sealed batch's serialized size. Default 500 KiB.
	BatchMaxBytes int

	// BatchMaxTxs bounds a sealed batch's transaction count.
	BatchMaxTxs int

	// BatchTimer periodically seals a batch even below the size/count
	// bounds. Default ~200ms.
	BatchTimer time.Duration

	// RoundGrace is how long the ack collector waits for quorum before a
	// header is abandoned. Fairness knob only.
	RoundGrace time.Duration

	// TargetLatency is the fast/slow reputation classification boundary
	// for a timing-based classifier. This implementation uses the
	// DAG-derived classification instead (a certificate's presence as a
	// cited parent, never wall-clock time), so TargetLatency is
	// currently unconsumed by reputation.Engine; it is kept here as a
	// named configuration knob for a future timing-based classifier.
	TargetLatency time.Duration

	// ReputationDecay is alpha in score' = max(s_min, alpha*score + (1-alpha)*outcome).
	ReputationDecay float64

	// ReputationMin is s_min, the score floor.
	ReputationMin float64

	// RetentionDepth K bounds DAG memory: headers/certs older than
	// committed_round - K are prunable.
	RetentionDepth uint64

	// PruneInterval is how often storage.Pruner sweeps the durable active
	// store for entries that fell out of the retention window.
	PruneInterval time.Duration
}

// Default returns a reasonable set of configuration defaults for an
// n-validator instance.
func Default(n int) *Config {
	return &Config{
		N:               n,
		BatchMaxBytes:   500 * 1024,
		BatchMaxTxs:     5_000,
		BatchTimer:      200 * time.Millisecond,
		RoundGrace:      2 * time.Second,
		TargetLatency:   500 * time.Millisecond,
		ReputationDecay: 0.9,
		ReputationMin:   0.1,
		RetentionDepth:  1000,
		PruneInterval:   5 * time.Second,
	}
}

// F returns the Byzantine tolerance implied by N, assuming N = 3f+1.
func (c *Config) F() int {
	return (c.N - 1) / 3
}

// Q returns the quorum threshold 2f+1.
func (c *Config) Q() int {
	return 2*c.F() + 1
}

// Valid reports whether the configuration is well-formed.
func (c *Config) Valid() error {
	switch {
	case c.N < 4 || 3*((c.N-1)/3)+1 != c.N:
		return ErrInvalidN
	case c.BatchMaxBytes <= 0 || c.BatchMaxTxs <= 0:
		return ErrInvalidBatchBounds
	case c.RoundGrace <= 0:
		return ErrInvalidRoundGrace
	case c.ReputationDecay < 0 || c.ReputationDecay >= 1 || c.ReputationMin < 0 || c.ReputationMin > 1:
		return ErrInvalidReputation
	case c.RetentionDepth == 0:
		return ErrInvalidRetention
	case c.PruneInterval <= 0:
		return ErrInvalidPruneInterval
	default:
		return nil
	}
}

// String renders a short human-readable summary.
func (c *Config) String() string {
	return fmt.Sprintf("Config{N=%d, Q=%d, RetentionDepth=%d}", c.N, c.Q(), c.RetentionDepth)
}
