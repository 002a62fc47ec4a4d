// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee models the fixed validator set a consensus instance
// consumes. A committee is an external input — static configuration or
// an upstream election service — and is immutable for the lifetime of
// the instance it is handed to; a committee change always starts a new
// instance.
package committee

import (
	"errors"
	"fmt"
	"slices"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/shoal/internal/set"
)

// ErrNotMember is returned when an operation references a node that is
// not part of the committee.
var ErrNotMember = errors.New("committee: node is not a committee member")

// Member is a single validator's identity within a committee.
type Member struct {
	NodeID    ids.NodeID
	PublicKey *bls.PublicKey
}

// Committee is the fixed set V = {PK_1...PK_n} for one consensus
// instance, together with the epoch it was elected for.
type Committee struct {
	Epoch   uint64
	members []Member
	byNode  map[ids.NodeID]*bls.PublicKey
	order   []ids.NodeID // ascending by NodeID bytes; fixes leader-ranking iteration order
}

// New builds a Committee from an unordered member list. Membership must
// be of the form n = 3f+1 >= 4: any other size lets two disjoint quorums
// of size Q share only a single Byzantine member, breaking the
// quorum-intersection safety margin.
func New(epoch uint64, members []Member) (*Committee, error) {
	n := len(members)
	if n < 4 || 3*((n-1)/3)+1 != n {
		return nil, fmt.Errorf("committee: need n = 3f+1 members (n >= 4), got %d", n)
	}
	byNode := make(map[ids.NodeID]*bls.PublicKey, len(members))
	order := make([]ids.NodeID, 0, len(members))
	for _, m := range members {
		if _, dup := byNode[m.NodeID]; dup {
			return nil, fmt.Errorf("committee: duplicate node id %s", m.NodeID)
		}
		byNode[m.NodeID] = m.PublicKey
		order = append(order, m.NodeID)
	}
	slices.SortFunc(order, func(a, b ids.NodeID) int { return a.Compare(b) })

	return &Committee{
		Epoch:   epoch,
		members: append([]Member(nil), members...),
		byNode:  byNode,
		order:   order,
	}, nil
}

// N is the committee size.
func (c *Committee) N() int { return len(c.members) }

// F is the Byzantine tolerance implied by N = 3f+1.
func (c *Committee) F() int { return (c.N() - 1) / 3 }

// Q is the quorum threshold 2f+1.
func (c *Committee) Q() int { return 2*c.F() + 1 }

// Has reports whether nodeID is a committee member.
func (c *Committee) Has(nodeID ids.NodeID) bool {
	_, ok := c.byNode[nodeID]
	return ok
}

// PublicKey returns the BLS public key registered for nodeID.
func (c *Committee) PublicKey(nodeID ids.NodeID) (*bls.PublicKey, error) {
	pk, ok := c.byNode[nodeID]
	if !ok {
		return nil, ErrNotMember
	}
	return pk, nil
}

// Members returns node IDs in a fixed, deterministic (ascending) order.
// Every component that needs to range over the committee uses this
// instead of ranging over a map, so that every validator computing the
// same operation over the same committee gets the same iteration order.
func (c *Committee) Members() []ids.NodeID {
	return append([]ids.NodeID(nil), c.order...)
}

// AsSet returns the committee membership as a set, used by parent-quorum
// and signer-distinctness checks.
func (c *Committee) AsSet() set.Set[ids.NodeID] {
	return set.Of(c.order...)
}
