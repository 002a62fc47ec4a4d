// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package simnet implements a deterministic in-process simulation
// harness for the consensus core: it wires N node.Node instances over a
// shared gossip.Hub (synchronous, in-memory delivery, no goroutine
// scheduling nondeterminism) and drives them by explicit calls rather
// than a randomized scheduler, so a test can assert the exact end-to-end
// behavior the core is supposed to produce. The Network/Bootstrap/
// ProposeRound/Crash shape here follows a test-harness pattern of a driver struct holding
// every participant plus the handful of operations a test needs to
// script a scenario.
package simnet

import (
	"context"
	"sync"
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	shoalcrypto "github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/gossip"
	"github.com/luxfi/shoal/node"
	"github.com/luxfi/shoal/storage"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

// recorder is a commit.Listener that appends every delivered record,
// safe for concurrent delivery from more than one validator's call
// stack.
type recorder struct {
	mu      sync.Mutex
	records []types.CommitRecord
}

func (r *recorder) OnCommit(_ context.Context, record types.CommitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recorder) snapshot() []types.CommitRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CommitRecord(nil), r.records...)
}

// Network wires a fixed committee of validators over a shared
// gossip.Hub. Each validator has its own Node, its own in-memory
// storage.Store and its own commit recorder, so a test can inspect what
// each validator individually observed.
type Network struct {
	t         *testing.T
	hub       *gossip.Hub
	committee *committee.Committee
	order     []ids.NodeID

	nodes     map[ids.NodeID]*node.Node
	recorders map[ids.NodeID]*recorder
	signers   map[ids.NodeID]*shoalcrypto.Signer

	// relay is a spare link joined to the hub solely so a test can forge
	// and broadcast a header signed by an arbitrary committee member
	// without going through that member's own Node.
	relay *gossip.InMemory
}

// New builds a Network of n validators (n >= 4) sharing cfg, all joined
// to the same gossip.Hub. It does not bootstrap them; call Bootstrap
// once the network is assembled.
func New(t *testing.T, n int, cfg *config.Config) *Network {
	t.Helper()

	members := make([]committee.Member, 0, n)
	signers := make([]*shoalcrypto.Signer, 0, n)
	for i := 0; i < n; i++ {
		sk, err := bls.NewSecretKey()
		require.NoError(t, err)
		nodeID := ids.GenerateTestNodeID()
		signer := shoalcrypto.NewSigner(nodeID, sk)
		members = append(members, committee.Member{NodeID: nodeID, PublicKey: signer.PublicKey()})
		signers = append(signers, signer)
	}
	comm, err := committee.New(1, members)
	require.NoError(t, err)

	net := &Network{
		t:         t,
		hub:       gossip.NewHub(),
		committee: comm,
		order:     comm.Members(),
		nodes:     make(map[ids.NodeID]*node.Node, n),
		recorders: make(map[ids.NodeID]*recorder, n),
		signers:   make(map[ids.NodeID]*shoalcrypto.Signer, n),
	}
	for _, signer := range signers {
		link := net.hub.Join(signer.NodeID())
		store := storage.NewStore(storage.NewMemDB(), storage.NewMemDB(), nil)
		nd := node.New(signer, comm, cfg, link, store, nil, nil)
		rec := &recorder{}
		nd.RegisterCommitListener("simnet", rec)
		net.nodes[signer.NodeID()] = nd
		net.recorders[signer.NodeID()] = rec
		net.signers[signer.NodeID()] = signer
	}
	net.relay = net.hub.Join(ids.GenerateTestNodeID())
	return net
}

// Committee returns the network's fixed validator set.
func (n *Network) Committee() *committee.Committee { return n.committee }

// Members returns every validator identity, in the deterministic
// (ascending) order the committee assigns them.
func (n *Network) Members() []ids.NodeID {
	return append([]ids.NodeID(nil), n.order...)
}

// Node returns the validator's Node, or nil if it has crashed (Crash
// removes it from the map entirely, matching a node that no longer
// exists rather than one that is merely unresponsive).
func (n *Network) Node(id ids.NodeID) *node.Node {
	return n.nodes[id]
}

// Bootstrap proposes every live validator's round-0 header.
func (n *Network) Bootstrap() {
	for _, id := range n.order {
		nd, ok := n.nodes[id]
		if !ok {
			continue
		}
		require.NoError(n.t, nd.Bootstrap())
	}
}

// ProposeRound drives every live validator in proposers to submit and
// flush one transaction, advancing the DAG by whatever each validator's
// current round is. Proposers absent from the live set (crashed) are
// silently skipped, modeling a validator that does not participate.
func (n *Network) ProposeRound(proposers ...ids.NodeID) {
	for _, id := range proposers {
		nd, ok := n.nodes[id]
		if !ok {
			continue
		}
		require.NoError(n.t, nd.SubmitTx([]byte("tx")))
		require.NoError(n.t, nd.Flush())
	}
}

// ProposeAll is ProposeRound over every live validator.
func (n *Network) ProposeAll() {
	n.ProposeRound(n.liveMembers()...)
}

func (n *Network) liveMembers() []ids.NodeID {
	live := make([]ids.NodeID, 0, len(n.order))
	for _, id := range n.order {
		if _, ok := n.nodes[id]; ok {
			live = append(live, id)
		}
	}
	return live
}

// Crash removes id from the gossip hub and from further driving, so it
// neither proposes nor acks from this point on — modeling the "leader
// silently stops" scenario rather than a Byzantine or slow validator.
func (n *Network) Crash(id ids.NodeID) {
	n.hub.Leave(id)
	delete(n.nodes, id)
}

// Commits returns the commit records observer id has delivered so far,
// in delivery order.
func (n *Network) Commits(observer ids.NodeID) []types.CommitRecord {
	rec, ok := n.recorders[observer]
	if !ok {
		return nil
	}
	return rec.snapshot()
}

// ForgeHeader builds and signs a header for author at round, referencing
// parents and batchDigest, without going through author's own Node. Tests
// use this to construct conflicting or out-of-order headers that an
// honest validator would never itself propose.
func (n *Network) ForgeHeader(author ids.NodeID, round uint64, batchDigest ids.ID, parents []ids.ID) *types.Header {
	signer, ok := n.signers[author]
	require.True(n.t, ok, "unknown author %s", author)

	h := &types.Header{
		Author:      author,
		Round:       round,
		BatchDigest: batchDigest,
		Parents:     append([]ids.ID(nil), parents...),
	}
	digest := wire.HeaderDigest(h)
	sig, err := signer.Sign(digest)
	require.NoError(n.t, err)
	h.Digest = digest
	h.AuthorSig = sig
	return h
}

// BroadcastHeader encodes h and broadcasts it to every live validator,
// using a spare relay link so the broadcast is not tied to any one
// validator's Node.
func (n *Network) BroadcastHeader(h *types.Header) {
	encoded, err := wire.EncodeHeader(h)
	require.NoError(n.t, err)
	n.relay.Broadcast(gossip.HeaderTopic, encoded)
}

// ParentDigests returns the certificate digests of every certified header
// at round, in no particular order, for use as ForgeHeader's parents.
func (n *Network) ParentDigests(round uint64) []ids.ID {
	for _, nd := range n.nodes {
		return nd.CertDigestsAt(round)
	}
	return nil
}

// Violations drains every pending violation event observer has queued.
func (n *Network) Violations(observer ids.NodeID) []node.ViolationEvent {
	nd, ok := n.nodes[observer]
	if !ok {
		return nil
	}
	var out []node.ViolationEvent
	for {
		select {
		case ev := <-nd.Violations():
			out = append(out, ev)
		default:
			return out
		}
	}
}
