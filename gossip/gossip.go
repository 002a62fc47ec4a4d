// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gossip implements the broadcast/subscribe and request-response
// transport abstraction the consensus core is built against: headers and
// certificates are broadcast on fixed topics, while acks and batch
// fetches are point-to-point request/response exchanges. Network is the
// seam the rest of the module depends on; InMemory is a synchronous,
// fully-connected implementation suited to the deterministic simulation
// harness. The unicast-vs-broadcast split and the "broadcast to every
// validator but myself" shape are adapted from a Comm abstraction over
// a precomputed set of peer node IDs.
package gossip

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/ids"
)

// Fixed topic and path names used throughout the consensus core.
const (
	HeaderTopic    = "consensus/header"
	CertTopic      = "consensus/cert"
	AckPath        = "consensus/ack"
	BatchFetchPath = "consensus/batch_fetch"
)

// ErrNoResponder is returned by Request when the destination node has
// not registered a responder for path.
var ErrNoResponder = errors.New("gossip: no responder registered for path")

// Handler processes one broadcast or unicast message.
type Handler func(from ids.NodeID, payload []byte)

// Responder answers a request and returns the response payload.
type Responder func(ctx context.Context, from ids.NodeID, payload []byte) ([]byte, error)

// Network is the transport seam: broadcast/subscribe for headers and
// certificates, request/response for acks and batch fetches.
type Network interface {
	NodeID() ids.NodeID
	Broadcast(topic string, payload []byte)
	Send(to ids.NodeID, topic string, payload []byte)
	Subscribe(topic string, h Handler)
	Request(ctx context.Context, to ids.NodeID, path string, payload []byte) ([]byte, error)
	RegisterResponder(path string, r Responder)
}

// Hub wires a fixed set of in-process nodes together. It is the backing
// fabric for InMemory links and for the deterministic simulation
// harness.
type Hub struct {
	mu    sync.Mutex
	links map[ids.NodeID]*InMemory
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{links: make(map[ids.NodeID]*InMemory)}
}

// Join creates and registers a Link for nodeID, returning it as a
// Network.
func (h *Hub) Join(nodeID ids.NodeID) *InMemory {
	h.mu.Lock()
	defer h.mu.Unlock()

	link := &InMemory{
		id:         nodeID,
		hub:        h,
		subs:       make(map[string][]Handler),
		responders: make(map[string]Responder),
	}
	h.links[nodeID] = link
	return link
}

// Leave removes nodeID from the hub, e.g. to simulate a crash.
func (h *Hub) Leave(nodeID ids.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, nodeID)
}

func (h *Hub) peers(except ids.NodeID) []*InMemory {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*InMemory, 0, len(h.links))
	for id, link := range h.links {
		if id == except {
			continue
		}
		out = append(out, link)
	}
	return out
}

func (h *Hub) get(nodeID ids.NodeID) (*InMemory, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	link, ok := h.links[nodeID]
	return link, ok
}

// InMemory is a Hub-backed Network implementation. Delivery is
// synchronous: Broadcast and Send return only after every recipient's
// handler has run, which keeps the deterministic simulation harness
// free of goroutine-scheduling nondeterminism.
type InMemory struct {
	id  ids.NodeID
	hub *Hub

	mu         sync.Mutex
	subs       map[string][]Handler
	responders map[string]Responder
}

// NodeID returns the identity this link was joined under.
func (n *InMemory) NodeID() ids.NodeID { return n.id }

// Broadcast delivers payload on topic to every other node currently
// joined to the hub.
func (n *InMemory) Broadcast(topic string, payload []byte) {
	for _, peer := range n.hub.peers(n.id) {
		peer.deliver(topic, n.id, payload)
	}
}

// Send delivers payload on topic to exactly one node.
func (n *InMemory) Send(to ids.NodeID, topic string, payload []byte) {
	peer, ok := n.hub.get(to)
	if !ok {
		return
	}
	peer.deliver(topic, n.id, payload)
}

func (n *InMemory) deliver(topic string, from ids.NodeID, payload []byte) {
	n.mu.Lock()
	handlers := append([]Handler(nil), n.subs[topic]...)
	n.mu.Unlock()
	for _, h := range handlers {
		h(from, payload)
	}
}

// Subscribe registers h to be invoked for every message delivered on
// topic.
func (n *InMemory) Subscribe(topic string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[topic] = append(n.subs[topic], h)
}

// RegisterResponder installs the handler that answers requests on path.
func (n *InMemory) RegisterResponder(path string, r Responder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responders[path] = r
}

// Request sends payload to to's responder for path and returns its
// response. It returns ErrNoResponder if to has not registered a
// responder for path.
func (n *InMemory) Request(ctx context.Context, to ids.NodeID, path string, payload []byte) ([]byte, error) {
	peer, ok := n.hub.get(to)
	if !ok {
		return nil, ErrNoResponder
	}
	peer.mu.Lock()
	responder, ok := peer.responders[path]
	peer.mu.Unlock()
	if !ok {
		return nil, ErrNoResponder
	}
	return responder(ctx, n.id, payload)
}

var _ Network = (*InMemory)(nil)
