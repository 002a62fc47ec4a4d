// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node assembles every consensus component (crypto, wire,
// worker, dagstore, ackqueue, round, reputation, anchor, commit, order,
// gossip, storage) into one running validator instance, the way the
// teacher's engine/dag/engine.go wires a DAG engine out of its
// constituent pieces and acceptor_group.go lets an embedder register
// listeners for accepted output. Node drives everything synchronously
// off the gossip.Network it is given: InMemory delivers messages inline,
// so a single Propose or SubmitTx call settles as far as the network
// currently allows before returning, which is what makes the
// node/simnet test harness deterministic.
package node

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/shoal/ackqueue"
	"github.com/luxfi/shoal/anchor"
	"github.com/luxfi/shoal/commit"
	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	shoalcrypto "github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/dagstore"
	"github.com/luxfi/shoal/gossip"
	"github.com/luxfi/shoal/order"
	"github.com/luxfi/shoal/reputation"
	"github.com/luxfi/shoal/round"
	"github.com/luxfi/shoal/storage"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
	"github.com/luxfi/shoal/worker"
)

// Node wires the twelve components into one validator and drives them
// off an injected gossip.Network. It is not safe for concurrent use:
// gossip.InMemory delivers messages inline on the calling goroutine, so
// a header broadcast can recurse several components deep (header ->
// ack -> certificate -> next header) before the original call returns.
// Each subcomponent (dagstore, ackqueue, round.Driver, ...) guards its
// own state with its own mutex; Node itself holds nothing across a
// call, precisely so that recursive re-entry within one call stack
// never deadlocks against itself.
type Node struct {
	self      *shoalcrypto.Signer
	committee *committee.Committee
	cfg       *config.Config
	net       gossip.Network
	log       log.Logger

	worker *worker.Worker
	dag    *dagstore.Store
	acks   *ackqueue.Queue
	rounds *round.Driver
	rep    *reputation.Engine
	anchor *anchor.Selector
	commit *commit.Rule
	order  *order.Extractor
	store  *storage.Store
	pruner *storage.Pruner

	classified map[uint64]bool
	violations chan ViolationEvent
}

// New assembles a Node for self within comm, driven over net and backed
// by persist. reg may be nil to skip metrics registration.
func New(
	self *shoalcrypto.Signer,
	comm *committee.Committee,
	cfg *config.Config,
	net gossip.Network,
	persist *storage.Store,
	logger log.Logger,
	reg prometheus.Registerer,
) *Node {
	n := &Node{
		self:       self,
		committee:  comm,
		cfg:        cfg,
		net:        net,
		log:        logger,
		worker:     worker.New(self.NodeID(), cfg, logger),
		store:      persist,
		classified: make(map[uint64]bool),
		violations: make(chan ViolationEvent, 256),
	}
	n.dag = dagstore.New(comm, logger, reg)
	n.dag.SetBatchAvailable(func(digest ids.ID) bool {
		_, ok := n.worker.Fetch(digest)
		return ok
	})
	n.acks = ackqueue.New(comm, logger, reg)
	n.rounds = round.New(self, comm, n.dag, n.acks, logger, reg)
	n.rep = reputation.New(cfg, comm)
	n.anchor = anchor.New(comm, n.dag, n.rep)
	n.commit = commit.New(n.dag, logger, reg)
	n.order = order.New(n.dag, comm, n.fetchBatch)
	if persist != nil {
		n.pruner = storage.NewPruner(persist, n.dag, n.worker, cfg, logger)
	}

	net.Subscribe(gossip.HeaderTopic, n.onHeader)
	net.Subscribe(gossip.CertTopic, n.onCertificate)
	net.RegisterResponder(gossip.AckPath, n.onAckRequest)
	net.RegisterResponder(gossip.BatchFetchPath, n.onBatchFetchRequest)

	return n
}

// Restore assembles a Node exactly as New does, then replays persist's
// durable state into it before returning: the commit log (to restore the
// commit rule's last committed round and anchor), the reputation
// snapshot for the committee's epoch (to restore the reputation engine's
// scores) and the active store's still-pending certificates (to rebuild
// the in-memory DAG). Restore
// resumes round proposing from max(observed round)+1 once that round's
// parent quorum is confirmed, or from the observed round itself
// otherwise, per the replay-on-startup requirement. Callers with an
// existing persist directory must call Restore instead of New followed
// by Bootstrap — calling Bootstrap after Restore would propose a second,
// conflicting round-0 header and self-equivocate.
func Restore(
	self *shoalcrypto.Signer,
	comm *committee.Committee,
	cfg *config.Config,
	net gossip.Network,
	persist *storage.Store,
	logger log.Logger,
	reg prometheus.Registerer,
) (*Node, error) {
	n := New(self, comm, cfg, net, persist, logger, reg)
	if persist == nil {
		return n, nil
	}

	var (
		hasCommitted bool
		lastRound    uint64
		lastDigest   ids.ID
	)
	if err := persist.ReplayCommitLog(func(r *types.CommitRecord) error {
		hasCommitted = true
		lastRound = r.Round
		lastDigest = r.AnchorCertDigest
		return nil
	}); err != nil {
		return nil, fmt.Errorf("node: replay commit log: %w", err)
	}
	if hasCommitted {
		n.commit.Restore(lastRound, lastDigest)
	}

	if snapshot, err := persist.GetReputationSnapshot(comm.Epoch); err == nil {
		n.rep.Restore(snapshot)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("node: load reputation snapshot: %w", err)
	}

	var certs []*types.Certificate
	if err := persist.ReplayActiveCertificates(func(c *types.Certificate) error {
		certs = append(certs, c)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("node: replay active certificates: %w", err)
	}
	// Certificates must be inserted in ascending round order: a
	// certificate's parents must already be present in the DAG store for
	// InsertCertificate to accept it, and the iterator above walks
	// digests, not rounds.
	slices.SortFunc(certs, func(a, b *types.Certificate) int {
		switch {
		case a.Round() < b.Round():
			return -1
		case a.Round() > b.Round():
			return 1
		default:
			return 0
		}
	})

	for _, cert := range certs {
		if err := n.dag.InsertCertificate(cert); err != nil {
			return nil, fmt.Errorf("node: consistency violation replaying certificate %s: %w", cert.Digest(), err)
		}
	}

	resumeRound := uint64(0)
	if len(certs) > 0 {
		// certs is sorted ascending by round, so the last entry carries
		// the highest observed round.
		observedMax := certs[len(certs)-1].Round()
		resumeRound = observedMax
		if _, ok := n.dag.ParentsReady(observedMax); ok {
			resumeRound = observedMax + 1
		}
	}
	n.rounds.Restore(resumeRound)
	n.dag.SetCurrentRound(resumeRound)

	if n.log != nil {
		n.log.Info("node: restored from persistent store",
			"resume_round", resumeRound,
			"replayed_certs", len(certs),
			"last_committed_round", lastRound,
			"has_committed", hasCommitted,
		)
	}
	return n, nil
}

// Violations reports Byzantine behavior this node has observed from
// other validators.
func (n *Node) Violations() <-chan ViolationEvent {
	return n.violations
}

// RegisterCommitListener forwards to the commit rule's listener
// registry, so an embedder learns of every committed block.
func (n *Node) RegisterCommitListener(name string, l commit.Listener) {
	n.commit.RegisterListener(name, l)
}

// Leader returns round's designated leader without deciding an anchor
// for it, for diagnostics and simulation harnesses that want to know
// who is expected to propose next.
func (n *Node) Leader(round uint64) ids.NodeID {
	return n.anchor.Leader(round)
}

// NodeID returns this validator's identity.
func (n *Node) NodeID() ids.NodeID {
	return n.self.NodeID()
}

// RunPruner blocks running the durable store's periodic retention sweep
// until ctx is canceled. It is a no-op if this Node was built without a
// persistent store. Callers that want the sweep running alongside a
// live validator should launch this in its own goroutine.
func (n *Node) RunPruner(ctx context.Context) {
	if n.pruner == nil {
		return
	}
	n.pruner.Run(ctx, func() (uint64, bool) {
		record, err := n.store.LastCommitted()
		if err != nil {
			return 0, false
		}
		return record.Round, true
	})
}

// CertDigestsAt returns the digests of every certificate this validator
// holds for round, for diagnostics and test harnesses that need to
// reference existing certificates (e.g. as a forged header's parents).
func (n *Node) CertDigestsAt(round uint64) []ids.ID {
	certs := n.dag.CertsAt(round)
	digests := make([]ids.ID, 0, len(certs))
	for _, c := range certs {
		digests = append(digests, c.Digest())
	}
	return digests
}

// SubmitTx hands tx to this validator's worker. If submission seals a
// batch (the size/count bound was reached), the sealed batch is
// immediately offered to the round driver.
func (n *Node) SubmitTx(tx []byte) error {
	if sealed := n.worker.Submit(tx); sealed != nil {
		return n.proposeBatch(sealed)
	}
	return nil
}

// Flush forces the worker to seal whatever is pending (even below its
// size/count bounds) and offers the result to the round driver. It is a
// no-op if nothing is pending.
func (n *Node) Flush() error {
	if sealed := n.worker.SealOnTrigger(worker.TriggerFlush); sealed != nil {
		return n.proposeBatch(sealed)
	}
	return nil
}

// Bootstrap proposes this validator's round-0 header. It confirms self
// is named in committee.Genesis's template set, then builds an empty
// batch, stores it in this validator's worker and proposes its digest
// rather than reusing Genesis's synthetic placeholder digest, so that
// the batch is actually fetchable by every peer that needs to ack it.
func (n *Node) Bootstrap() error {
	var isMember bool
	for _, h := range committee.Genesis(n.committee) {
		if h.Author == n.self.NodeID() {
			isMember = true
			break
		}
	}
	if !isMember {
		return fmt.Errorf("node: %s is not a member of its own committee", n.self.NodeID())
	}

	batch := &types.Batch{WorkerID: n.self.NodeID(), CreatedAt: time.Now().UTC()}
	batch.Digest = wire.BatchDigest(batch)
	n.worker.Ingest(batch)
	return n.propose(batch.Digest)
}

func (n *Node) proposeBatch(b *types.Batch) error {
	n.worker.Ingest(b)
	return n.propose(b.Digest)
}

func (n *Node) propose(batchDigest ids.ID) error {
	h, err := n.rounds.Propose(batchDigest)
	if err != nil {
		return fmt.Errorf("node: propose: %w", err)
	}
	if h == nil {
		return nil
	}
	encoded, err := wire.EncodeHeader(h)
	if err != nil {
		return fmt.Errorf("node: encode header: %w", err)
	}
	if n.store != nil {
		if err := n.store.PutHeader(h); err != nil {
			return fmt.Errorf("node: persist header: %w", err)
		}
	}
	n.net.Broadcast(gossip.HeaderTopic, encoded)
	return nil
}

func (n *Node) onHeader(from ids.NodeID, payload []byte) {
	h, err := wire.DecodeHeader(payload)
	if err != nil {
		n.logErr("decode header", err)
		return
	}

	res, err := n.dag.AcceptHeader(h)
	switch res {
	case dagstore.Equivocation:
		n.reportViolation(ViolationEquivocation, h.Author, h.Round, "conflicting header for same round")
		return
	case dagstore.Invalid:
		if errors.Is(err, dagstore.ErrUnknownHeader) {
			// Buffered pending an unknown parent; ordinary reordering,
			// not misbehavior.
			return
		}
		n.reportViolation(ViolationBadSignature, h.Author, h.Round, err.Error())
		return
	}

	n.acks.Add(h)
	if err := n.ensureBatch(h.Author, h.BatchDigest); err != nil {
		n.logErr("fetch batch for header", err)
		return
	}
	ack, err := n.dag.IssueAck(n.self, h.Digest)
	if err != nil {
		n.logErr("issue ack", err)
		return
	}
	encoded, err := wire.EncodeAck(ack)
	if err != nil {
		n.logErr("encode ack", err)
		return
	}
	if _, err := n.net.Request(context.Background(), h.Author, gossip.AckPath, encoded); err != nil {
		n.logErr("send ack", err)
	}
}

func (n *Node) onAckRequest(_ context.Context, from ids.NodeID, payload []byte) ([]byte, error) {
	ack, err := wire.DecodeAck(payload)
	if err != nil {
		return nil, err
	}
	cert, err := n.acks.Vote(ack)
	if err != nil {
		if err == ackqueue.ErrBadSignature {
			n.reportViolation(ViolationBadSignature, ack.Signer, 0, "ack signature invalid")
		}
		return nil, err
	}
	if cert == nil {
		return []byte("ack"), nil
	}
	if err := n.insertCertificate(cert); err != nil {
		return nil, err
	}
	encoded, err := wire.EncodeCertificate(cert)
	if err != nil {
		return nil, err
	}
	n.net.Broadcast(gossip.CertTopic, encoded)
	return []byte("ack"), nil
}

func (n *Node) onCertificate(from ids.NodeID, payload []byte) {
	cert, err := wire.DecodeCertificate(payload)
	if err != nil {
		n.logErr("decode certificate", err)
		return
	}
	if err := n.insertCertificate(cert); err != nil {
		n.logErr("insert certificate", err)
	}
}

func (n *Node) insertCertificate(cert *types.Certificate) error {
	if err := n.dag.InsertCertificate(cert); err != nil {
		return err
	}
	if n.store != nil {
		if err := n.store.PutCertificate(cert); err != nil {
			return err
		}
	}
	return n.afterCertificate(cert.Round())
}

// afterCertificate re-evaluates every round-boundary decision that may
// have just become possible: parent quorum, leader-reputation
// classification of the round before, anchor selection, the commit
// rule, and whether this validator can now propose its next header.
func (n *Node) afterCertificate(round uint64) error {
	if _, ok := n.dag.ParentsReady(round); !ok {
		return nil
	}

	n.rounds.AdvanceRound(round)

	if round > 0 && !n.classified[round-1] {
		n.rep.Observe(round-1, n.classifyRound(round-1, round))
		n.classified[round-1] = true
		if n.store != nil {
			if err := n.store.PutReputationSnapshot(n.committee.Epoch, n.rep.Snapshot()); err != nil {
				return fmt.Errorf("node: persist reputation snapshot: %w", err)
			}
		}
	}

	if err := n.evaluateAnchor(round); err != nil {
		return err
	}

	if sealed := n.worker.SealOnTrigger(worker.TriggerFlush); sealed != nil {
		n.worker.Ingest(sealed)
		if err := n.propose(sealed.Digest); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) evaluateAnchor(round uint64) error {
	decision := n.anchor.Select(round)
	if decision.Skipped {
		return nil
	}
	digest, committed := n.commit.Evaluate(decision)
	if !committed {
		return nil
	}
	cert, ok := n.dag.GetCertificate(digest)
	if !ok {
		return fmt.Errorf("node: committed anchor %s missing from dag store", digest)
	}
	block, delivered, err := n.order.Extract(cert)
	if err != nil {
		return fmt.Errorf("node: extract committed block: %w", err)
	}
	record := types.CommitRecord{
		Round:            decision.Round,
		AnchorCertDigest: digest,
		OrderedTxsDigest: transactionsDigest(block.Transactions),
		Transactions:     block.Transactions,
	}
	if n.store != nil {
		if err := n.store.AppendCommitRecord(&record); err != nil {
			return fmt.Errorf("node: append commit record: %w", err)
		}
		if err := n.store.Promote(delivered); err != nil {
			return fmt.Errorf("node: promote committed entries: %w", err)
		}
	}
	n.worker.Prune(batchDigestsOf(delivered, n.dag))
	n.dag.Prune(decision.Round, n.cfg.RetentionDepth, nil)
	n.commit.Notify(context.Background(), record)
	return nil
}

// classifyRound builds the reputation outcome map for round using the
// set of certificates that round+1's headers actually cited as
// parents: every committee member with a round certificate that was
// cited is Fast, every member with a round certificate that was not
// cited is Slow, and every member absent from the round entirely is
// left out of the map so reputation.Engine.Observe treats it as
// Missing.
func (n *Node) classifyRound(round, next uint64) map[ids.NodeID]types.Outcome {
	cited := make(map[ids.ID]bool)
	for _, cert := range n.dag.CertsAt(next) {
		for _, parent := range cert.Header.Parents {
			cited[parent] = true
		}
	}

	outcomes := make(map[ids.NodeID]types.Outcome)
	for _, cert := range n.dag.CertsAt(round) {
		if cited[cert.Digest()] {
			outcomes[cert.Author()] = types.OutcomeFast
		} else {
			outcomes[cert.Author()] = types.OutcomeSlow
		}
	}
	return outcomes
}

// ensureBatch makes digest locally fetchable, pulling it from author
// over gossip if this validator does not already hold it. A header's
// batch lives only with its author's worker, so the fetch is always
// targeted rather than broadcast to the whole committee.
func (n *Node) ensureBatch(author ids.NodeID, digest ids.ID) error {
	if _, ok := n.worker.Fetch(digest); ok {
		return nil
	}
	if author == n.self.NodeID() {
		return fmt.Errorf("node: own batch %s missing", digest)
	}
	resp, err := n.net.Request(context.Background(), author, gossip.BatchFetchPath, digest[:])
	if err != nil {
		return err
	}
	batch, err := wire.DecodeBatch(resp)
	if err != nil {
		return err
	}
	n.worker.Ingest(batch)
	return nil
}

func (n *Node) fetchBatch(digest ids.ID) (*types.Batch, bool) {
	if b, ok := n.worker.Fetch(digest); ok {
		return b, true
	}
	for _, peer := range n.committee.Members() {
		if peer == n.self.NodeID() {
			continue
		}
		resp, err := n.net.Request(context.Background(), peer, gossip.BatchFetchPath, digest[:])
		if err != nil {
			continue
		}
		b, err := wire.DecodeBatch(resp)
		if err != nil {
			continue
		}
		n.worker.Ingest(b)
		return b, true
	}
	return nil, false
}

func (n *Node) onBatchFetchRequest(_ context.Context, _ ids.NodeID, payload []byte) ([]byte, error) {
	var digest ids.ID
	copy(digest[:], payload)
	b, ok := n.worker.Fetch(digest)
	if !ok {
		return nil, fmt.Errorf("node: batch %s not held locally", digest)
	}
	return wire.EncodeBatch(b), nil
}

func batchDigestsOf(certDigests []ids.ID, dag *dagstore.Store) []ids.ID {
	out := make([]ids.ID, 0, len(certDigests))
	for _, d := range certDigests {
		if cert, ok := dag.GetCertificate(d); ok {
			out = append(out, cert.Header.BatchDigest)
		}
	}
	return out
}

func transactionsDigest(txs [][]byte) ids.ID {
	h := sha256.New()
	for _, tx := range txs {
		h.Write(tx)
	}
	var digest ids.ID
	copy(digest[:], h.Sum(nil))
	return digest
}

func (n *Node) reportViolation(kind ViolationKind, validator ids.NodeID, round uint64, detail string) {
	event := ViolationEvent{Kind: kind, Validator: validator, Round: round, Detail: detail}
	select {
	case n.violations <- event:
	default:
		if n.log != nil {
			n.log.Error("violation channel full, dropping event", "kind", kind.String(), "validator", validator)
		}
	}
}

func (n *Node) logErr(action string, err error) {
	if n.log != nil {
		n.log.Error("node: "+action+" failed", "error", err)
	}
}
