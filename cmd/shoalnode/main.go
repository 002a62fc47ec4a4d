// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command shoalnode wires a committee of Shoal-over-Narwhal validators
// to an in-memory transport and drives them, either for a fixed number
// of rounds (for a quick bench-style run) or indefinitely until
// interrupted. Transport, identity, and persistence wiring are kept
// deliberately thin here; the consensus core itself lives in the
// sibling packages this command only assembles.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/shoal/committee"
	"github.com/luxfi/shoal/config"
	shoalcrypto "github.com/luxfi/shoal/crypto"
	"github.com/luxfi/shoal/gossip"
	"github.com/luxfi/shoal/node"
	"github.com/luxfi/shoal/storage"
	"github.com/luxfi/shoal/types"
)

func main() {
	n := flag.Int("n", 4, "committee size")
	rounds := flag.Int("rounds", 0, "number of propose rounds to drive then exit; 0 runs until interrupted")
	dataDir := flag.String("data-dir", "", "directory for per-validator LevelDB stores; empty uses in-memory stores")
	flag.Parse()

	logger := log.NewLogger("shoalnode")

	if err := run(*n, *rounds, *dataDir, logger); err != nil {
		logger.Error("shoalnode: fatal", "error", err)
		os.Exit(1)
	}
}

func run(n, rounds int, dataDir string, logger log.Logger) error {
	cfg := config.Default(n)
	if err := cfg.Valid(); err != nil {
		return fmt.Errorf("shoalnode: invalid config: %w", err)
	}

	members := make([]committee.Member, 0, n)
	signers := make([]*shoalcrypto.Signer, 0, n)
	for i := 0; i < n; i++ {
		sk, err := bls.NewSecretKey()
		if err != nil {
			return fmt.Errorf("shoalnode: generate validator key: %w", err)
		}
		nodeID := ids.GenerateTestNodeID()
		signer := shoalcrypto.NewSigner(nodeID, sk)
		members = append(members, committee.Member{NodeID: nodeID, PublicKey: signer.PublicKey()})
		signers = append(signers, signer)
	}
	comm, err := committee.New(1, members)
	if err != nil {
		return fmt.Errorf("shoalnode: build committee: %w", err)
	}

	hub := gossip.NewHub()
	nodes := make(map[ids.NodeID]*node.Node, n)
	resumed := make(map[ids.NodeID]bool, n)
	stores := make([]io.Closer, 0, n)
	defer func() {
		for _, c := range stores {
			_ = c.Close()
		}
	}()

	for _, signer := range signers {
		vlog := logger.With("validator", signer.NodeID().String())
		link := hub.Join(signer.NodeID())

		store, closer, existing, err := openStore(dataDir, signer.NodeID(), vlog)
		if err != nil {
			return fmt.Errorf("shoalnode: open store for %s: %w", signer.NodeID(), err)
		}
		if closer != nil {
			stores = append(stores, closer)
		}

		var nd *node.Node
		if existing {
			nd, err = node.Restore(signer, comm, cfg, link, store, vlog, nil)
			if err != nil {
				return fmt.Errorf("shoalnode: restore %s: %w", signer.NodeID(), err)
			}
			resumed[signer.NodeID()] = true
		} else {
			nd = node.New(signer, comm, cfg, link, store, vlog, nil)
		}
		nd.RegisterCommitListener("shoalnode", &logCommits{log: vlog})
		nodes[signer.NodeID()] = nd
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, nd := range nodes {
		wg.Add(1)
		go func(nd *node.Node) {
			defer wg.Done()
			nd.RunPruner(ctx)
		}(nd)
	}

	for _, id := range comm.Members() {
		if resumed[id] {
			continue
		}
		if err := nodes[id].Bootstrap(); err != nil {
			return fmt.Errorf("shoalnode: bootstrap %s: %w", id, err)
		}
	}
	logger.Info("shoalnode: committee bootstrapped", "n", n, "q", cfg.Q())

	if rounds > 0 {
		driveRounds(nodes, comm.Members(), rounds)
	} else {
		driveForever(ctx, nodes, comm.Members(), cfg.BatchTimer)
	}

	cancel()
	wg.Wait()
	return nil
}

func driveRounds(nodes map[ids.NodeID]*node.Node, order []ids.NodeID, rounds int) {
	for r := 0; r < rounds; r++ {
		for _, id := range order {
			nd := nodes[id]
			_ = nd.SubmitTx([]byte(fmt.Sprintf("round-%d", r)))
			_ = nd.Flush()
		}
	}
}

func driveForever(ctx context.Context, nodes map[ids.NodeID]*node.Node, order []ids.NodeID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range order {
				nd := nodes[id]
				_ = nd.SubmitTx([]byte("tick"))
				_ = nd.Flush()
			}
		}
	}
}

// openStore builds the durable store for a validator: a LevelDB pair
// under dataDir/<nodeID>/{active,final} if dataDir is set, or an
// in-memory pair otherwise. The returned closer is nil for the
// in-memory case. existing reports whether the on-disk directory already
// held a final store's LevelDB manifest before this call, i.e. whether
// the caller should Restore from it instead of Bootstrap-ing fresh.
func openStore(dataDir string, id ids.NodeID, logger log.Logger) (store *storage.Store, closer io.Closer, existing bool, err error) {
	if dataDir == "" {
		return storage.NewStore(storage.NewMemDB(), storage.NewMemDB(), logger), nil, false, nil
	}

	base := filepath.Join(dataDir, id.String())
	finalPath := filepath.Join(base, "final")
	if _, statErr := os.Stat(filepath.Join(finalPath, "CURRENT")); statErr == nil {
		existing = true
	}

	active, err := storage.OpenLevelDB(filepath.Join(base, "active"))
	if err != nil {
		return nil, nil, false, err
	}
	final, err := storage.OpenLevelDB(finalPath)
	if err != nil {
		_ = active.Close()
		return nil, nil, false, err
	}
	return storage.NewStore(active, final, logger), closerFunc(func() error {
		err1 := active.Close()
		err2 := final.Close()
		if err1 != nil {
			return err1
		}
		return err2
	}), existing, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// logCommits is a commit.Listener that logs every record a validator
// delivers.
type logCommits struct {
	log log.Logger
}

func (l *logCommits) OnCommit(_ context.Context, record types.CommitRecord) error {
	l.log.Info("committed", "round", record.Round, "anchor", record.AnchorCertDigest.String(), "ordered_txs", record.OrderedTxsDigest.String())
	return nil
}
