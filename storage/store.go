// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/shoal/internal/wrappers"
	"github.com/luxfi/shoal/types"
	"github.com/luxfi/shoal/wire"
)

// ErrRecordNotFound is returned by LastCommitted when the commit log is
// empty.
var ErrRecordNotFound = errors.New("storage: no commit record")

var (
	metaLastSeqKey = []byte("meta/lastSeq")
)

func headerKey(digest ids.ID) []byte {
	return append([]byte("h/"), digest[:]...)
}

func certKey(digest ids.ID) []byte {
	return append([]byte("c/"), digest[:]...)
}

func logKey(seq uint64) []byte {
	p := wrappers.NewPacker(12)
	p.PackFixedBytes([]byte("log/"))
	p.PackLong(seq)
	return p.Bytes
}

// authorIndexPrefix is the range prefix covering every round indexed
// for author, i.e. dag/index/by_author_round/{author}/*.
func authorIndexPrefix(author ids.NodeID) []byte {
	p := wrappers.NewPacker(4 + len(author))
	p.PackFixedBytes([]byte("idx/"))
	p.PackFixedBytes(author[:])
	return p.Bytes
}

func authorRoundKey(author ids.NodeID, round uint64) []byte {
	p := wrappers.NewPacker(4 + len(author) + 8)
	p.PackFixedBytes([]byte("idx/"))
	p.PackFixedBytes(author[:])
	p.PackLong(round)
	return p.Bytes
}

func reputationSnapshotKey(epoch uint64) []byte {
	p := wrappers.NewPacker(12)
	p.PackFixedBytes([]byte("rep/"))
	p.PackLong(epoch)
	return p.Bytes
}

// Store is the persistence boundary between the consensus core and an
// underlying Database: an active store holding headers and certificates
// that have not yet been committed, and a final store holding the
// durable, append-only commit log. A round's active entries are moved
// out via Promote once its commit record has been appended; entries
// that fall out of the retention window without ever being an anchor
// are removed via Prune instead.
type Store struct {
	active Database
	final  Database
	log    log.Logger
}

// NewStore wraps an active and a final Database. The two may be the
// same Database (e.g. two namespaces of one MemDB) or two independent
// engines (e.g. a MemDB active store in front of a LevelDB final
// store), since Store only ever addresses them through the Database
// interface.
func NewStore(active, final Database, logger log.Logger) *Store {
	return &Store{active: active, final: final, log: logger}
}

// PutHeader persists a header to the active store, indexing it under
// its author and round so DigestsByAuthor can range-scan the author's
// header digests without a linear walk of the whole active store.
func (s *Store) PutHeader(h *types.Header) error {
	b, err := wire.EncodeHeader(h)
	if err != nil {
		return err
	}
	batch := s.active.NewBatch()
	if err := batch.Put(headerKey(h.Digest), b); err != nil {
		return err
	}
	if err := batch.Put(authorRoundKey(h.Author, h.Round), h.Digest[:]); err != nil {
		return err
	}
	return batch.Write()
}

// DigestsByAuthor returns every digest indexed for author, ordered by
// ascending round.
func (s *Store) DigestsByAuthor(author ids.NodeID) ([]ids.ID, error) {
	it := s.active.Iterator(authorIndexPrefix(author))
	defer it.Release()

	var out []ids.ID
	for it.Next() {
		var d ids.ID
		copy(d[:], it.Value())
		out = append(out, d)
	}
	return out, it.Error()
}

// GetHeader loads a header from the active store.
func (s *Store) GetHeader(digest ids.ID) (*types.Header, error) {
	b, err := s.active.Get(headerKey(digest))
	if err != nil {
		return nil, err
	}
	return wire.DecodeHeader(b)
}

// PutCertificate persists a certificate to the active store.
func (s *Store) PutCertificate(c *types.Certificate) error {
	b, err := wire.EncodeCertificate(c)
	if err != nil {
		return err
	}
	return s.active.Put(certKey(c.Digest()), b)
}

// GetCertificate loads a certificate from the active store.
func (s *Store) GetCertificate(digest ids.ID) (*types.Certificate, error) {
	b, err := s.active.Get(certKey(digest))
	if err != nil {
		return nil, err
	}
	return wire.DecodeCertificate(b)
}

// Promote removes a committed round's header and certificate entries
// from the active store. The durable record of the commit itself lives
// in the append-only log written by AppendCommitRecord, not in these
// per-header/certificate entries, so promotion here is a pure delete
// rather than a copy into the final store.
func (s *Store) Promote(digests []ids.ID) error {
	batch := s.active.NewBatch()
	for _, d := range digests {
		if h, err := s.GetHeader(d); err == nil {
			if err := batch.Delete(authorRoundKey(h.Author, h.Round)); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := batch.Delete(headerKey(d)); err != nil {
			return err
		}
		if err := batch.Delete(certKey(d)); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Prune removes header and certificate entries that fell out of the
// retention window without ever becoming an anchor.
func (s *Store) Prune(digests []ids.ID) error {
	return s.Promote(digests)
}

// AppendCommitRecord appends record to the durable commit log and
// advances the log's sequence counter, in one atomic batch.
func (s *Store) AppendCommitRecord(record *types.CommitRecord) error {
	seq, err := s.lastSeq()
	if err != nil {
		return err
	}
	batch := s.final.NewBatch()
	if err := batch.Put(logKey(seq), wire.EncodeCommitRecord(record)); err != nil {
		return err
	}
	next := wrappers.NewPacker(8)
	next.PackLong(seq + 1)
	if err := batch.Put(metaLastSeqKey, next.Bytes); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Debug("appended commit record", "round", record.Round, "seq", seq)
	}
	return nil
}

// LastCommitted returns the most recently appended commit record.
func (s *Store) LastCommitted() (*types.CommitRecord, error) {
	seq, err := s.lastSeq()
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, ErrRecordNotFound
	}
	return s.recordAt(seq - 1)
}

// ReplayCommitLog calls fn, in order, for every record ever appended.
// It is used on startup to restore the last committed round and anchor
// digest after a restart; the reputation engine's scores are restored
// from the reputation snapshot instead (GetReputationSnapshot).
func (s *Store) ReplayCommitLog(fn func(*types.CommitRecord) error) error {
	seq, err := s.lastSeq()
	if err != nil {
		return err
	}
	for i := uint64(0); i < seq; i++ {
		record, err := s.recordAt(i)
		if err != nil {
			return fmt.Errorf("storage: replay record %d: %w", i, err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// PutReputationSnapshot persists a reputation engine's full score state
// for epoch to the final store, so it survives a restart instead of
// every validator's history resetting to the defaults.
func (s *Store) PutReputationSnapshot(epoch uint64, entries []types.ReputationEntry) error {
	return s.final.Put(reputationSnapshotKey(epoch), wire.EncodeReputationSnapshot(entries))
}

// GetReputationSnapshot loads the reputation snapshot persisted for
// epoch, if any.
func (s *Store) GetReputationSnapshot(epoch uint64) ([]types.ReputationEntry, error) {
	b, err := s.final.Get(reputationSnapshotKey(epoch))
	if err != nil {
		return nil, err
	}
	return wire.DecodeReputationSnapshot(b)
}

// ReplayActiveCertificates calls fn, in ascending digest order, for
// every certificate still resident in the active store (i.e. every
// certificate whose round has not yet been promoted out by a commit).
// It is used on startup, after ReplayCommitLog, to rebuild the in-memory
// DAG with the headers and certificates that were pending when the
// process last stopped.
func (s *Store) ReplayActiveCertificates(fn func(*types.Certificate) error) error {
	it := s.active.Iterator([]byte("c/"))
	defer it.Release()

	for it.Next() {
		cert, err := wire.DecodeCertificate(it.Value())
		if err != nil {
			return fmt.Errorf("storage: replay active certificate: %w", err)
		}
		if err := fn(cert); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) recordAt(seq uint64) (*types.CommitRecord, error) {
	b, err := s.final.Get(logKey(seq))
	if err != nil {
		return nil, err
	}
	return wire.DecodeCommitRecord(b)
}

func (s *Store) lastSeq() (uint64, error) {
	ok, err := s.final.Has(metaLastSeqKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	b, err := s.final.Get(metaLastSeqKey)
	if err != nil {
		return 0, err
	}
	u := wrappers.NewUnpacker(b)
	seq := u.UnpackLong()
	if u.Err != nil {
		return 0, u.Err
	}
	return seq, nil
}
