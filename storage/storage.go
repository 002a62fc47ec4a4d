// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage implements the persistence boundary: an abstract
// key-value engine plus a dual active/final store — headers and
// certificates live in the active store until their round is
// committed, at which point the commit record is appended to the
// final store's append-only log and the active entries may be pruned.
// The Database/Reader/Writer/Batch interfaces mirror the shape used
// throughout the rest of this codebase; this package supplies two
// concrete engines (MemDB and LevelDB) and the Store wrapper that
// gives the rest of the consensus core a typed view over them.
package storage

// Reader reads from a key-value database.
type Reader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// Writer writes to a key-value database.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Batch accumulates writes for atomic application.
type Batch interface {
	Writer
	Size() int
	Write() error
	Reset()
	Replay(w Writer) error
}

// Iterator walks the key-value pairs carrying a common prefix in
// ascending key order. Next must be called before the first Key/Value.
// Release must be called once the caller is done with the iterator.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Database is a key-value database. Iterator gives range iteration by
// prefix, used to rebuild in-memory indexes and replay active-store
// state on restart.
type Database interface {
	Reader
	Writer
	NewBatch() Batch
	Iterator(prefix []byte) Iterator
	Close() error
}
