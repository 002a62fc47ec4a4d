// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a Database backed by goleveldb, the on-disk engine the
// final store uses outside of tests.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a LevelDB database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, batch: new(leveldb.Batch)}
}

// Iterator walks every key carrying prefix, in ascending key order,
// directly off goleveldb's own range iterator.
func (l *LevelDB) Iterator(prefix []byte) Iterator {
	return &levelIterator{it: l.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelIterator struct {
	it iterator.Iterator
}

func (l *levelIterator) Next() bool { return l.it.Next() }
func (l *levelIterator) Key() []byte {
	return append([]byte(nil), l.it.Key()...)
}
func (l *levelIterator) Value() []byte {
	return append([]byte(nil), l.it.Value()...)
}
func (l *levelIterator) Error() error { return l.it.Error() }
func (l *levelIterator) Release()     { l.it.Release() }

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (b *levelBatch) Size() int { return b.batch.Len() }

func (b *levelBatch) Write() error {
	return b.db.Write(b.batch, nil)
}

func (b *levelBatch) Reset() {
	b.batch.Reset()
}

// replayAdapter bridges our error-returning Writer to goleveldb's
// BatchReplay, whose Put/Delete do not return errors; the first error
// observed is latched and surfaced once replay completes.
type replayAdapter struct {
	w   Writer
	err error
}

func (r *replayAdapter) Put(key, value []byte) {
	if r.err != nil {
		return
	}
	r.err = r.w.Put(key, value)
}

func (r *replayAdapter) Delete(key []byte) {
	if r.err != nil {
		return
	}
	r.err = r.w.Delete(key)
}

func (b *levelBatch) Replay(w Writer) error {
	adapter := &replayAdapter{w: w}
	if err := b.batch.Replay(adapter); err != nil {
		return err
	}
	return adapter.err
}

var (
	_ Database = (*LevelDB)(nil)
	_ Batch    = (*levelBatch)(nil)
	_ Iterator = (*levelIterator)(nil)
)
