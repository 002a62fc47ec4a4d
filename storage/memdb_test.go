package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBIteratorWalksMatchingPrefixInOrder(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("idx/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("idx/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("idx/c"), []byte("3")))
	require.NoError(t, db.Put([]byte("other/x"), []byte("9")))

	it := db.Iterator([]byte("idx/"))
	defer it.Release()

	var keys []string
	var values []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"idx/a", "idx/b", "idx/c"}, keys)
	require.Equal(t, []string{"1", "2", "3"}, values)
}

func TestMemDBIteratorEmptyWhenNoKeyMatchesPrefix(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("other/x"), []byte("9")))

	it := db.Iterator([]byte("idx/"))
	defer it.Release()
	require.False(t, it.Next())
}
