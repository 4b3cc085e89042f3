package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBBatchWrite(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("b"))
	require.Equal(t, 3, batch.Len())

	// Nothing is visible before Write.
	_, err = db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Write(batch))
	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
	_, err = db.Get([]byte("b"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, db.Len())
}

func TestMemDBClosed(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Close())

	batch := db.NewBatch()
	batch.Put([]byte("k"), []byte("v"))
	err := db.Write(batch)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLevelDBPersistsBatches(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)

	batch := db1.NewBatch()
	batch.Put([]byte("key"), []byte("value"))
	batch.Put([]byte("gone"), []byte("x"))
	batch.Delete([]byte("gone"))
	require.NoError(t, db1.Write(batch))
	require.NoError(t, db1.Close())

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	_, err = db2.GetRaw([]byte("gone"))
	require.True(t, IsNotFound(err))
}

func TestCachedDBRefreshesOnWrite(t *testing.T) {
	backing := NewMemDB()
	db, err := NewCachedDB(backing, 8)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	batch := db.NewBatch()
	batch.Put([]byte("k"), []byte("v1"))
	require.NoError(t, db.Write(batch))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// A write that bypasses the cache is only visible through GetRaw.
	direct := backing.NewBatch()
	direct.Put([]byte("k"), []byte("v2"))
	require.NoError(t, backing.Write(direct))

	got, err = db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	raw, err := db.GetRaw([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), raw)

	del := db.NewBatch()
	del.Delete([]byte("k"))
	require.NoError(t, db.Write(del))
	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachedDBReturnsCopies(t *testing.T) {
	db, err := NewCachedDB(NewMemDB(), 0)
	require.NoError(t, err)

	batch := db.NewBatch()
	batch.Put([]byte("k"), []byte("abc"))
	require.NoError(t, db.Write(batch))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	got[0] = 'z'

	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}
