package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlayBuffersUntilPublish(t *testing.T) {
	base := NewMemDB()
	seed := base.NewBatch()
	seed.Put([]byte("keep"), []byte("0"))
	seed.Put([]byte("drop"), []byte("0"))
	require.NoError(t, base.Write(seed))

	ov := NewOverlay(base)
	first := ov.NewBatch()
	first.Put([]byte("keep"), []byte("1"))
	first.Delete([]byte("drop"))
	require.NoError(t, ov.Write(first))
	second := ov.NewBatch()
	second.Put([]byte("new"), []byte("2"))
	require.NoError(t, ov.Write(second))

	got, err := ov.Get([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
	_, err = ov.GetRaw([]byte("drop"))
	require.ErrorIs(t, err, ErrNotFound)

	got, err = base.Get([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, []byte("0"), got, "base changed before publish")

	require.NoError(t, ov.Publish())
	require.Equal(t, 0, ov.Len())
	got, err = base.Get([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	_, err = base.Get([]byte("drop"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayDiscard(t *testing.T) {
	base := NewMemDB()
	ov := NewOverlay(base)
	batch := ov.NewBatch()
	batch.Put([]byte("k"), []byte("v"))
	require.NoError(t, ov.Write(batch))
	ov.Discard()

	_, err := ov.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, ov.Publish())
	require.Equal(t, 0, base.Len())
}
