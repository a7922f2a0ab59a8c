package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPebblePutGetDel(t *testing.T) {
	k, err := NewMemPebble()
	require.NoError(t, err)
	defer k.Close()

	w := k.Write()
	require.NoError(t, w.Put([]byte("alice"), []byte("1")))
	require.NoError(t, w.Put([]byte("bob"), []byte("2")))
	require.NoError(t, w.Commit(context.Background()))

	r := k.Read()
	v, err := r.Get(context.Background(), []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	missing, err := r.Get(context.Background(), []byte("carol"))
	require.NoError(t, err)
	require.Nil(t, missing)
	r.Close()

	w = k.Write()
	require.NoError(t, w.Del([]byte("alice")))
	require.NoError(t, w.Commit(context.Background()))

	r = k.Read()
	defer r.Close()
	v, err = r.Get(context.Background(), []byte("alice"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestPebbleSnapshotIsolation(t *testing.T) {
	k, err := NewMemPebble()
	require.NoError(t, err)
	defer k.Close()

	w := k.Write()
	require.NoError(t, w.Put([]byte("x"), []byte("old")))
	require.NoError(t, w.Commit(context.Background()))

	r := k.Read()
	defer r.Close()

	w = k.Write()
	require.NoError(t, w.Put([]byte("x"), []byte("new")))
	require.NoError(t, w.Commit(context.Background()))

	// the snapshot predates the second write
	v, err := r.Get(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "old", string(v))
}

func TestPebbleIterRange(t *testing.T) {
	k, err := NewMemPebble()
	require.NoError(t, err)
	defer k.Close()

	w := k.Write()
	for _, key := range []string{"p/a", "p/b", "p/c", "q/a"} {
		require.NoError(t, w.Put([]byte(key), []byte("v")))
	}
	require.NoError(t, w.Commit(context.Background()))

	r := k.Read()
	defer r.Close()

	var keys []string
	for kav, err := range r.Iter(context.Background(), []byte("p/"), PrefixEnd([]byte("p/"))) {
		require.NoError(t, err)
		keys = append(keys, string(kav.K))
	}
	require.Equal(t, []string{"p/a", "p/b", "p/c"}, keys)
}

func TestPebbleWriteReadsOwnWrites(t *testing.T) {
	k, err := NewMemPebble()
	require.NoError(t, err)
	defer k.Close()

	w := k.Write()
	require.NoError(t, w.Put([]byte("alice"), []byte("1")))

	v, err := w.Get(context.Background(), []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, w.Rollback())

	r := k.Read()
	defer r.Close()
	v, err = r.Get(context.Background(), []byte("alice"))
	require.NoError(t, err)
	require.Nil(t, v, "rolled back write must not be visible")
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("p0"), PrefixEnd([]byte("p/")))
	require.Equal(t, []byte{0x01}, PrefixEnd([]byte{0x00}))
	require.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
