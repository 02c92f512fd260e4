package checkpoint

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	cp, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, cp)

	require.NoError(t, store.Save(model.Checkpoint{BlockNumber: 100}))
	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, uint64(100), loaded.BlockNumber)
}

func TestFileStoreSaveMonotonic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(model.Checkpoint{BlockNumber: 10}))
	require.NoError(t, store.Save(model.Checkpoint{BlockNumber: 20}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(20), loaded.BlockNumber)
}

func TestFileStoreCommittedAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.SaveCommitted(model.Key(7, 3)))
	require.NoError(t, store.SaveCommitted(model.Key(7, 4)))

	set, err := store.LoadCommitted()
	require.NoError(t, err)
	require.Len(t, set, 2)
	_, ok := set[model.Key(7, 3)]
	require.True(t, ok)
}

func TestFileStoreCommittedSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveCommitted(model.Key(1, 1)))

	// Append a malformed line directly.
	f, err := os.OpenFile(store.committedPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage-line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	set, err := store.LoadCommitted()
	require.NoError(t, err)
	require.Len(t, set, 1)
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	cp, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, cp)

	require.NoError(t, store.Save(model.Checkpoint{BlockNumber: 5}))
	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(5), loaded.BlockNumber)

	require.NoError(t, store.SaveCommitted(model.Key(1, 1)))
	set, err := store.LoadCommitted()
	require.NoError(t, err)
	require.Len(t, set, 1)
}
