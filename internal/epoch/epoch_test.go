package epoch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempCache(t *testing.T) *Cache {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "epochCheckpoint")})
	require.NoError(t, err)
	return c
}

func TestAppendAndLoad(t *testing.T) {
	c := tempCache(t)
	require.Equal(t, uint32(0), c.LastEpoch())

	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, c.Append(Entry{Epoch: 2, StartOffset: 500}))

	entries := c.AllEntries()
	require.Len(t, entries, 2)
	require.Equal(t, int64(500), entries[0].EndOffset)
	require.Equal(t, int64(-1), entries[1].EndOffset)
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	c := tempCache(t)
	require.NoError(t, c.Append(Entry{Epoch: 5, StartOffset: 100}))
	require.ErrorIs(t, c.Append(Entry{Epoch: 5, StartOffset: 200}), ErrInvalidEpochOrder)
	require.ErrorIs(t, c.Append(Entry{Epoch: 6, StartOffset: 50}), ErrInvalidEpochOrder)
}

func TestTruncateSuffixByEpoch(t *testing.T) {
	c := tempCache(t)
	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, c.Append(Entry{Epoch: 2, StartOffset: 100}))
	require.NoError(t, c.Append(Entry{Epoch: 3, StartOffset: 200}))

	require.NoError(t, c.TruncateSuffixByEpoch(2))
	entries := c.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, uint32(1), entries[0].Epoch)
	require.Equal(t, int64(-1), entries[0].EndOffset)

	require.NoError(t, c.TruncateSuffixByEpoch(2)) // idempotent
	require.Len(t, c.AllEntries(), 1)
}

func TestTruncatePrefixByOffsetKeepsLastEntry(t *testing.T) {
	c := tempCache(t)
	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, c.Append(Entry{Epoch: 2, StartOffset: 100}))

	require.NoError(t, c.TruncatePrefixByOffset(1000))
	entries := c.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, uint32(2), entries[0].Epoch)
}

func TestFindEpochAtOffset(t *testing.T) {
	c := tempCache(t)
	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, c.Append(Entry{Epoch: 2, StartOffset: 100}))

	e, ok := c.FindEpochAtOffset(50)
	require.True(t, ok)
	require.Equal(t, uint32(1), e.Epoch)

	e, ok = c.FindEpochAtOffset(150)
	require.True(t, ok)
	require.Equal(t, uint32(2), e.Epoch)

	_, ok = c.FindEpochAtOffset(-1)
	require.False(t, ok)
}

func TestReloadAfterTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epochCheckpoint")

	c, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, c.Append(Entry{Epoch: 2, StartOffset: 100}))
	require.NoError(t, c.TruncateSuffixByEpoch(2))

	reloaded, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.Equal(t, c.AllEntries(), reloaded.AllEntries())
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epochCheckpoint")

	c, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, c.Append(Entry{Epoch: 1, StartOffset: 0}))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.Len(t, reloaded.AllEntries(), 1)
}
