package logstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	dir := t.TempDir()
	s, err := Open(Options{Path: filepath.Join(dir, "log"), MaxSegmentBytes: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRead(t *testing.T) {
	s := tempStore(t)
	first, err := s.Append([][]byte{[]byte("hello"), []byte("world")})
	require.NoError(t, err)
	require.Equal(t, int64(0), first)
	require.Equal(t, int64(1), s.NewestOffset())

	rec, err := s.Read(0, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rec))

	rec, err = s.Read(1, 0)
	require.NoError(t, err)
	require.Equal(t, "world", string(rec))
}

func TestHighWatermarkPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")

	s, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = s.Append([][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	s.SetHighWatermark(1)
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(1), reopened.HighWatermark())
}

func TestTruncateDiscardsTail(t *testing.T) {
	s := tempStore(t)
	_, err := s.Append([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	require.Equal(t, int64(2), s.NewestOffset())

	require.NoError(t, s.Truncate(1))
	require.Equal(t, int64(0), s.NewestOffset())

	_, err = s.Read(1, 0)
	require.Error(t, err)
}

func TestNotifyLEOFiresOnAppend(t *testing.T) {
	s := tempStore(t)
	ch := s.NotifyLEO(2)

	select {
	case <-ch:
		t.Fatal("should not fire before data appended")
	default:
	}

	_, err := s.Append([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected NotifyLEO channel to close after reaching target")
	}
}

func TestValidateTailOnQuiescentLog(t *testing.T) {
	s := tempStore(t)
	_, err := s.Append([][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	offset, err := s.ValidateTail(0)
	require.NoError(t, err)
	require.Equal(t, int64(-1), offset) // fully valid, nothing to truncate
}
