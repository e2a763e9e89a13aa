package logstore

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

// entryWidth is the fixed width of one index record: a 4-byte relative
// offset (offset - segment base offset) and an 8-byte byte position
// into the segment's log file.
const entryWidth = 4 + 8

// indexEntry is one (relativeOffset, position) pair.
type indexEntry struct {
	relativeOffset uint32
	position       int64
}

// index is an mmap-backed, append-only index file mapping a segment's
// relative offsets to byte positions in its log file, the way the
// teacher's segment.Index field does, grounded on its call sites in
// segment.go (ReadEntryAtFileOffset/CountEntries/writeEntries/Shrink)
// though the index type itself was never retrieved and is authored
// fresh here.
type index struct {
	file   *os.File
	mmap   gommap.MMap
	size   int64 // bytes currently written
	maxSize int64
}

// newIndex mmaps path, growing the backing file to maxBytes so the
// mapping is stable as entries are appended.
func newIndex(path string, maxBytes int64) (*index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open index file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		if err := f.Truncate(maxBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "truncate index file")
		}
	} else {
		maxBytes = size
	}

	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap index file")
	}

	return &index{file: f, mmap: m, size: size - (size % entryWidth), maxSize: maxBytes}, nil
}

func (ix *index) CountEntries() int64 {
	return ix.size / entryWidth
}

// Append writes one entry at the current tail.
func (ix *index) Append(e indexEntry) error {
	if ix.size+entryWidth > int64(len(ix.mmap)) {
		return errors.New("index: full")
	}
	buf := ix.mmap[ix.size : ix.size+entryWidth]
	binary.BigEndian.PutUint32(buf[0:4], e.relativeOffset)
	binary.BigEndian.PutUint64(buf[4:12], uint64(e.position))
	ix.size += entryWidth
	return nil
}

// ReadEntryAtFileOffset reads the n-th entry (0-indexed).
func (ix *index) ReadEntryAtFileOffset(n int64) (indexEntry, error) {
	pos := n * entryWidth
	if pos < 0 || pos+entryWidth > ix.size {
		return indexEntry{}, errors.New("index: entry out of range")
	}
	buf := ix.mmap[pos : pos+entryWidth]
	return indexEntry{
		relativeOffset: binary.BigEndian.Uint32(buf[0:4]),
		position:       int64(binary.BigEndian.Uint64(buf[4:12])),
	}, nil
}

// FindByRelativeOffset binary-searches for the entry with the largest
// relativeOffset <= target, used by segment lookups (findEntry in the
// teacher's segment.go).
func (ix *index) FindByRelativeOffset(target uint32) (indexEntry, bool) {
	n := ix.CountEntries()
	if n == 0 {
		return indexEntry{}, false
	}
	lo, hi := int64(0), n-1
	var best indexEntry
	found := false
	for lo <= hi {
		mid := (lo + hi) / 2
		e, err := ix.ReadEntryAtFileOffset(mid)
		if err != nil {
			return indexEntry{}, false
		}
		if e.relativeOffset <= target {
			best = e
			found = true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, found
}

// Shrink truncates the backing file down to the bytes actually used,
// called when sealing a segment so a rolled-over segment's index file
// isn't left pre-allocated to its full maxBytes on disk.
func (ix *index) Shrink() error {
	if err := ix.mmap.Sync(gommap.MS_SYNC); err != nil {
		return errors.Wrap(err, "sync index before shrink")
	}
	if err := ix.mmap.UnsafeUnmap(); err != nil {
		return errors.Wrap(err, "unmap index")
	}
	if err := ix.file.Truncate(ix.size); err != nil {
		return errors.Wrap(err, "truncate index")
	}
	m, err := gommap.Map(ix.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "remap index after shrink")
	}
	ix.mmap = m
	ix.maxSize = ix.size
	return nil
}

func (ix *index) Name() string { return ix.file.Name() }

func (ix *index) Close() error {
	if err := ix.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return ix.file.Close()
}

func (ix *index) Delete() error {
	ix.Close()
	return os.Remove(ix.file.Name())
}
