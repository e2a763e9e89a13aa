package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	logSuffix   = ".log"
	indexSuffix = ".index"
	fileFormat  = "%020d%s"

	// msgSetHeaderLen is the length-prefix on each stored record: a
	// 4-byte big-endian length followed by the payload.
	msgSetHeaderLen = 4
)

var (
	ErrSegmentNotFound = errors.New("logstore: segment not found")
	ErrEntryNotFound   = errors.New("logstore: entry not found")
)

// segment is one contiguous run of the log: a log file, its mmap index,
// and the offset/position bookkeeping needed to append and read,
// adapted from the teacher's commitlog/segment.go with compaction and
// multi-writer waiter machinery dropped (single in-process writer,
// confirm-offset/ISR notifications are handled by the caller).
type segment struct {
	mu sync.RWMutex

	baseOffset int64
	nextOffset int64
	position   int64
	maxBytes   int64

	path  string
	log   *os.File
	index *index
}

func segmentPath(dir string, baseOffset int64, suffix string) string {
	return fmt.Sprintf("%s/"+fileFormat, dir, baseOffset, suffix)
}

func newSegment(dir string, baseOffset, maxBytes int64) (*segment, error) {
	logPath := segmentPath(dir, baseOffset, logSuffix)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open segment log")
	}
	ix, err := newIndex(segmentPath(dir, baseOffset, indexSuffix), maxBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		path:       dir,
		log:        f,
		index:      ix,
		maxBytes:   maxBytes,
	}

	if n := ix.CountEntries(); n > 0 {
		last, err := ix.ReadEntryAtFileOffset(n - 1)
		if err != nil {
			return nil, err
		}
		s.nextOffset = baseOffset + int64(last.relativeOffset) + 1
		s.position = last.position
		// advance position past the last record's bytes
		if sz, err := recordSizeAt(f, last.position); err == nil {
			s.position = last.position + int64(msgSetHeaderLen) + int64(sz)
		}
	}

	return s, nil
}

func recordSizeAt(f *os.File, pos int64) (uint32, error) {
	hdr := make([]byte, msgSetHeaderLen)
	if _, err := f.ReadAt(hdr, pos); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(hdr), nil
}

// Write appends one record, returning its absolute offset.
func (s *segment) Write(payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hdr := make([]byte, msgSetHeaderLen)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))

	if _, err := s.log.Write(hdr); err != nil {
		return 0, errors.Wrap(err, "write record header")
	}
	if _, err := s.log.Write(payload); err != nil {
		return 0, errors.Wrap(err, "write record payload")
	}

	offset := s.nextOffset
	if err := s.index.Append(indexEntry{
		relativeOffset: uint32(offset - s.baseOffset),
		position:       s.position,
	}); err != nil {
		return 0, err
	}

	s.position += int64(msgSetHeaderLen) + int64(len(payload))
	s.nextOffset++
	return offset, nil
}

// ReadAt reads the record at the given absolute offset.
func (s *segment) ReadAt(offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel := uint32(offset - s.baseOffset)
	e, ok := s.index.FindByRelativeOffset(rel)
	if !ok || e.relativeOffset != rel {
		return nil, ErrEntryNotFound
	}
	sz, err := recordSizeAt(s.log, e.position)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	if _, err := s.log.ReadAt(buf, e.position+msgSetHeaderLen); err != nil {
		return nil, err
	}
	return buf, nil
}

// ValidateFrom walks records starting at the given byte position,
// returning the byte position of the first invalid/torn record and the
// absolute offset reached.
func (s *segment) ValidateFrom(pos int64) (validPos int64, reachedOffset int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := pos
	offset := s.baseOffset
	if n := s.index.CountEntries(); n > 0 {
		// find the offset corresponding to pos, if it lands exactly on
		// an entry boundary; otherwise we scan from the segment start.
		for i := int64(0); i < n; i++ {
			e, _ := s.index.ReadEntryAtFileOffset(i)
			if e.position == pos {
				offset = s.baseOffset + int64(e.relativeOffset)
				break
			}
		}
	}

	for {
		hdr := make([]byte, msgSetHeaderLen)
		if _, err := s.log.ReadAt(hdr, cur); err != nil {
			if err == io.EOF {
				return cur, offset
			}
			return cur, offset
		}
		sz := binary.BigEndian.Uint32(hdr)
		if sz == 0 {
			return cur, offset // roll marker / end of valid data
		}
		payload := make([]byte, sz)
		n, err := s.log.ReadAt(payload, cur+msgSetHeaderLen)
		if err != nil || n != int(sz) {
			return cur, offset // torn record
		}
		cur += int64(msgSetHeaderLen) + int64(sz)
		offset++
	}
}

// TruncateTo cuts the segment's log and index down to the given byte/entry
// boundary, discarding everything after.
func (s *segment) TruncateTo(pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.Truncate(pos); err != nil {
		return errors.Wrap(err, "truncate segment log")
	}
	s.position = pos

	// rebuild the index to only contain entries within [0, pos)
	n := s.index.CountEntries()
	keep := int64(0)
	for i := int64(0); i < n; i++ {
		e, err := s.index.ReadEntryAtFileOffset(i)
		if err != nil {
			break
		}
		if e.position >= pos {
			break
		}
		keep = i + 1
	}
	s.index.size = keep * entryWidth
	if keep > 0 {
		last, _ := s.index.ReadEntryAtFileOffset(keep - 1)
		s.nextOffset = s.baseOffset + int64(last.relativeOffset) + 1
	} else {
		s.nextOffset = s.baseOffset
	}
	return nil
}

// Seal shrinks the segment's index file down to its used size, called
// once a segment stops being the active one so a rolled-over segment's
// index isn't left pre-allocated to its full maxBytes on disk.
func (s *segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Shrink()
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.log.Close()
}

func (s *segment) Delete() error {
	s.index.Delete()
	s.log.Close()
	return os.Remove(s.log.Name())
}
