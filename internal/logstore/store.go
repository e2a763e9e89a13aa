package logstore

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/logger"
)

// defaultMaxSegmentBytes matches the teacher's commitlog default.
const defaultMaxSegmentBytes = 1024 * 1024 * 1024

const hwFileName = "replication-offset-checkpoint"

// Options configures a Store, adapted from the teacher's
// commitlog.Options with leader-epoch fields removed (now owned by
// internal/epoch) and cleaner/compaction fields dropped (see DESIGN.md).
type Options struct {
	Path            string
	MaxSegmentBytes int64
	Logger          logger.Logger
}

// Store is the file-backed, segmented commit log implementing Log.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	log      logger.Logger
	segments []*segment
	active   atomic.Pointer[segment]

	hw       atomic.Int64
	readonly atomic.Bool
	closed   atomic.Bool

	waitersMu sync.Mutex
	waiters   map[int64][]chan struct{}
}

// Open recovers or creates a segmented log rooted at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.MaxSegmentBytes == 0 {
		opts.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir log dir")
	}

	s := &Store{opts: opts, log: opts.Logger, waiters: map[int64][]chan struct{}{}}
	s.hw.Store(-1)

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	entries, err := os.ReadDir(s.opts.Path)
	if err != nil {
		return errors.Wrap(err, "read log dir")
	}

	bases := map[int64]bool{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, logSuffix) {
			baseStr := strings.TrimSuffix(name, logSuffix)
			if base, err := strconv.ParseInt(baseStr, 10, 64); err == nil {
				bases[base] = true
			}
		}
	}

	bases[0] = true // ensure at least the initial segment exists

	ordered := make([]int64, 0, len(bases))
	for b := range bases {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, base := range ordered {
		seg, err := newSegment(s.opts.Path, base, s.opts.MaxSegmentBytes)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, seg)
	}
	s.active.Store(s.segments[len(s.segments)-1])

	if hw, err := s.loadHW(); err == nil {
		s.hw.Store(hw)
	}
	return nil
}

func (s *Store) loadHW() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(s.opts.Path, hwFileName))
	if err != nil {
		return -1, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return -1, err
	}
	return v, nil
}

// Append writes batch sequentially, rolling to a new segment when the
// active one would exceed MaxSegmentBytes, the way the teacher's
// checkAndPerformSplit does via a CAS on the active-segment pointer.
func (s *Store) Append(batch [][]byte) (int64, error) {
	if s.readonly.Load() {
		return 0, errors.New("logstore: readonly")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.active.Load()
	var first int64 = -1
	for _, payload := range batch {
		if active.position+int64(msgSetHeaderLen+len(payload)) > active.maxBytes {
			sealed := active
			newSeg, err := newSegment(s.opts.Path, active.nextOffset, s.opts.MaxSegmentBytes)
			if err != nil {
				return 0, err
			}
			s.segments = append(s.segments, newSeg)
			s.active.Store(newSeg)
			active = newSeg
			if err := sealed.Seal(); err != nil {
				s.log.Errorf("logstore: shrink sealed segment %d index: %v", sealed.baseOffset, err)
			}
		}
		off, err := active.Write(payload)
		if err != nil {
			return 0, err
		}
		if first < 0 {
			first = off
		}
	}
	s.notifyLEO(active.nextOffset - 1)
	return first, nil
}

func (s *Store) segmentFor(offset int64) *segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.segments) - 1; i >= 0; i-- {
		if s.segments[i].baseOffset <= offset {
			return s.segments[i]
		}
	}
	return nil
}

// Read returns the single record at offset; maxBytes is currently
// advisory (records are stored whole) and reserved for future batched
// reads.
func (s *Store) Read(offset int64, maxBytes int) ([]byte, error) {
	seg := s.segmentFor(offset)
	if seg == nil {
		return nil, ErrSegmentNotFound
	}
	return seg.ReadAt(offset)
}

func (s *Store) NewestOffset() int64 {
	active := s.active.Load()
	return active.nextOffset - 1
}

func (s *Store) OldestOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		return 0
	}
	return s.segments[0].baseOffset
}

func (s *Store) EarliestOffsetAfterTimestamp(ts time.Time) (int64, error) {
	return 0, errors.New("logstore: timestamp index not implemented")
}

func (s *Store) LatestOffsetBeforeTimestamp(ts time.Time) (int64, error) {
	return 0, errors.New("logstore: timestamp index not implemented")
}

func (s *Store) HighWatermark() int64 { return s.hw.Load() }

func (s *Store) SetHighWatermark(hw int64) {
	if hw <= s.hw.Load() {
		return
	}
	s.persistHW(hw)
}

func (s *Store) OverrideHighWatermark(hw int64) {
	s.persistHW(hw)
}

func (s *Store) persistHW(hw int64) {
	s.hw.Store(hw)
	r := strings.NewReader(strconv.FormatInt(hw, 10))
	if err := atomicfile.WriteFile(filepath.Join(s.opts.Path, hwFileName), r); err != nil {
		s.log.Errorf("logstore: checkpoint HW failed: %v", err)
	}
}

// Truncate discards everything at and above offset: segments starting
// at or above it are deleted, the segment containing it is truncated in
// place, and the last surviving segment becomes the active one.
func (s *Store) Truncate(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.segments[:0:0]
	for _, seg := range s.segments {
		switch {
		case seg.baseOffset >= offset:
			if err := seg.Delete(); err != nil {
				return err
			}
		case seg.nextOffset <= offset:
			kept = append(kept, seg)
		default:
			// offset falls inside this segment
			pos := seg.position
			if e, ok := seg.index.FindByRelativeOffset(uint32(offset - seg.baseOffset)); ok {
				pos = e.position
			}
			if err := seg.TruncateTo(pos); err != nil {
				return err
			}
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		seg, err := newSegment(s.opts.Path, offset, s.opts.MaxSegmentBytes)
		if err != nil {
			return err
		}
		kept = append(kept, seg)
	}
	s.segments = kept
	s.active.Store(kept[len(kept)-1])
	return nil
}

// ValidateTail implements the §4.4.3 tail-validation algorithm: scan
// forward from `from`, segment by segment, reading record headers from
// each segment's log file, until an invalid record or end of data is
// found.
func (s *Store) ValidateTail(from int64) (int64, error) {
	if from < 0 {
		return -1, nil
	}
	seg := s.segmentFor(from)
	if seg == nil {
		return -1, nil
	}

	scanOffset := from
	for {
		e, ok := seg.index.FindByRelativeOffset(uint32(scanOffset - seg.baseOffset))
		var pos int64
		if ok && e.relativeOffset == uint32(scanOffset-seg.baseOffset) {
			pos = e.position
		} else {
			pos = 0
		}
		validPos, reached := seg.ValidateFrom(pos)
		_ = validPos

		if reached == seg.nextOffset {
			// segment fully valid; try rolling to the next one
			next := s.segmentAfter(seg)
			if next == nil {
				return -1, nil
			}
			seg = next
			scanOffset = seg.baseOffset
			continue
		}
		// reached < seg.nextOffset means we hit an invalid/torn record
		return reached, nil
	}
}

func (s *Store) segmentAfter(cur *segment) *segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, seg := range s.segments {
		if seg == cur && i+1 < len(s.segments) {
			return s.segments[i+1]
		}
	}
	return nil
}

func (s *Store) SetReadonly(readonly bool) { s.readonly.Store(readonly) }
func (s *Store) IsReadonly() bool          { return s.readonly.Load() }

func (s *Store) NotifyLEO(leo int64) <-chan struct{} {
	ch := make(chan struct{})
	if s.NewestOffset() >= leo {
		close(ch)
		return ch
	}
	s.waitersMu.Lock()
	s.waiters[leo] = append(s.waiters[leo], ch)
	s.waitersMu.Unlock()
	return ch
}

func (s *Store) notifyLEO(leo int64) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for target, chans := range s.waiters {
		if target <= leo {
			for _, ch := range chans {
				close(ch)
			}
			delete(s.waiters, target)
		}
	}
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if err := seg.Delete(); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.opts.Path)
}
