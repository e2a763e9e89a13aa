// Package epoch implements the persistent, append-only epoch cache (C1):
// a sequence of (epoch, startOffset) records used to detect log
// divergence across leader changes and drive truncation.
//
// Durability follows the pattern the teacher's commitlog package uses
// for its high-watermark checkpoint file: appends are fsync'd in place,
// and any rewrite of the whole file (a suffix/prefix truncation) goes
// through a write-new-then-rename so a crash mid-rewrite never leaves a
// half-written file behind.
package epoch

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/logger"
)

// Entry is one epoch boundary record. EndOffset is derived, not stored:
// it equals the next entry's StartOffset, or is open-ended (-1) for the
// last entry in the sequence.
type Entry struct {
	Epoch      uint32
	StartOffset int64
	EndOffset   int64 // -1 means open-ended (this is the current epoch)
}

// recordWidth is the fixed width of one record's plaintext payload:
// epoch (u32) + startOffset (i64), big-endian. On disk each payload is
// wrapped in a length-prefixed frame (see frameHeaderWidth).
const recordWidth = 4 + 8

// Sentinel errors surfaced to the role state machine per the error
// handling design: epoch-order violations never mutate state, and
// persistence failures are fatal to leader readiness.
var (
	ErrInvalidEpochOrder      = errors.New("epoch: invalid epoch order")
	ErrEpochPersistenceFailure = errors.New("epoch: persistence failure")
)

// AEAD is the optional at-rest encryption hook for epoch records,
// satisfied by a Tink primitive wrapper (see Options.Cipher). When nil,
// records are stored in cleartext.
type AEAD interface {
	Encrypt(plaintext, associatedData []byte) ([]byte, error)
	Decrypt(ciphertext, associatedData []byte) ([]byte, error)
}

// Options configures a Cache.
type Options struct {
	Path   string
	Logger logger.Logger
	Cipher AEAD // optional
}

// Cache is the in-memory, disk-backed epoch sequence. All mutating
// operations are serialized by mu; appends are durably persisted before
// returning.
type Cache struct {
	mu      sync.Mutex
	path    string
	log     logger.Logger
	cipher  AEAD
	entries []Entry
}

// Open loads an existing epoch file (if any), discarding a torn tail
// record, and returns a ready Cache.
func Open(opts Options) (*Cache, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	c := &Cache{path: opts.Path, log: opts.Logger, cipher: opts.Cipher}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// frameHeaderWidth is the length prefix (u32, big-endian) that precedes
// every on-disk record. Plaintext records are always recordWidth bytes
// long; encrypted records are variable-length ciphertext, so the file
// format is length-prefixed uniformly rather than assuming a fixed
// stride, the detail the teacher's own epoch helper left unspecified
// (spec §9 Open Question on exact record layout).
const frameHeaderWidth = 4

func (c *Cache) load() error {
	f, err := os.OpenFile(c.path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "open epoch file")
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrap(err, "read epoch file")
	}

	entries := make([]Entry, 0)
	pos := 0
	for pos < len(raw) {
		if pos+frameHeaderWidth > len(raw) {
			c.log.Warnf("epoch: discarding %d torn trailing bytes (short header)", len(raw)-pos)
			break
		}
		frameLen := int(binary.BigEndian.Uint32(raw[pos : pos+frameHeaderWidth]))
		start := pos + frameHeaderWidth
		end := start + frameLen
		if end > len(raw) {
			c.log.Warnf("epoch: discarding torn trailing record (%d of %d bytes present)", len(raw)-start, frameLen)
			break
		}

		rec := raw[start:end]
		if c.cipher != nil {
			dec, err := c.cipher.Decrypt(rec, nil)
			if err != nil {
				if end == len(raw) {
					c.log.Warnf("epoch: discarding undecryptable tail record")
					break
				}
				return errors.Wrap(err, "decrypt epoch record")
			}
			rec = dec
		}
		if len(rec) < recordWidth {
			return errors.New("epoch: corrupt record: short payload")
		}
		epoch := binary.BigEndian.Uint32(rec[0:4])
		start64 := int64(binary.BigEndian.Uint64(rec[4:12]))
		entries = append(entries, Entry{Epoch: epoch, StartOffset: start64, EndOffset: -1})
		pos = end
	}
	for i := 0; i < len(entries)-1; i++ {
		entries[i].EndOffset = entries[i+1].StartOffset
	}
	c.entries = entries
	return nil
}

// LastEpoch returns 0 when the cache is empty.
func (c *Cache) LastEpoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEpochLocked()
}

func (c *Cache) lastEpochLocked() uint32 {
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].Epoch
}

// LastEntry returns the most recent entry and whether one exists.
func (c *Cache) LastEntry() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// AllEntries returns a snapshot copy of the full sequence.
func (c *Cache) AllEntries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Append requires entry.Epoch > lastEpoch() and entry.StartOffset >=
// last.StartOffset, persists durably, then acknowledges.
func (c *Cache) Append(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Epoch <= c.lastEpochLocked() {
		return ErrInvalidEpochOrder
	}
	if len(c.entries) > 0 && e.StartOffset < c.entries[len(c.entries)-1].StartOffset {
		return ErrInvalidEpochOrder
	}

	rec := c.encode(e)
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(ErrEpochPersistenceFailure, err.Error())
	}
	defer f.Close()

	if _, err := f.Write(rec); err != nil {
		return errors.Wrap(ErrEpochPersistenceFailure, err.Error())
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(ErrEpochPersistenceFailure, err.Error())
	}

	if len(c.entries) > 0 {
		c.entries[len(c.entries)-1].EndOffset = e.StartOffset
	}
	e.EndOffset = -1
	c.entries = append(c.entries, e)
	return nil
}

// encode frames e as a length-prefixed record, encrypting the payload
// first when a cipher is configured.
func (c *Cache) encode(e Entry) []byte {
	payload := make([]byte, recordWidth)
	binary.BigEndian.PutUint32(payload[0:4], e.Epoch)
	binary.BigEndian.PutUint64(payload[4:12], uint64(e.StartOffset))

	if c.cipher != nil {
		if enc, err := c.cipher.Encrypt(payload, nil); err == nil {
			payload = enc
		} else {
			c.log.Errorf("epoch: encrypt failed, writing cleartext record: %v", err)
		}
	}

	frame := make([]byte, frameHeaderWidth+len(payload))
	binary.BigEndian.PutUint32(frame[0:frameHeaderWidth], uint32(len(payload)))
	copy(frame[frameHeaderWidth:], payload)
	return frame
}

// rewrite persists the current in-memory sequence via a
// write-new-then-rename, preserving durability across crashes mid-rewrite.
func (c *Cache) rewrite() error {
	buf := make([]byte, 0, len(c.entries)*recordWidth)
	for _, e := range c.entries {
		buf = append(buf, c.encode(e)...)
	}
	r := io.NopCloser(newByteReader(buf))
	if err := atomicfile.WriteFile(c.path, r); err != nil {
		return errors.Wrap(ErrEpochPersistenceFailure, err.Error())
	}
	return nil
}

// TruncateSuffixByEpoch removes all entries with Epoch >= e. Idempotent.
func (c *Cache) TruncateSuffixByEpoch(e uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cut := len(c.entries)
	for i, entry := range c.entries {
		if entry.Epoch >= e {
			cut = i
			break
		}
	}
	if cut == len(c.entries) {
		return nil
	}
	c.entries = c.entries[:cut]
	if len(c.entries) > 0 {
		c.entries[len(c.entries)-1].EndOffset = -1
	}
	return c.rewrite()
}

// TruncateSuffixByOffset removes entries whose StartOffset >= o. Idempotent.
func (c *Cache) TruncateSuffixByOffset(o int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cut := len(c.entries)
	for i, entry := range c.entries {
		if entry.StartOffset >= o {
			cut = i
			break
		}
	}
	if cut == len(c.entries) {
		return nil
	}
	c.entries = c.entries[:cut]
	if len(c.entries) > 0 {
		c.entries[len(c.entries)-1].EndOffset = -1
	}
	return c.rewrite()
}

// TruncatePrefixByOffset removes entries fully below the surviving log
// range (EndOffset <= o), but always preserves at least one entry.
func (c *Cache) TruncatePrefixByOffset(o int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	keepFrom := 0
	for i, entry := range c.entries {
		if i == len(c.entries)-1 {
			break // never drop the last entry
		}
		if entry.EndOffset <= o {
			keepFrom = i + 1
		}
	}
	if keepFrom == 0 {
		return nil
	}
	c.entries = append([]Entry(nil), c.entries[keepFrom:]...)
	return c.rewrite()
}

// FindEpochAtOffset returns the entry covering o, if any.
func (c *Cache) FindEpochAtOffset(o int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.StartOffset <= o && (e.EndOffset < 0 || e.EndOffset > o) {
			return e, true
		}
	}
	return Entry{}, false
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
