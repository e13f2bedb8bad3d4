// Package segment implements the append-only log file that backs one
// entry in a Database's segment ring, plus the in-memory offset index
// built either fresh (open-new) or by replaying the file (recover).
package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"kvstore/record"
)

// Kind classifies a segment's role in the database's segment ring.
type Kind int

const (
	// KindActive is the single segment currently receiving writes.
	KindActive Kind = iota
	// KindSealedPlain is a closed segment produced by a roll or by recovery.
	KindSealedPlain
	// KindSealedCompacted is a closed segment produced by the compactor.
	KindSealedCompacted
)

// ErrNotIndexed is returned by Lookup when the key is not present in the
// segment's in-memory index. The Database checks Contains before calling
// Lookup, so this signals a logic bug rather than a legitimate miss.
var ErrNotIndexed = errors.New("segment: key not indexed")

// ErrClosed is returned by Append when the segment has no open append handle.
var ErrClosed = errors.New("segment: append on closed segment")

// nameRegexp recognizes both segment file naming schemes:
// seg-<id>.bin and compact<timestamp>-<maxSourceId>.bin.
var nameRegexp = regexp.MustCompile(`^(seg|compact)(\d+)?-(\d+)\.bin$`)

// Segment owns one append-only file and the in-memory key -> offset
// index over the records currently live within that file.
type Segment struct {
	logger log.Logger

	id   uint64
	kind Kind
	path string

	mu     sync.RWMutex
	index  map[string]int64
	file   *os.File      // append handle, nil unless active
	writer *bufio.Writer // buffers appends to file
	offset int64         // current end-of-file offset, valid only when active

	recoveredMismatches int // failed decode attempts during rebuildIndex, for metrics
}

// SegPath returns the filename for a plain segment with the given id.
func SegPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("seg-%d.bin", id))
}

// CompactPath returns the filename for a compacted segment produced at
// timestamp ts whose inputs' maximum id was maxSourceID.
func CompactPath(dir string, ts int64, maxSourceID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("compact%d-%d.bin", ts, maxSourceID))
}

// ParseName reports whether fileName matches a recognized segment naming
// scheme and, if so, its id and kind. Compacted files parse to
// KindSealedCompacted with id equal to maxSourceId, per spec: "the id used
// for the compacted segment at runtime is <maxSourceId>".
func ParseName(fileName string) (id uint64, kind Kind, ok bool) {
	m := nameRegexp.FindStringSubmatch(fileName)
	if m == nil {
		return 0, 0, false
	}

	id64, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if strings.HasPrefix(m[1], "compact") {
		return id64, KindSealedCompacted, true
	}
	return id64, KindActive, true // caller decides active vs sealed-plain
}

// OpenNew creates a fresh, empty segment file and returns it as active.
func OpenNew(path string, id uint64, logger log.Logger) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: create %s", path)
	}

	return &Segment{
		logger: logger,
		id:     id,
		kind:   KindActive,
		path:   path,
		index:  make(map[string]int64),
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Recover opens an existing segment file, of the given kind, and rebuilds
// its index by scanning the file from the start. The returned segment has
// no append handle: recovered segments start out sealed. Callers that need
// an active segment call OpenNew instead.
func Recover(path string, id uint64, kind Kind, logger log.Logger) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: open %s", path)
	}
	defer f.Close()

	index, crcMismatches, err := rebuildIndex(f)
	if err != nil {
		return nil, err
	}

	if crcMismatches > 0 {
		level.Debug(logger).Log("msg", "segment recovery skipped corrupted records", "path", path, "count", crcMismatches)
	}

	return &Segment{
		logger:              logger,
		id:                  id,
		kind:                kind,
		path:                path,
		index:               index,
		recoveredMismatches: crcMismatches,
	}, nil
}

// RecoveredMismatches reports how many decode attempts failed while
// rebuilding this segment's index. The byte-resync loop in rebuildIndex
// counts one failure per byte it advances, so a single corrupted record
// usually contributes several. Zero for a freshly opened segment.
func (s *Segment) RecoveredMismatches() int { return s.recoveredMismatches }

// rebuildIndex scans r from offset 0 to EOF, decoding records
// and recording key -> offset for the most recent occurrence of each key.
// On any decode failure (short read, CRC mismatch) it resyncs by
// advancing exactly one byte and retrying, recovering everything up to a
// torn or corrupted tail.
func rebuildIndex(r io.ReadSeeker) (map[string]int64, int, error) {
	index := make(map[string]int64)
	skipped := 0

	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, errors.Wrap(err, "segment: seek end")
	}

	var offset int64
	for offset < end {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, errors.Wrap(err, "segment: seek mark")
		}

		rec, n, err := record.Decode(r)
		if err != nil {
			// CRC mismatch or short read: resync by advancing exactly one
			// byte past the mark and trying again.
			skipped++
			offset++
			continue
		}

		index[string(rec.Key)] = offset
		offset += int64(n)
	}

	return index, skipped, nil
}

// Append writes a record to the file and records its starting offset in
// the index. Fails with ErrClosed if the segment is not active.
func (s *Segment) Append(key, value []byte, tombstone bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrClosed
	}

	buf := record.Encode(key, value, tombstone)

	startOffset := s.offset
	if _, err := s.writer.Write(buf); err != nil {
		return 0, errors.Wrap(err, "segment: append write")
	}
	if err := s.writer.Flush(); err != nil {
		return 0, errors.Wrap(err, "segment: append flush")
	}

	s.offset += int64(len(buf))
	s.index[string(key)] = startOffset

	level.Debug(s.logger).Log("msg", "appended record", "segment", s.id, "offset", startOffset, "tombstone", tombstone)

	return startOffset, nil
}

// Lookup reads the record at the key's indexed offset and reports whether
// it is live (true) or a tombstone (false). Fails with ErrNotIndexed if the
// key is absent from the in-memory index.
func (s *Segment) Lookup(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	offset, ok := s.index[string(key)]
	s.mu.RUnlock()

	if !ok {
		return nil, false, ErrNotIndexed
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "segment: open %s for read", s.path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, false, errors.Wrap(err, "segment: seek to offset")
	}

	rec, _, err := record.Decode(f)
	if err != nil {
		return nil, false, err
	}

	if rec.Tombstone {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Contains reports whether the in-memory index claims to hold key.
func (s *Segment) Contains(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[string(key)]
	return ok
}

// Keys returns a snapshot of the keys currently in the index.
func (s *Segment) Keys() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([][]byte, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, []byte(k))
	}
	return keys
}

// SizeBytes returns the current file size.
func (s *Segment) SizeBytes() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, errors.Wrapf(err, "segment: stat %s", s.path)
	}
	return info.Size(), nil
}

// AtCapacity reports whether the segment's file size has reached threshold.
func (s *Segment) AtCapacity(threshold int64) bool {
	size, err := s.SizeBytes()
	if err != nil {
		return false
	}
	return size >= threshold
}

// Close releases the append handle, if any. Safe to call more than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		s.file = nil
		return errors.Wrap(err, "segment: close flush")
	}

	err := s.file.Close()
	s.file = nil
	s.kind = KindSealedPlain

	return errors.Wrap(err, "segment: close")
}

// DeleteFile closes the segment (if still open) and unlinks its file.
func (s *Segment) DeleteFile() error {
	_ = s.Close()

	if err := os.Remove(s.path); err != nil {
		return errors.Wrapf(err, "segment: delete %s", s.path)
	}
	return nil
}

// ID returns the segment's id.
func (s *Segment) ID() uint64 { return s.id }

// Kind returns the segment's current kind.
func (s *Segment) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// MarkCompacted sets the segment's kind to sealed-compacted. Used by the
// database when publishing a freshly built compacted segment.
func (s *Segment) MarkCompacted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = KindSealedCompacted
}
