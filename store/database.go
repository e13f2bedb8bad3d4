// Package store implements the Database: the segment ring (active +
// sealed + compacted), its read/write routing, segment rolling, and the
// recovery procedure that rebuilds every segment's index at startup.
package store

import (
	"os"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"kvstore/config"
	"kvstore/segment"
)

// ErrInvalidThreshold is returned by New when the configured segment
// threshold is not usable.
var ErrInvalidThreshold = errors.New("store: invalid segment threshold")

// Stats is a point-in-time snapshot of a Database's segment ring,
// a structured descendant of the original implementation's debug dump.
type Stats struct {
	SegmentCount    int
	ActiveSegmentID uint64
	TotalBytes      int64
}

// Database owns the segment ring for one base directory: the active
// segment, every sealed segment still on disk, the monotonic id
// counter, and the background compactor.
type Database struct {
	logger  log.Logger
	metrics *Metrics
	cfg     config.Options

	mu        sync.RWMutex
	segments  map[uint64]*segment.Segment
	currentID uint64
	shutdown  bool

	compactor *compactor
}

// New constructs a Database. Start must be called before use.
func New(cfg config.Options, logger log.Logger, registerer prometheus.Registerer) (*Database, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	cfg = config.Norm(cfg)
	if cfg.SegmentThreshold <= 0 {
		return nil, ErrInvalidThreshold
	}

	db := &Database{
		logger:   logger,
		metrics:  NewMetrics(registerer),
		cfg:      cfg,
		segments: make(map[uint64]*segment.Segment),
	}

	db.compactor = newCompactor(db, logger, cfg.CompactionInterval)

	return db, nil
}

// Start creates the base directory (first-time setup) or recovers the
// segment ring from it, then opens a fresh active segment and launches
// the compactor.
func (db *Database) Start() error {
	level.Debug(db.logger).Log("msg", "starting database", "path", db.cfg.BasePath)

	_, err := os.Stat(db.cfg.BasePath)
	switch {
	case os.IsNotExist(err):
		level.Debug(db.logger).Log("msg", "base path does not exist, first time setup")
		if err := os.MkdirAll(db.cfg.BasePath, 0o755); err != nil {
			return errors.Wrap(err, "store: create base directory")
		}
	case err != nil:
		return errors.Wrap(err, "store: stat base directory")
	default:
		level.Debug(db.logger).Log("msg", "base path exists, recovering")
		if err := db.recover(); err != nil {
			return err
		}
	}

	recoveredAny := len(db.segments) > 0

	db.mu.Lock()
	if err := db.openNewActiveLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()

	db.compactor.start()

	if recoveredAny {
		db.Compact()
	}

	return nil
}

// recover replays every existing segment file, sealed (plain or
// compacted) per its filename, to rebuild the in-memory index for each.
func (db *Database) recover() error {
	refs, err := db.listSegmentFiles()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ref := range refs {
		kind := ref.kind
		if kind == segment.KindActive {
			kind = segment.KindSealedPlain
		}

		seg, err := segment.Recover(ref.path, ref.id, kind, db.logger)
		if err != nil {
			return err
		}

		if n := seg.RecoveredMismatches(); n > 0 {
			db.metrics.recoveredMismatches.Add(float64(n))
		}
		db.metrics.recoveredKeys.Add(float64(len(seg.Keys())))

		db.segments[ref.id] = seg
		if ref.id > db.currentID {
			db.currentID = ref.id
		}
	}

	return nil
}

// segmentRef is a parsed, not-yet-opened segment file.
type segmentRef struct {
	id   uint64
	kind segment.Kind
	path string
}

// listSegmentFiles enumerates the base directory for files matching
// either segment naming scheme, sorted by id ascending. Files that don't
// match are ignored, per spec.
func (db *Database) listSegmentFiles() ([]segmentRef, error) {
	entries, err := os.ReadDir(db.cfg.BasePath)
	if err != nil {
		return nil, errors.Wrap(err, "store: list segment files")
	}

	refs := make([]segmentRef, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, kind, ok := segment.ParseName(entry.Name())
		if !ok {
			continue
		}

		refs = append(refs, segmentRef{
			id:   id,
			kind: kind,
			path: db.cfg.BasePath + string(os.PathSeparator) + entry.Name(),
		})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })

	return refs, nil
}

// openNewActiveLocked creates a new active segment with id = currentID+1.
// Callers must hold db.mu for writing.
func (db *Database) openNewActiveLocked() error {
	id := db.currentID + 1

	seg, err := segment.OpenNew(segment.SegPath(db.cfg.BasePath, id), id, db.logger)
	if err != nil {
		return err
	}

	db.segments[id] = seg
	db.currentID = id

	return nil
}

// Stop shuts the database down: it closes every segment (logging, not
// failing, on an individual close error), stops the compactor, and waits
// for it to finish its current pass. Idempotent.
func (db *Database) Stop() error {
	db.mu.Lock()
	if db.shutdown {
		db.mu.Unlock()
		return nil
	}
	db.shutdown = true

	for _, seg := range db.segments {
		if err := seg.Close(); err != nil {
			level.Error(db.logger).Log("msg", "error closing segment", "segment", seg.ID(), "err", err)
		}
	}
	db.mu.Unlock()

	db.compactor.stop()

	return nil
}

// Read returns the most recent live value for key. found is false both
// when no segment holds the key and when the most recent record for it
// is a tombstone.
func (db *Database) Read(key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for id := db.currentID; id >= 1; id-- {
		seg, ok := db.segments[id]
		if !ok {
			continue
		}

		if !seg.Contains(key) {
			if seg.Kind() == segment.KindSealedCompacted {
				break
			}
			continue
		}

		value, live, err := seg.Lookup(key)
		if err != nil {
			return nil, false, err
		}
		return value, live, nil
	}

	return nil, false, nil
}

// Write appends key/value to the active segment, rolling to a new
// active segment (and signalling the compactor) if capacity is reached.
func (db *Database) Write(key, value []byte) error {
	return db.append(key, value, false)
}

// Delete appends a tombstone for key to the active segment.
func (db *Database) Delete(key []byte) error {
	return db.append(key, nil, true)
}

func (db *Database) append(key, value []byte, tombstone bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	active, ok := db.segments[db.currentID]
	if !ok {
		return errors.New("store: no active segment")
	}

	if _, err := active.Append(key, value, tombstone); err != nil {
		return err
	}

	if active.AtCapacity(db.cfg.SegmentThreshold) {
		level.Debug(db.logger).Log("msg", "active segment at capacity, rolling", "segment", active.ID())

		if err := active.Close(); err != nil {
			level.Error(db.logger).Log("msg", "error closing segment during roll", "segment", active.ID(), "err", err)
		}

		if err := db.openNewActiveLocked(); err != nil {
			return err
		}

		db.metrics.segmentRolls.Inc()
		db.compactor.signal()
	}

	return nil
}

// Compact signals the compactor to run a pass. Repeated calls before the
// compactor picks up the signal coalesce into at most one extra run.
func (db *Database) Compact() {
	db.compactor.signal()
}

// Stats returns a point-in-time snapshot of the segment ring.
func (db *Database) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var total int64
	for _, seg := range db.segments {
		if size, err := seg.SizeBytes(); err == nil {
			total += size
		}
	}

	return Stats{
		SegmentCount:    len(db.segments),
		ActiveSegmentID: db.currentID,
		TotalBytes:      total,
	}
}
