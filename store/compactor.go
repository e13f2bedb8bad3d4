package store

import (
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"kvstore/segment"
)

// compactor is the Database's single background worker. It blocks on
// either its own ticker or an explicit trigger (Compact, a segment roll,
// or a post-recovery kick from Start), runs one compaction pass, then
// blocks again. The trigger channel has capacity 1, so repeated signals
// before the worker picks them up coalesce into at most one extra run —
// the Go-native rendering of the teacher's coordination channels
// (wal.Wal's workQueue/stopc) applied to a periodic-plus-event-driven
// worker instead of a pure work queue.
type compactor struct {
	db      *Database
	logger  log.Logger
	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	lastTimestamp int64 // touched only by the compactor's own goroutine
}

func newCompactor(db *Database, logger log.Logger, interval time.Duration) *compactor {
	return &compactor{
		db:      db,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *compactor) start() {
	go c.run()
}

func (c *compactor) signal() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *compactor) stop() {
	close(c.stopCh)
	<-c.done
}

func (c *compactor) run() {
	ticker := time.NewTicker(c.db.cfg.CompactionInterval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ticker.C:
			c.runPass()
		case <-c.trigger:
			c.runPass()
		case <-c.stopCh:
			return
		}
	}
}

// runPass performs one end-to-end compaction: it merges every sealed
// segment (everything but the active one) into a single new compacted
// segment and retires the inputs. Any I/O failure abandons the pass; a
// later trigger retries from scratch.
func (c *compactor) runPass() {
	start := time.Now()

	if err := c.tryPass(); err != nil {
		c.db.metrics.compactionsFailed.Inc()
		level.Error(c.logger).Log("msg", "compaction pass failed", "err", err)
		return
	}

	c.db.metrics.compactionsRun.Inc()
	c.db.metrics.compactionDuration.Observe(time.Since(start).Seconds())
}

func (c *compactor) tryPass() error {
	refs, err := c.db.listSegmentFiles()
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	// The highest id is the active segment; the compactor never touches it.
	inputs := refs[:len(refs)-1]
	if len(inputs) < 2 {
		return nil
	}

	level.Debug(c.logger).Log("msg", "beginning compaction", "inputs", len(inputs))

	inputSegments := make([]*segment.Segment, 0, len(inputs))
	var inputBytes int64

	for _, ref := range inputs {
		kind := ref.kind
		if kind == segment.KindActive {
			kind = segment.KindSealedPlain
		}

		seg, err := segment.Recover(ref.path, ref.id, kind, c.logger)
		if err != nil {
			return err
		}
		if size, err := seg.SizeBytes(); err == nil {
			inputBytes += size
		}
		inputSegments = append(inputSegments, seg)
	}

	// most recent input (highest id, since inputSegments is sorted
	// ascending by id) to have written each key wins.
	mostRecent := make(map[string]*segment.Segment)
	for _, seg := range inputSegments {
		for _, key := range seg.Keys() {
			mostRecent[string(key)] = seg
		}
	}

	maxInputID := inputs[len(inputs)-1].id
	newPath := segment.CompactPath(c.db.cfg.BasePath, c.nextTimestamp(), maxInputID)

	newSeg, err := segment.OpenNew(newPath, maxInputID, c.logger)
	if err != nil {
		return err
	}

	for keyStr, src := range mostRecent {
		key := []byte(keyStr)

		value, live, err := src.Lookup(key)
		if err != nil {
			return err
		}

		if live {
			if _, err := newSeg.Append(key, value, false); err != nil {
				return err
			}
		} else {
			if _, err := newSeg.Append(key, nil, true); err != nil {
				return err
			}
		}
	}

	if err := newSeg.Close(); err != nil {
		return err
	}
	newSeg.MarkCompacted()

	outputBytes, _ := newSeg.SizeBytes()

	c.db.mu.Lock()
	c.db.segments[newSeg.ID()] = newSeg

	for i := newSeg.ID() - 1; i >= 1; i-- {
		old, ok := c.db.segments[i]
		if !ok {
			continue
		}
		delete(c.db.segments, i)
		if err := old.DeleteFile(); err != nil {
			level.Error(c.logger).Log("msg", "error deleting superseded segment", "segment", i, "err", err)
		}
	}
	c.db.mu.Unlock()

	for _, ref := range inputs {
		if err := os.Remove(ref.path); err != nil && !os.IsNotExist(err) {
			level.Error(c.logger).Log("msg", "error deleting compacted input", "path", ref.path, "err", err)
		}
	}

	if inputBytes > outputBytes {
		c.db.metrics.bytesReclaimed.Add(float64(inputBytes - outputBytes))
	}

	level.Debug(c.logger).Log("msg", "compaction done", "inputs", len(inputs), "newSegment", newSeg.ID())

	return nil
}

// nextTimestamp returns a unique-per-pass millisecond value for naming a
// compacted segment. It never returns the same value twice across this
// compactor's passes, so two runs started in the same millisecond still
// produce distinct filenames. Safe without locking: only the compactor's
// own goroutine ever calls it.
func (c *compactor) nextTimestamp() int64 {
	now := time.Now().UnixMilli()
	if now <= c.lastTimestamp {
		now = c.lastTimestamp + 1
	}
	c.lastTimestamp = now
	return now
}
