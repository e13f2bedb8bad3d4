package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvstore/config"
	"kvstore/segment"
)

// newIdleTestDatabase builds a Database whose compactor never fires on its
// own ticker, so tests can drive tryPass directly and assert on its effects
// without racing the background goroutine.
func newIdleTestDatabase(t *testing.T, threshold int64) *Database {
	t.Helper()

	dir := t.TempDir()
	db, err := New(config.Options{
		BasePath:           dir,
		SegmentThreshold:   threshold,
		CompactionInterval: time.Hour,
	}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, db.Start())

	t.Cleanup(func() { db.Stop() })

	return db
}

func rollActive(t *testing.T, db *Database) {
	t.Helper()

	db.mu.Lock()
	defer db.mu.Unlock()

	active := db.segments[db.currentID]
	require.NoError(t, active.Close())
	require.NoError(t, db.openNewActiveLocked())
}

func TestTryPassNoopWithFewerThanTwoSealedInputs(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	require.NoError(t, db.Write([]byte("a"), []byte("1")))
	rollActive(t, db)

	// One sealed segment plus the active one: inputs = [sealed], len 1 < 2.
	before := db.Stats().SegmentCount
	require.NoError(t, db.compactor.tryPass())
	after := db.Stats().SegmentCount

	assert.Equal(t, before, after)
}

func TestTryPassNoopWithOnlyActiveSegmentOnDisk(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	// Only the fresh active segment exists: inputs = [], empty.
	require.NoError(t, db.compactor.tryPass())
	assert.Equal(t, 1, db.Stats().SegmentCount)
}

func TestTryPassMergesSealedSegmentsMostRecentWins(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	require.NoError(t, db.Write([]byte("a"), []byte("x")))
	rollActive(t, db)
	require.NoError(t, db.Write([]byte("b"), []byte("y")))
	rollActive(t, db)
	require.NoError(t, db.Delete([]byte("a")))
	rollActive(t, db)

	// Sealed: seg-1 {a:x}, seg-2 {b:y}, seg-3 {a:tombstone}. Active: seg-4.
	require.Equal(t, 4, db.Stats().SegmentCount)

	require.NoError(t, db.compactor.tryPass())

	db.mu.RLock()
	_, hasSegmentOne := db.segments[1]
	_, hasSegmentTwo := db.segments[2]
	// id 3's slot now holds the compacted segment, not the old sealed one.
	compacted, hasCompacted := db.segments[3]
	active, hasActive := db.segments[4]
	segmentCount := len(db.segments)
	db.mu.RUnlock()

	assert.False(t, hasSegmentOne)
	assert.False(t, hasSegmentTwo)
	assert.True(t, hasCompacted)
	assert.True(t, hasActive)
	assert.Equal(t, 2, segmentCount)

	assert.Equal(t, segment.KindSealedCompacted, compacted.Kind())
	assert.Equal(t, segment.KindActive, active.Kind())

	// a was tombstoned after seg-1, b is still live from seg-2.
	value, live, err := compacted.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.False(t, live)
	assert.Nil(t, value)

	value, live, err = compacted.Lookup([]byte("b"))
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, []byte("y"), value)
}

func TestTryPassRemovesInputFilesFromDisk(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	require.NoError(t, db.Write([]byte("a"), []byte("1")))
	rollActive(t, db)
	require.NoError(t, db.Write([]byte("b"), []byte("2")))
	rollActive(t, db)

	sealedOnePath := segment.SegPath(db.cfg.BasePath, 1)
	sealedTwoPath := segment.SegPath(db.cfg.BasePath, 2)

	require.NoError(t, db.compactor.tryPass())

	_, err := os.Stat(sealedOnePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(sealedTwoPath)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(db.cfg.BasePath)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Len(t, names, 2) // one compact*.bin, one seg-3.bin active
}

func TestTryPassCompactedSegmentNameMatchesMaxInputID(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	require.NoError(t, db.Write([]byte("a"), []byte("1")))
	rollActive(t, db)
	require.NoError(t, db.Write([]byte("b"), []byte("2")))
	rollActive(t, db)

	require.NoError(t, db.compactor.tryPass())

	entries, err := os.ReadDir(db.cfg.BasePath)
	require.NoError(t, err)

	var sawCompact bool
	for _, e := range entries {
		id, kind, ok := segment.ParseName(e.Name())
		if !ok {
			continue
		}
		if kind == segment.KindSealedCompacted {
			sawCompact = true
			assert.Equal(t, uint64(2), id) // max input id among the two sealed segments
		}
	}
	assert.True(t, sawCompact)
}

func TestTryPassLeavesActiveSegmentUntouched(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	require.NoError(t, db.Write([]byte("a"), []byte("1")))
	rollActive(t, db)
	require.NoError(t, db.Write([]byte("b"), []byte("2")))
	rollActive(t, db)
	require.NoError(t, db.Write([]byte("c"), []byte("3")))

	db.mu.RLock()
	activeID := db.currentID
	db.mu.RUnlock()

	require.NoError(t, db.compactor.tryPass())

	value, found, err := db.Read([]byte("c"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("3"), value)

	db.mu.RLock()
	_, stillActive := db.segments[activeID]
	db.mu.RUnlock()
	assert.True(t, stillActive)
}

func TestSignalCoalescesRepeatedTriggers(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	db.Compact()
	db.Compact()
	db.Compact()

	assert.Len(t, db.compactor.trigger, 1)
}

func TestNextTimestampIsMonotonicAndUnique(t *testing.T) {
	c := &compactor{}

	seen := make(map[int64]bool)
	var prev int64
	for i := 0; i < 5; i++ {
		ts := c.nextTimestamp()
		assert.False(t, seen[ts], "timestamp %d repeated", ts)
		assert.Greater(t, ts, prev)
		seen[ts] = true
		prev = ts
	}
}

func TestCompactorStopsOnSignal(t *testing.T) {
	db := newIdleTestDatabase(t, 1000)

	// start() was already called by newIdleTestDatabase/Start; stop()
	// must return once the goroutine observes stopCh, even with a
	// CompactionInterval the test will never wait out.
	done := make(chan struct{})
	go func() {
		db.compactor.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("compactor did not stop")
	}

	// Stop() in t.Cleanup will call compactor.stop() again via db.Stop();
	// guard shutdown idempotency by marking shutdown directly so cleanup
	// doesn't double-close the already-stopped compactor's channels.
	db.mu.Lock()
	db.shutdown = true
	db.mu.Unlock()
}

func TestListSegmentFilesSortedAscendingForCompaction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg-3.bin"), []byte{}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg-1.bin"), []byte{}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg-2.bin"), []byte{}, 0o644))

	db := &Database{cfg: config.Options{BasePath: dir}}
	refs, err := db.listSegmentFiles()
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{refs[0].id, refs[1].id, refs[2].id})
}
