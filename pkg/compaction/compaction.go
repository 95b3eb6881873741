// Package compaction merges SSTables across leveled tiers, bounding the
// number of files a read must consult.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/bmetrics"
	"github.com/rishabh-tripathi/blockdb/pkg/memtable"
	"github.com/rishabh-tripathi/blockdb/pkg/record"
	"github.com/rishabh-tripathi/blockdb/pkg/sstable"
)

// maxLevelSize is the file-count threshold that triggers compaction of
// that level into the next.
var maxLevelSize = [7]int{10, 100, 1000, 10000, 100000, 1000000, 10000000}

var (
	l0NameRe  = regexp.MustCompile(`^sstable_(\d+)\.sst$`)
	lvlNameRe = regexp.MustCompile(`^compacted_(\d+)_(\d+)\.sst$`)
)

// Compactor owns the set of SSTable paths resident at each of the seven
// levels, plus a lazily-populated cache of opened handles so repeated
// Get/ContainsKey calls don't reopen a file on every lookup. The paths
// are the source of truth; tables is purely a cache keyed off them.
type Compactor struct {
	mu          sync.Mutex
	dataDir     string
	l0Threshold int
	levels      [7][]string
	tables      [7]map[string]*sstable.SSTable
}

// New returns a compactor rooted at dataDir. l0Threshold overrides the
// built-in level-0 file-count threshold; zero or negative keeps the
// default.
func New(dataDir string, l0Threshold int) *Compactor {
	if l0Threshold <= 0 {
		l0Threshold = maxLevelSize[0]
	}
	c := &Compactor{dataDir: dataDir, l0Threshold: l0Threshold}
	for i := range c.tables {
		c.tables[i] = make(map[string]*sstable.SSTable)
	}
	return c
}

// LoadExisting discovers SSTable files already present in dataDir from a
// prior run (L0 files named sstable_<nanos>.sst, compacted files named
// compacted_<level>_<nanos>.sst) and registers them at their levels in
// creation order, so data flushed before a restart stays reachable.
func (c *Compactor) LoadExisting() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return berrors.Wrap(berrors.KindIO, "read data dir for sstable discovery", err)
	}

	type found struct {
		level int
		nanos int64
		path  string
	}
	var all []found
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if m := l0NameRe.FindStringSubmatch(name); m != nil {
			nanos, _ := strconv.ParseInt(m[1], 10, 64)
			all = append(all, found{level: 0, nanos: nanos, path: filepath.Join(c.dataDir, name)})
			continue
		}
		if m := lvlNameRe.FindStringSubmatch(name); m != nil {
			level, _ := strconv.Atoi(m[1])
			nanos, _ := strconv.ParseInt(m[2], 10, 64)
			if level >= 0 && level < len(c.levels) {
				all = append(all, found{level: level, nanos: nanos, path: filepath.Join(c.dataDir, name)})
			}
			continue
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].nanos < all[j].nanos })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range all {
		c.levels[f.level] = append(c.levels[f.level], f.path)
	}
	for lvl := range c.levels {
		bmetrics.SSTablesTotal.WithLabelValues(fmt.Sprintf("%d", lvl)).Set(float64(len(c.levels[lvl])))
	}
	return nil
}

// AddSSTable registers path as belonging to level, compacting that
// level (and cascading upward) if it now exceeds its threshold. If an
// already-opened handle for path is supplied, it is cached so the
// caller's Create doesn't have to be reopened for the first lookup.
func (c *Compactor) AddSSTable(level int, path string, opened ...*sstable.SSTable) error {
	c.mu.Lock()
	c.levels[level] = append(c.levels[level], path)
	if len(opened) > 0 && opened[0] != nil {
		c.tables[level][path] = opened[0]
	}
	bmetrics.SSTablesTotal.WithLabelValues(fmt.Sprintf("%d", level)).Set(float64(len(c.levels[level])))
	needsCompaction := c.needsCompactionLocked(level)
	c.mu.Unlock()

	if needsCompaction {
		return c.compactLevel(level)
	}
	return nil
}

func (c *Compactor) needsCompactionLocked(level int) bool {
	if level >= len(maxLevelSize) {
		return false
	}
	threshold := maxLevelSize[level]
	if level == 0 {
		threshold = c.l0Threshold
	}
	return len(c.levels[level]) > threshold
}

// getTable returns a cached handle for path at level, opening and
// caching it on first use.
func (c *Compactor) getTable(level int, path string) (*sstable.SSTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tbl, ok := c.tables[level][path]; ok {
		return tbl, nil
	}
	tbl, err := sstable.Open(path)
	if err != nil {
		return nil, err
	}
	c.tables[level][path] = tbl
	return tbl, nil
}

// Get scans every resident SSTable newest-to-oldest (level 0 first,
// each level's files in reverse registration order) and returns the
// first match. Since BlockDB is append-only a key can exist in at most
// one resident file in a well-formed database; the ordering is a
// safety net, not load-bearing for correctness.
func (c *Compactor) Get(key []byte) (record.Record, bool, error) {
	for level := 0; level < len(maxLevelSize); level++ {
		c.mu.Lock()
		paths := append([]string(nil), c.levels[level]...)
		c.mu.Unlock()

		for i := len(paths) - 1; i >= 0; i-- {
			tbl, err := c.getTable(level, paths[i])
			if err != nil {
				return record.Record{}, false, err
			}
			r, ok, err := tbl.Get(key)
			if err != nil {
				return record.Record{}, false, err
			}
			if ok {
				return r, true, nil
			}
		}
	}
	return record.Record{}, false, nil
}

// ContainsKey reports whether key is present in any resident SSTable;
// it backs the storage engine's append-only guard.
func (c *Compactor) ContainsKey(key []byte) (bool, error) {
	_, ok, err := c.Get(key)
	return ok, err
}

// compactLevel merges every file at level into one new file at
// level+1, preferring the newer record on key collisions: the original
// implementation resolves collisions incidentally via map-insert order,
// so here the comparison is explicit, on (Timestamp, then
// SequenceNumber as the tie-break).
func (c *Compactor) compactLevel(level int) error {
	timer := bmetrics.NewTimer()
	defer timer.ObserveDurationVec(bmetrics.CompactionDuration, fmt.Sprintf("%d", level))

	c.mu.Lock()
	inputs := append([]string(nil), c.levels[level]...)
	c.mu.Unlock()

	if len(inputs) == 0 {
		return nil
	}

	merged, err := mergeFiles(inputs)
	if err != nil {
		return err
	}

	outPath := filepath.Join(c.dataDir, fmt.Sprintf("compacted_%d_%d.sst", level+1, time.Now().UnixNano()))
	if err := writeMerged(outPath, merged); err != nil {
		return err
	}

	c.mu.Lock()
	for _, p := range inputs {
		if t, ok := c.tables[level][p]; ok {
			t.Close()
			delete(c.tables[level], p)
		}
	}
	c.mu.Unlock()

	for _, p := range inputs {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			compactionLogger := blog.WithComponent("compaction")
			compactionLogger.Warn().Msg("failed to remove compacted input: " + err.Error())
		}
	}

	c.mu.Lock()
	c.levels[level] = nil
	nextLevel := level + 1
	if nextLevel < len(c.levels) {
		c.levels[nextLevel] = append(c.levels[nextLevel], outPath)
	}
	bmetrics.SSTablesTotal.WithLabelValues(fmt.Sprintf("%d", level)).Set(0)
	needsCascade := nextLevel < len(c.levels) && c.needsCompactionLocked(nextLevel)
	if nextLevel < len(c.levels) {
		bmetrics.SSTablesTotal.WithLabelValues(fmt.Sprintf("%d", nextLevel)).Set(float64(len(c.levels[nextLevel])))
	}
	c.mu.Unlock()

	if needsCascade {
		return c.compactLevel(nextLevel)
	}
	return nil
}

// Reset closes every cached handle, deletes every resident SSTable file
// from disk, and clears all level bookkeeping — used by flush_all.
func (c *Compactor) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for lvl := range c.levels {
		for p, tbl := range c.tables[lvl] {
			tbl.Close()
			delete(c.tables[lvl], p)
		}
		for _, p := range c.levels[lvl] {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				flushLogger := blog.WithComponent("compaction")
				flushLogger.Warn().Msg("failed to remove sstable during flush_all: " + err.Error())
			}
		}
		c.levels[lvl] = nil
		bmetrics.SSTablesTotal.WithLabelValues(fmt.Sprintf("%d", lvl)).Set(0)
	}
	return nil
}

// Close closes every cached handle without touching the files
// themselves, used on orderly engine shutdown.
func (c *Compactor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for lvl := range c.tables {
		for p, tbl := range c.tables[lvl] {
			tbl.Close()
			delete(c.tables[lvl], p)
		}
	}
	return nil
}

// mergeFiles reads every input SSTable concurrently (they are immutable
// once created, so concurrent reads are safe) and folds them into a
// single slice holding one record per key, resolving collisions by
// newest (Timestamp, SequenceNumber). The slice is not sorted;
// writeMerged puts the records in key order through a memtable.
func mergeFiles(paths []string) ([]record.Record, error) {
	perFile := make([][]record.Record, len(paths))
	g := new(errgroup.Group)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			tbl, err := sstable.Open(p)
			if err != nil {
				return err
			}
			defer tbl.Close()
			recs, err := tbl.Iter()
			if err != nil {
				return err
			}
			perFile[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]record.Record)
	for _, recs := range perFile {
		for _, r := range recs {
			k := string(r.Key)
			cur, ok := best[k]
			if !ok || isNewer(r, cur) {
				best[k] = r
			}
		}
	}

	out := make([]record.Record, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out, nil
}

func isNewer(a, b record.Record) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.SequenceNumber > b.SequenceNumber
}

func writeMerged(path string, recs []record.Record) error {
	mt := memtable.New()
	for _, r := range recs {
		mt.Insert(r)
	}
	tbl, err := sstable.CreateFromMemTable(path, mt)
	if err != nil {
		return berrors.Wrap(berrors.KindStorage, "write compacted sstable", err)
	}
	return tbl.Close()
}
