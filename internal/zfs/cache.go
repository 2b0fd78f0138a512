package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Snapshot is a cached snapshot and the bytes it references.
type Snapshot struct {
	Name       string
	ReferBytes int64
}

// Dataset returns the dataset half of the snapshot name.
func (s Snapshot) Dataset() string {
	ds, _, _ := SplitSnapshot(s.Name)
	return ds
}

// Cache is the process view of the zfs dataset and snapshot namespace.
// Managers in this package update it after every mutation they perform;
// changes made by other processes only appear after Refresh.
type Cache struct {
	runner Runner
	logger zerolog.Logger

	mu        sync.RWMutex
	datasets  map[string]struct{}
	snapshots map[string]int64
	loaded    bool
}

// NewCache returns an empty cache. Call Refresh to populate it.
func NewCache(runner Runner, logger zerolog.Logger) *Cache {
	return &Cache{
		runner:    runner,
		logger:    logger.With().Str("component", "zfs_cache").Logger(),
		datasets:  make(map[string]struct{}),
		snapshots: make(map[string]int64),
	}
}

// Refresh re-reads every dataset and snapshot. On failure the previous
// contents are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	datasets, err := c.listDatasets(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Dataset listing failed; keeping cached datasets")
		return fmt.Errorf("refresh datasets: %w", err)
	}
	snapshots, err := c.listSnapshots(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Snapshot listing failed; keeping cached snapshots")
		return fmt.Errorf("refresh snapshots: %w", err)
	}

	c.mu.Lock()
	c.datasets = datasets
	c.snapshots = snapshots
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug().Int("datasets", len(datasets)).Int("snapshots", len(snapshots)).Msg("ZFS cache refreshed")
	return nil
}

// Loaded reports whether at least one Refresh succeeded.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *Cache) listDatasets(ctx context.Context) (map[string]struct{}, error) {
	out, err := c.runner.Run(ctx, "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	datasets := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			datasets[name] = struct{}{}
		}
	}
	return datasets, scanner.Err()
}

func (c *Cache) listSnapshots(ctx context.Context) (map[string]int64, error) {
	out, err := c.runner.Run(ctx, "list", "-H", "-t", "snapshot", "-o", "name,refer")
	if err != nil {
		return nil, err
	}
	return parseSnapshotLines(out)
}

func parseSnapshotLines(out []byte) (map[string]int64, error) {
	snapshots := make(map[string]int64)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if _, _, ok := SplitSnapshot(fields[0]); !ok {
			continue
		}
		var refer int64
		if len(fields) > 1 {
			refer = ParseSize(fields[1])
		}
		snapshots[fields[0]] = refer
	}
	return snapshots, scanner.Err()
}

// HasDataset reports whether dataset is cached.
func (c *Cache) HasDataset(dataset string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.datasets[dataset]
	return ok
}

// HasSnapshot reports whether snapshot is cached.
func (c *Cache) HasSnapshot(snapshot string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.snapshots[snapshot]
	return ok
}

// Datasets returns every cached dataset, sorted.
func (c *Cache) Datasets() []string {
	return c.DatasetsWithPrefix("")
}

// DatasetsWithPrefix returns cached datasets whose path starts with prefix,
// sorted.
func (c *Cache) DatasetsWithPrefix(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for ds := range c.datasets {
		if strings.HasPrefix(ds, prefix) {
			out = append(out, ds)
		}
	}
	sort.Strings(out)
	return out
}

// DatasetsUnder returns root and its descendants, sorted.
func (c *Cache) DatasetsUnder(root string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for ds := range c.datasets {
		if IsUnder(ds, root) {
			out = append(out, ds)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshots returns every cached snapshot sorted by name.
func (c *Cache) Snapshots() []Snapshot {
	return c.filterSnapshots(func(string) bool { return true })
}

// SnapshotsForDataset returns the snapshots taken of exactly dataset.
func (c *Cache) SnapshotsForDataset(dataset string) []Snapshot {
	return c.filterSnapshots(func(ds string) bool { return ds == dataset })
}

// SnapshotsUnder returns snapshots of root and all of its descendants.
func (c *Cache) SnapshotsUnder(root string) []Snapshot {
	return c.filterSnapshots(func(ds string) bool { return IsUnder(ds, root) })
}

func (c *Cache) filterSnapshots(keep func(dataset string) bool) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Snapshot
	for name, refer := range c.snapshots {
		ds, _, _ := SplitSnapshot(name)
		if keep(ds) {
			out = append(out, Snapshot{Name: name, ReferBytes: refer})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReferSize returns the cached refer size of snapshot.
func (c *Cache) ReferSize(snapshot string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	size, ok := c.snapshots[snapshot]
	return size, ok
}

// AddDataset records dataset and any missing ancestors.
func (c *Cache) AddDataset(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := strings.Split(dataset, "/")
	for i := 1; i <= len(parts); i++ {
		c.datasets[strings.Join(parts[:i], "/")] = struct{}{}
	}
}

// RemoveDataset forgets dataset, its descendants and all of their snapshots.
func (c *Cache) RemoveDataset(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ds := range c.datasets {
		if IsUnder(ds, dataset) {
			delete(c.datasets, ds)
		}
	}
	for snap := range c.snapshots {
		if ds, _, _ := SplitSnapshot(snap); IsUnder(ds, dataset) {
			delete(c.snapshots, snap)
		}
	}
}

// AddSnapshot records snapshot with its refer size.
func (c *Cache) AddSnapshot(snapshot string, referBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snapshot] = referBytes
}

// RemoveSnapshot forgets snapshot.
func (c *Cache) RemoveSnapshot(snapshot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, snapshot)
}

// SetDatasetSnapshots replaces the cached snapshots of exactly dataset.
func (c *Cache) SetDatasetSnapshots(dataset string, snapshots map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for snap := range c.snapshots {
		if ds, _, _ := SplitSnapshot(snap); ds == dataset {
			delete(c.snapshots, snap)
		}
	}
	for snap, refer := range snapshots {
		if ds, _, _ := SplitSnapshot(snap); ds == dataset {
			c.snapshots[snap] = refer
		}
	}
}
