package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb/v3"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const progressTemplate pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . }} {{speed . }}`

// SnapshotManager creates, destroys, rolls back and streams snapshots.
type SnapshotManager struct {
	cache  *Cache
	runner Runner
	logger zerolog.Logger

	// Progress receives a progress bar for sends when non-nil.
	Progress io.Writer
}

// NewSnapshotManager returns a manager bound to cache.
func NewSnapshotManager(cache *Cache, runner Runner, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{
		cache:  cache,
		runner: runner,
		logger: logger.With().Str("component", "zfs_snapshot").Logger(),
	}
}

func missingDataset(dataset string) error {
	return fmt.Errorf("dataset %s does not exist: %w", dataset, apperrors.ErrNotFound)
}

// Create takes <dataset>@<name> and records its refer size.
func (m *SnapshotManager) Create(ctx context.Context, name, dataset string) error {
	if !m.cache.HasDataset(dataset) {
		return missingDataset(dataset)
	}
	snapshot := dataset + "@" + name
	if _, err := m.runner.Run(ctx, "snapshot", snapshot); err != nil {
		return fmt.Errorf("create snapshot %s: %w", snapshot, err)
	}

	var refer int64
	if out, err := m.runner.Run(ctx, "list", "-H", "-o", "refer", snapshot); err != nil {
		m.logger.Warn().Err(err).Str("snapshot", snapshot).Msg("Could not read refer size; recording 0")
	} else {
		refer = ParseSize(string(out))
	}
	m.cache.AddSnapshot(snapshot, refer)
	m.logger.Debug().Str("snapshot", snapshot).Int64("refer_bytes", refer).Msg("Snapshot created")
	return nil
}

// Delete destroys one snapshot.
func (m *SnapshotManager) Delete(ctx context.Context, snapshot string) error {
	dataset, _, ok := SplitSnapshot(snapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot name %q: %w", snapshot, apperrors.ErrInvalidInput)
	}
	if !m.cache.HasDataset(dataset) {
		return missingDataset(dataset)
	}
	if _, err := m.runner.Run(ctx, "destroy", snapshot); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snapshot, err)
	}
	m.cache.RemoveSnapshot(snapshot)
	return nil
}

// DeleteMatching destroys every cached snapshot named name on any dataset.
// It keeps going past failures and returns them joined.
func (m *SnapshotManager) DeleteMatching(ctx context.Context, name string) error {
	var errs []error
	for _, snap := range m.cache.Snapshots() {
		if _, n, _ := SplitSnapshot(snap.Name); n != name {
			continue
		}
		if err := m.Delete(ctx, snap.Name); err != nil {
			m.logger.Error().Err(err).Str("snapshot", snap.Name).Msg("Failed to delete snapshot")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback discards every write made to the snapshot's dataset after it
// was taken. recursive also destroys later snapshots and clones.
func (m *SnapshotManager) Rollback(ctx context.Context, snapshot string, recursive, force bool) error {
	dataset, _, ok := SplitSnapshot(snapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot name %q: %w", snapshot, apperrors.ErrInvalidInput)
	}
	if !m.cache.HasDataset(dataset) {
		return missingDataset(dataset)
	}
	args := []string{"rollback"}
	if recursive {
		args = append(args, "-r")
	}
	if force {
		args = append(args, "-f")
	}
	args = append(args, snapshot)
	if _, err := m.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("rollback %s: %w", snapshot, err)
	}
	if recursive {
		m.resyncSnapshots(ctx, dataset, snapshot)
	}
	return nil
}

// resyncSnapshots re-reads the snapshots of one dataset after zfs removed
// some of them on its own. When the listing fails only keep, a snapshot
// known to survive, stays cached.
func (m *SnapshotManager) resyncSnapshots(ctx context.Context, dataset, keep string) {
	out, err := m.runner.Run(ctx, "list", "-H", "-t", "snapshot", "-o", "name,refer", "-d", "1", dataset)
	if err != nil {
		m.logger.Warn().Err(err).Str("dataset", dataset).Msg("Could not re-list snapshots; forgetting cached ones")
		survivors := map[string]int64{}
		if refer, ok := m.cache.ReferSize(keep); ok {
			survivors[keep] = refer
		}
		m.cache.SetDatasetSnapshots(dataset, survivors)
		return
	}
	snapshots, _ := parseSnapshotLines(out)
	m.cache.SetDatasetSnapshots(dataset, snapshots)
}

// RollbackAllMatching rolls back every cached snapshot called name whose
// dataset path starts with prefix. Failures are collected, not fatal.
func (m *SnapshotManager) RollbackAllMatching(ctx context.Context, name, prefix string) error {
	var errs []error
	count := 0
	for _, snap := range m.cache.Snapshots() {
		ds, n, _ := SplitSnapshot(snap.Name)
		if n != name || !strings.HasPrefix(ds, prefix) {
			continue
		}
		if err := m.Rollback(ctx, snap.Name, true, true); err != nil {
			m.logger.Error().Err(err).Str("snapshot", snap.Name).Msg("Rollback failed")
			errs = append(errs, err)
			continue
		}
		count++
	}
	m.logger.Debug().Str("name", name).Str("prefix", prefix).Int("rolled_back", count).Msg("Rolled back matching snapshots")
	return errors.Join(errs...)
}

// ReferSize returns the cached refer size, 0 when unknown.
func (m *SnapshotManager) ReferSize(snapshot string) int64 {
	size, _ := m.cache.ReferSize(snapshot)
	return size
}

// Send serializes snapshot into destination, gzip-compressed when compress
// is set. A partial file is removed on failure.
func (m *SnapshotManager) Send(ctx context.Context, snapshot, destination string, compress bool) (err error) {
	dataset, _, ok := SplitSnapshot(snapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot name %q: %w", snapshot, apperrors.ErrInvalidInput)
	}
	if !m.cache.HasDataset(dataset) {
		return missingDataset(dataset)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create stream directory: %w", err)
	}
	file, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open stream file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close stream file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(destination)
		}
	}()

	var out io.Writer = file
	if compress {
		gz := gzip.NewWriter(file)
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("finish gzip stream: %w", cerr)
			}
		}()
		out = gz
	}
	if m.Progress != nil {
		bar := pb.New64(m.ReferSize(snapshot)).SetTemplate(progressTemplate)
		bar.SetWriter(m.Progress)
		bar.Set("prefix", "Sending "+snapshot)
		bar.Start()
		defer bar.Finish()
		out = bar.NewProxyWriter(out)
	}

	if err := m.runner.Stream(ctx, nil, out, "send", snapshot); err != nil {
		return fmt.Errorf("send %s: %w", snapshot, err)
	}
	m.logger.Debug().Str("snapshot", snapshot).Str("file", destination).Msg("Snapshot sent")
	return nil
}

// Receive replays source into dataset. Existing snapshots of dataset are
// destroyed first so the incoming stream does not conflict with them.
func (m *SnapshotManager) Receive(ctx context.Context, source, dataset string, decompress bool) error {
	if !m.cache.HasDataset(dataset) {
		return missingDataset(dataset)
	}
	for _, snap := range m.cache.SnapshotsForDataset(dataset) {
		if err := m.Delete(ctx, snap.Name); err != nil {
			return fmt.Errorf("clear snapshots before receive: %w", err)
		}
	}

	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open stream file: %w", err)
	}
	defer file.Close()

	var in io.Reader = file
	if decompress {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("open gzip stream %s: %w", source, err)
		}
		defer gz.Close()
		in = gz
	}

	if err := m.runner.Stream(ctx, in, nil, "recv", "-F", dataset); err != nil {
		return fmt.Errorf("receive %s into %s: %w", source, dataset, err)
	}
	m.resyncSnapshots(ctx, dataset, "")
	m.logger.Debug().Str("dataset", dataset).Str("file", source).Msg("Snapshot received")
	return nil
}
