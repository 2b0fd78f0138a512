package zfs

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/rs/zerolog"
)

// LifecycleManager creates and destroys datasets, keeping the Cache current.
type LifecycleManager struct {
	cache  *Cache
	runner Runner
	logger zerolog.Logger
}

// NewLifecycleManager returns a manager that answers existence from cache.
func NewLifecycleManager(cache *Cache, runner Runner, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		cache:  cache,
		runner: runner,
		logger: logger.With().Str("component", "zfs_lifecycle").Logger(),
	}
}

// Exists reports whether dataset is in the cache.
func (m *LifecycleManager) Exists(dataset string) bool {
	return m.cache.HasDataset(dataset)
}

// Create creates dataset (and missing parents) with the given properties.
// It fails with ErrAlreadyExists when the dataset is already cached.
func (m *LifecycleManager) Create(ctx context.Context, dataset string, props map[string]string) error {
	if m.Exists(dataset) {
		return fmt.Errorf("dataset %s: %w", dataset, apperrors.ErrAlreadyExists)
	}

	args := []string{"create", "-p"}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-o", k+"="+props[k])
	}
	args = append(args, dataset)

	if _, err := m.runner.Run(ctx, args...); err != nil {
		m.logger.Error().Err(err).Str("dataset", dataset).Msg("Failed to create dataset")
		return fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	m.cache.AddDataset(dataset)
	m.logger.Debug().Str("dataset", dataset).Msg("Dataset created")
	return nil
}

// Delete destroys every snapshot under dataset and then the dataset itself,
// recursively. A snapshot failure aborts before the dataset is touched.
func (m *LifecycleManager) Delete(ctx context.Context, dataset string) error {
	if !m.Exists(dataset) {
		return fmt.Errorf("dataset %s does not exist: %w", dataset, apperrors.ErrNotFound)
	}

	for _, snap := range m.cache.SnapshotsUnder(dataset) {
		if _, err := m.runner.Run(ctx, "destroy", snap.Name); err != nil {
			m.logger.Error().Err(err).Str("snapshot", snap.Name).Msg("Failed to delete snapshot before dataset delete")
			return fmt.Errorf("delete snapshot %s of %s: %w", snap.Name, dataset, err)
		}
		m.cache.RemoveSnapshot(snap.Name)
	}

	if _, err := m.runner.Run(ctx, "destroy", "-r", dataset); err != nil {
		m.logger.Error().Err(err).Str("dataset", dataset).Msg("Failed to delete dataset")
		return fmt.Errorf("delete dataset %s: %w", dataset, err)
	}
	m.cache.RemoveDataset(dataset)
	m.logger.Debug().Str("dataset", dataset).Msg("Dataset deleted")
	return nil
}
