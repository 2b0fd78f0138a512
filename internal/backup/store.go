package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/zfs"
	"github.com/rs/zerolog"
)

// Kind tells full backups from exports.
type Kind string

const (
	KindFull   Kind = "full"
	KindExport Kind = "export"
)

// Entry is one backup or export found under the backup path.
type Entry struct {
	Name    string
	Kind    Kind
	Created time.Time
	// Path is the mounted directory of the backup.
	Path string
	// Dataset is empty for exports.
	Dataset string
}

// Store finds, deletes and prunes backups under one backup path.
type Store struct {
	root   string
	parent string

	cache     *zfs.Cache
	lifecycle *zfs.LifecycleManager
	snapshots *zfs.SnapshotManager
	logger    zerolog.Logger
}

// NewStore returns a Store for root, an absolute path below mountRoot such
// as /mnt/tank/backups.
func NewStore(root, mountRoot string, cache *zfs.Cache, lifecycle *zfs.LifecycleManager, snapshots *zfs.SnapshotManager, logger zerolog.Logger) (*Store, error) {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(filepath.Clean(mountRoot), root)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("backup path %s is not below %s: %w", root, mountRoot, apperrors.ErrInvalidInput)
	}
	return &Store{
		root:      root,
		parent:    filepath.ToSlash(rel),
		cache:     cache,
		lifecycle: lifecycle,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "backup_store").Logger(),
	}, nil
}

// Root returns the backup path.
func (s *Store) Root() string { return s.root }

// Parent returns the dataset backing the backup path.
func (s *Store) Parent() string { return s.parent }

// EnsureParent creates the backup path dataset when it is missing.
func (s *Store) EnsureParent(ctx context.Context) error {
	if s.lifecycle.Exists(s.parent) {
		return nil
	}
	if err := s.lifecycle.Create(ctx, s.parent, nil); err != nil {
		return fmt.Errorf("create backup dataset %s: %w", s.parent, err)
	}
	s.logger.Info().Str("dataset", s.parent).Msg("Created backup dataset")
	return nil
}

// Full returns the full backups, newest first.
func (s *Store) Full() []Entry {
	var out []Entry
	for _, ds := range s.cache.DatasetsWithPrefix(s.parent + "/" + FullPrefix) {
		name := strings.TrimPrefix(ds, s.parent+"/")
		if strings.Contains(name, "/") {
			continue
		}
		created, kind, ok := ParseName(name)
		if !ok || kind != KindFull {
			continue
		}
		out = append(out, Entry{Name: name, Kind: KindFull, Created: created, Path: filepath.Join(s.root, name), Dataset: ds})
	}
	sortNewestFirst(out)
	return out
}

// Exports returns the export directories, newest first.
func (s *Store) Exports() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup path: %w", err)
	}
	var out []Entry
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		created, kind, ok := ParseName(d.Name())
		if !ok || kind != KindExport {
			continue
		}
		out = append(out, Entry{Name: d.Name(), Kind: KindExport, Created: created, Path: filepath.Join(s.root, d.Name())})
	}
	sortNewestFirst(out)
	return out, nil
}

// List returns full backups followed by exports, each newest first. This is
// the order interactive selection and delete-by-index number them in.
func (s *Store) List() ([]Entry, error) {
	exports, err := s.Exports()
	if err != nil {
		return nil, err
	}
	return append(s.Full(), exports...), nil
}

// Get finds a backup or export by name.
func (s *Store) Get(name string) (Entry, error) {
	all, err := s.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range all {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("backup %s: %w", name, apperrors.ErrNotFound)
}

// Delete removes a backup. A full backup loses its dataset and every
// snapshot carrying its name; an export loses its directory.
func (s *Store) Delete(ctx context.Context, name string) error {
	entry, err := s.Get(name)
	if err != nil {
		return err
	}
	return s.delete(ctx, entry)
}

func (s *Store) delete(ctx context.Context, e Entry) error {
	if e.Kind == KindExport {
		if err := os.RemoveAll(e.Path); err != nil {
			return fmt.Errorf("delete export %s: %w", e.Name, err)
		}
		s.logger.Info().Str("export", e.Name).Msg("Deleted export")
		return nil
	}
	if err := s.lifecycle.Delete(ctx, e.Dataset); err != nil {
		return fmt.Errorf("delete backup %s: %w", e.Name, err)
	}
	if err := s.snapshots.DeleteMatching(ctx, e.Name); err != nil {
		return fmt.Errorf("delete snapshots of backup %s: %w", e.Name, err)
	}
	s.logger.Info().Str("backup", e.Name).Msg("Deleted backup")
	return nil
}

// Prune deletes the oldest full backups beyond retention. Backups named in
// keep are neither counted nor deleted, so a run can prune around the
// backup it just took.
func (s *Store) Prune(ctx context.Context, retention int, keep ...string) ([]string, error) {
	return s.prune(ctx, s.Full(), retention, keep)
}

// PruneExports deletes the oldest exports beyond retention.
func (s *Store) PruneExports(ctx context.Context, retention int, keep ...string) ([]string, error) {
	exports, err := s.Exports()
	if err != nil {
		return nil, err
	}
	return s.prune(ctx, exports, retention, keep)
}

func (s *Store) prune(ctx context.Context, entries []Entry, retention int, keep []string) ([]string, error) {
	if retention < 0 {
		return nil, fmt.Errorf("retention %d: %w", retention, apperrors.ErrInvalidInput)
	}
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}
	candidates := entries[:0:0]
	for _, e := range entries {
		if _, ok := kept[e.Name]; !ok {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) <= retention {
		return nil, nil
	}

	var deleted []string
	var errs []error
	for _, e := range candidates[retention:] {
		s.logger.Info().Str("backup", e.Name).Int("retention", retention).Msg("Deleting backup past retention")
		if err := s.delete(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, e.Name)
	}
	return deleted, errors.Join(errs...)
}

// CleanupDangling destroys snapshots named after a full backup that no
// longer exists.
func (s *Store) CleanupDangling(ctx context.Context) ([]string, error) {
	live := make(map[string]struct{})
	for _, e := range s.Full() {
		live[e.Name] = struct{}{}
	}
	var deleted []string
	var errs []error
	for _, snap := range s.cache.Snapshots() {
		_, name, ok := zfs.SplitSnapshot(snap.Name)
		if !ok {
			continue
		}
		backupName, ok := backupNameIn(name)
		if !ok {
			continue
		}
		if _, ok := live[backupName]; ok {
			continue
		}
		if err := s.snapshots.Delete(ctx, snap.Name); err != nil {
			s.logger.Error().Err(err).Str("snapshot", snap.Name).Msg("Failed to delete dangling snapshot")
			errs = append(errs, err)
			continue
		}
		s.logger.Info().Str("snapshot", snap.Name).Msg("Deleted dangling snapshot")
		deleted = append(deleted, snap.Name)
	}
	return deleted, errors.Join(errs...)
}

// NewerThan returns the full backups taken after name, newest first.
func (s *Store) NewerThan(name string) ([]Entry, error) {
	full := s.Full()
	for i, e := range full {
		if e.Name == name {
			return full[:i], nil
		}
	}
	return nil, fmt.Errorf("full backup %s: %w", name, apperrors.ErrNotFound)
}

// RollbackBackup rolls a full backup's dataset back to its own snapshot so
// the tree is read exactly as it was captured.
func (s *Store) RollbackBackup(ctx context.Context, name string) error {
	return s.snapshots.RollbackAllMatching(ctx, name, s.parent+"/"+name)
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Created.After(entries[j].Created) })
}
