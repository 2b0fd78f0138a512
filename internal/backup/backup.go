// Package backup captures every deployed application into a snapshot-backed
// backup tree, and lists, deletes and prunes those backups.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/heavyscript/appsnap/internal/apps"
	"github.com/heavyscript/appsnap/internal/charts"
	"github.com/heavyscript/appsnap/internal/database"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/kube"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/heavyscript/appsnap/internal/platform"
	"github.com/heavyscript/appsnap/internal/zfs"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sys/unix"
)

// Ledger entries that are not applications.
const (
	AppsDatasetEntry = "apps-dataset"
	CatalogEntry     = "catalog"
	BackupEntry      = "backup"
)

var datasetProperties = map[string]string{
	"atime":       "off",
	"compression": "zstd-19",
	"recordsize":  "1M",
}

// Releases is the application state the backup walks.
type Releases interface {
	Refresh(ctx context.Context) error
	All() []apps.Release
}

// Platform captures host-wide configuration.
type Platform interface {
	BackupCatalogs(ctx context.Context, root string) error
	BackupKubernetesConfig(ctx context.Context, root string) (platform.KubernetesConfig, error)
	MountPath(dataset string) string
}

// Resources captures Kubernetes objects.
type Resources interface {
	CaptureNamespace(ctx context.Context, app string) ([]byte, error)
	CaptureSecrets(ctx context.Context, app string) ([]kube.Manifest, error)
	IndexVolumes(ctx context.Context) (*kube.VolumeIndex, error)
	CapturePersistentVolume(ctx context.Context, name string) ([]byte, error)
	CaptureZFSVolume(ctx context.Context, name string) ([]byte, error)
}

// Dumper dumps an application's database.
type Dumper interface {
	Dump(ctx context.Context, t database.Target, dest string) error
}

// Options tunes a backup run.
type Options struct {
	StreamSnapshots bool
	MaxStreamSize   int64
	MinFreeBytes    uint64
	// Retention prunes full backups beyond this count when positive.
	Retention int
	// Exclude skips releases it matches.
	Exclude func(release string) bool
	// Now is the clock used to name the backup.
	Now func() time.Time
}

// Result describes a finished backup run.
type Result struct {
	Name     string
	Path     string
	Apps     []string
	Skipped  []string
	Pruned   []string
	Dangling []string
	Ledger   *ledger.Ledger
}

// Orchestrator runs full backups.
type Orchestrator struct {
	store     *Store
	cache     *zfs.Cache
	lifecycle *zfs.LifecycleManager
	snapshots *zfs.SnapshotManager
	releases  Releases
	platform  Platform
	resources Resources
	dumper    Dumper
	opts      Options
	logger    zerolog.Logger

	diskFree func(ctx context.Context, path string) (uint64, error)
	sync     func()
}

// NewOrchestrator wires a backup orchestrator.
func NewOrchestrator(store *Store, cache *zfs.Cache, lifecycle *zfs.LifecycleManager, snapshots *zfs.SnapshotManager,
	releases Releases, plat Platform, resources Resources, dumper Dumper, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Exclude == nil {
		opts.Exclude = func(string) bool { return false }
	}
	return &Orchestrator{
		store:     store,
		cache:     cache,
		lifecycle: lifecycle,
		snapshots: snapshots,
		releases:  releases,
		platform:  plat,
		resources: resources,
		dumper:    dumper,
		opts:      opts,
		logger:    logger.With().Str("component", "backup").Logger(),
		diskFree:  freeBytes,
		sync:      unix.Sync,
	}
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Run takes one full backup. Per-application failures land in the result's
// ledger; a returned error means the backup as a whole is unusable.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.cache.Refresh(ctx); err != nil {
		return nil, apperrors.Fatal("zfs_refresh", err)
	}
	if err := o.store.EnsureParent(ctx); err != nil {
		return nil, apperrors.Fatal("backup_dataset", err)
	}
	if err := o.checkFreeSpace(ctx); err != nil {
		return nil, apperrors.Fatal("free_space", err)
	}

	name := NewFullName(o.opts.Now())
	dataset := o.store.Parent() + "/" + name
	if err := o.lifecycle.Create(ctx, dataset, datasetProperties); err != nil {
		return nil, apperrors.Fatal("backup_dataset", err)
	}
	root := o.platform.MountPath(dataset)
	res := &Result{Name: name, Path: root, Ledger: ledger.New()}
	log := o.logger.With().Str("backup", name).Logger()
	log.Info().Str("path", root).Msg("Backing up all applications")

	kubeCfg, err := o.platform.BackupKubernetesConfig(ctx, root)
	if err != nil {
		return res, apperrors.Fatal("kubernetes_config", err)
	}

	o.snapshotAppsDataset(ctx, name, kubeCfg.Dataset, res.Ledger)

	log.Info().Msg("Backing up catalogs")
	if err := o.platform.BackupCatalogs(ctx, root); err != nil {
		res.Ledger.RecordError(CatalogEntry, err.Error())
	}

	if err := o.releases.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Application refresh failed; using cached releases")
	}
	volumes, err := o.resources.IndexVolumes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to index persistent volumes")
		volumes = kube.NewVolumeIndex()
		res.Ledger.RecordError(BackupEntry, err.Error())
	}

	for _, rel := range o.releases.All() {
		if o.opts.Exclude(rel.Name) {
			log.Info().Str("app", rel.Name).Msg("Skipping excluded application")
			res.Skipped = append(res.Skipped, rel.Name)
			continue
		}
		res.Apps = append(res.Apps, rel.Name)
		o.backupApp(ctx, name, root, kubeCfg, rel, volumes, res.Ledger)
	}

	o.sync()
	if err := o.snapshots.Create(ctx, name, dataset); err != nil {
		res.Ledger.MarkCritical(BackupEntry, err.Error())
		return res, apperrors.Fatal("backup_snapshot", err)
	}
	log.Info().Msg("Snapshot of backup dataset created")

	if res.Dangling, err = o.store.CleanupDangling(ctx); err != nil {
		log.Warn().Err(err).Msg("Some dangling snapshots could not be deleted")
	}
	if o.opts.Retention > 0 {
		if res.Pruned, err = o.store.Prune(ctx, o.opts.Retention, name); err != nil {
			res.Ledger.RecordError(BackupEntry, err.Error())
		}
	}
	return res, nil
}

func (o *Orchestrator) checkFreeSpace(ctx context.Context) error {
	if o.opts.MinFreeBytes == 0 {
		return nil
	}
	free, err := o.diskFree(ctx, o.store.Root())
	if err != nil {
		return fmt.Errorf("check free space on %s: %w", o.store.Root(), err)
	}
	if free < o.opts.MinFreeBytes {
		return fmt.Errorf("%s has %d bytes free, %d required", o.store.Root(), free, o.opts.MinFreeBytes)
	}
	return nil
}

// snapshotAppsDataset snapshots the whole applications subtree except the
// kubelet state, which is rebuilt on restore.
func (o *Orchestrator) snapshotAppsDataset(ctx context.Context, name, appsDataset string, l *ledger.Ledger) {
	kubelet := platform.KubeletDataset(appsDataset)
	count := 0
	for _, ds := range o.cache.DatasetsUnder(appsDataset) {
		if zfs.IsUnder(ds, kubelet) {
			continue
		}
		if err := o.snapshots.Create(ctx, name, ds); err != nil {
			o.logger.Error().Err(err).Str("dataset", ds).Msg("Failed to snapshot dataset")
			l.RecordError(AppsDatasetEntry, err.Error())
			continue
		}
		count++
	}
	o.logger.Info().Str("dataset", appsDataset).Int("snapshots", count).Msg("Snapshotted applications dataset")
}

func (o *Orchestrator) backupApp(ctx context.Context, name, root string, kubeCfg platform.KubernetesConfig, rel apps.Release, volumes *kube.VolumeIndex, l *ledger.Ledger) {
	log := o.logger.With().Str("app", rel.Name).Logger()
	log.Info().Msg("Backing up application")
	dir := NewAppDir(root, rel.Name)
	fail := func(step string, err error) {
		log.Error().Err(err).Str("step", step).Msg("Backup step failed")
		l.RecordError(rel.Name, fmt.Sprintf("Failed to backup %s: %v", step, err))
	}

	chartDir := filepath.Join(o.platform.MountPath(kubeCfg.Dataset), "releases", rel.Name, "charts", rel.Version)
	if err := charts.ArchiveVersion(chartDir, charts.VersionArchive(dir.VersionsDir(), rel.Version)); err != nil {
		fail("chart version", err)
	}

	if ns, err := o.resources.CaptureNamespace(ctx, rel.Name); err != nil {
		fail("namespace", err)
	} else if err := writeFile(dir.NamespaceFile(), ns); err != nil {
		fail("namespace", err)
	}

	if secrets, err := o.resources.CaptureSecrets(ctx, rel.Name); err != nil {
		fail("secrets", err)
	} else {
		for _, s := range secrets {
			if err := writeFile(filepath.Join(dir.SecretsDir(), s.Name+".yaml"), s.Data); err != nil {
				fail("secrets", err)
			}
		}
	}

	appVolumes := volumes.ForNamespace(kube.Namespace(rel.Name))
	if rel.HasPVC || len(appVolumes) > 0 {
		if err := o.captureVolumes(ctx, dir, appVolumes); err != nil {
			fail("persistent volumes", err)
		}
	}

	if err := copyCRDs(filepath.Join(chartDir, "crds"), dir.CRDsDir()); err != nil {
		fail("CRDs", err)
	}

	if err := charts.WriteInfo(dir.InfoDir(), rel, false); err != nil {
		fail("chart info", err)
	}

	if rel.IsCNPG {
		log.Info().Msg("Backing up database")
		t := database.Target{App: rel.Name, ChartName: rel.ChartName, Stopped: rel.Stopped}
		if err := o.dumper.Dump(ctx, t, dir.DatabaseFile()); err != nil {
			fail("database", err)
		}
	}

	for _, v := range appVolumes {
		if v.Dataset == "" {
			continue
		}
		snapshot := v.Dataset + "@" + name
		if !o.cache.HasSnapshot(snapshot) {
			if err := o.snapshots.Create(ctx, name, v.Dataset); err != nil {
				fail("volume snapshot", err)
				continue
			}
		}
		if err := o.stream(ctx, dir, snapshot); err != nil {
			fail("volume stream", err)
		}
	}

	ixVolumes := kubeCfg.Dataset + "/releases/" + rel.Name + "/volumes/ix_volumes"
	if snapshot := ixVolumes + "@" + name; o.cache.HasSnapshot(snapshot) {
		if err := o.stream(ctx, dir, snapshot); err != nil {
			fail("ix_volumes stream", err)
		}
	}
}

// captureVolumes writes the PV and ZFSVolume of every claim not owned by
// CNPG, and lists the CNPG datasets restore must discard.
func (o *Orchestrator) captureVolumes(ctx context.Context, dir AppDir, volumes []kube.Volume) error {
	var errs []error
	var cnpg []string
	for _, v := range volumes {
		if v.CNPG {
			if v.Dataset != "" {
				cnpg = append(cnpg, v.Dataset)
			}
			continue
		}
		pv, err := o.resources.CapturePersistentVolume(ctx, v.PVName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := writeFile(filepath.Join(dir.VolumesDir(), v.PVCName+pvSuffix), pv); err != nil {
			errs = append(errs, err)
			continue
		}
		zv, err := o.resources.CaptureZFSVolume(ctx, v.PVName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := writeFile(filepath.Join(dir.VolumesDir(), v.PVCName+zfsVolumeSuffix), zv); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cnpg) > 0 {
		if err := writeLines(dir.CNPGDeleteFile(), cnpg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) stream(ctx context.Context, dir AppDir, snapshot string) error {
	if !o.opts.StreamSnapshots {
		return nil
	}
	size := o.snapshots.ReferSize(snapshot)
	if size > o.opts.MaxStreamSize {
		o.logger.Warn().Str("snapshot", snapshot).Int64("refer_bytes", size).Int64("max_bytes", o.opts.MaxStreamSize).
			Msg("Snapshot exceeds the maximum stream size; not streaming")
		return nil
	}
	o.logger.Info().Str("snapshot", snapshot).Msg("Sending snapshot stream to backup")
	return o.snapshots.Send(ctx, snapshot, dir.StreamFile(snapshot), true)
}

func copyCRDs(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
