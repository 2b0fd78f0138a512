// Package restore brings a full backup back onto the host: it plans the
// restore, resets the Kubernetes runtime, rolls volumes back, restores
// cluster resources, recreates or redeploys every application and finally
// restores their databases. One application's failure never stops the
// others.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/heavyscript/appsnap/internal/apps"
	"github.com/heavyscript/appsnap/internal/backup"
	"github.com/heavyscript/appsnap/internal/charts"
	"github.com/heavyscript/appsnap/internal/database"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/kube"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/heavyscript/appsnap/internal/platform"
	"github.com/heavyscript/appsnap/internal/zfs"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Ledger entries that are not applications.
const (
	CatalogEntry = "catalog"
	// RunEntry carries the failure that aborted a confirmed run.
	RunEntry = "restore"
)

const defaultActiveTimeout = 600 * time.Second

// Platform is the host-wide surface restore drives.
type Platform interface {
	MountPath(dataset string) string
	StopRuntime(ctx context.Context) error
	StartRuntime(ctx context.Context) error
	ClearRuntimeState() error
	ResetNetwork(ctx context.Context) error
	AbortSyncJobs(ctx context.Context) error
	CleanupRuntimeDir(appsDataset string) error
	RecreateKubeletDataset(ctx context.Context, appsDataset string) error
	WaitForRuntime(ctx context.Context) error
	RestoreKubernetesConfig(ctx context.Context, cfg platform.KubernetesConfig) error
	RestoreCatalogs(ctx context.Context, root string) error
}

// Resources applies captured Kubernetes manifests.
type Resources interface {
	ApplyFile(ctx context.Context, path string, clean bool) error
	ApplySecretFile(ctx context.Context, path string) error
}

// Installer creates a release from chart metadata and values.
type Installer interface {
	Install(ctx context.Context, meta charts.Metadata, values map[string]any) error
}

// Deployer redeploys releases in place and waits for the returned jobs.
type Deployer interface {
	RedeployRelease(ctx context.Context, release string) (int64, error)
	WaitJob(ctx context.Context, id int64) error
}

// Waiter blocks until a release is active.
type Waiter interface {
	WaitForActive(ctx context.Context, name string, timeout time.Duration) bool
}

// Databases restores CNPG dumps.
type Databases interface {
	Restore(ctx context.Context, t database.Target, src string) error
}

// Releases is the live release state, used for the stopped flag of
// database-backed applications.
type Releases interface {
	Refresh(ctx context.Context) error
	Get(name string) (apps.Release, bool)
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Options tunes a Restorer.
type Options struct {
	// ActiveTimeout bounds the wait for the primary chart.
	ActiveTimeout time.Duration
	Profiles      Profiles
	// Out receives the plan and the end-of-run report.
	Out io.Writer
}

// Report describes a finished (or aborted) restore run.
type Report struct {
	Backup  string
	State   string
	Apps    []string
	Summary ledger.Summary
	Ledger  *ledger.Ledger
}

// Restorer runs restores against one backup path.
type Restorer struct {
	store     *backup.Store
	cache     *zfs.Cache
	lifecycle *zfs.LifecycleManager
	snapshots *zfs.SnapshotManager
	platform  Platform
	resources Resources
	installer Installer
	deployer  Deployer
	waiter    Waiter
	databases Databases
	releases  Releases
	confirm   Confirmer
	opts      Options
	logger    zerolog.Logger
}

// Deps bundles the collaborators of a Restorer.
type Deps struct {
	Store     *backup.Store
	Cache     *zfs.Cache
	Lifecycle *zfs.LifecycleManager
	Snapshots *zfs.SnapshotManager
	Platform  Platform
	Resources Resources
	Installer Installer
	Deployer  Deployer
	Waiter    Waiter
	Databases Databases
	Releases  Releases
	Confirm   Confirmer
}

// New returns a Restorer.
func New(d Deps, opts Options, logger zerolog.Logger) *Restorer {
	if opts.ActiveTimeout <= 0 {
		opts.ActiveTimeout = defaultActiveTimeout
	}
	if opts.Profiles == nil {
		opts.Profiles = DefaultProfiles()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Restorer{
		store:     d.Store,
		cache:     d.Cache,
		lifecycle: d.Lifecycle,
		snapshots: d.Snapshots,
		platform:  d.Platform,
		resources: d.Resources,
		installer: d.Installer,
		deployer:  d.Deployer,
		waiter:    d.Waiter,
		databases: d.Databases,
		releases:  d.Releases,
		confirm:   d.Confirm,
		opts:      opts,
		logger:    logger.With().Str("component", "restore").Logger(),
	}
}

// redeployJob is a redeploy started in the per-application pass.
type redeployJob struct {
	app string
	id  int64
}

// run is the state of one restore invocation.
type run struct {
	name   string
	only   []string
	single bool
	root   string
	kube   platform.KubernetesConfig
	// appsExisted records whether the applications dataset was present
	// before the run touched anything.
	appsExisted bool
	// confirmed is set once the operator accepted the plan.
	confirmed bool
	// newer are the full backups to delete once the plan is accepted.
	newer   []string
	plan    *Plan
	ledger  *ledger.Ledger
	jobs    []redeployJob
	machine *fsm.FSM
	log     zerolog.Logger
}

type phase struct {
	state string
	step  func(ctx context.Context, r *run) error
}

// RestoreAll restores every application in the named full backup, resetting
// the Kubernetes runtime first.
func (s *Restorer) RestoreAll(ctx context.Context, name string) (*Report, error) {
	r := s.newRun(name, nil, false)
	return s.execute(ctx, r, []phase{
		{statePlan, s.planRestore},
		{statePreconditions, s.preconditions},
		{stateVolumeRollback, s.rollbackVolumes},
		{stateRuntimeRestart, s.restartRuntime},
		{statePlatformResources, s.restorePlatformResources},
		{stateAppRestore, s.restoreApps},
		{stateRedeployDrain, s.drainRedeploys},
		{stateDatabaseRestore, s.restoreDatabases},
	})
}

// RestoreSingle restores the named applications from a full backup without
// touching the runtime or any other application.
func (s *Restorer) RestoreSingle(ctx context.Context, name string, only []string) (*Report, error) {
	if len(only) == 0 {
		return nil, fmt.Errorf("no applications named: %w", apperrors.ErrInvalidInput)
	}
	r := s.newRun(name, only, true)
	return s.execute(ctx, r, []phase{
		{statePlan, s.planRestore},
		{stateVolumeRollback, s.rollbackVolumes},
		{statePlatformResources, s.restorePlatformResources},
		{stateAppRestore, s.restoreApps},
		{stateRedeployDrain, s.drainRedeploys},
		{stateDatabaseRestore, s.restoreDatabases},
	})
}

func (s *Restorer) newRun(name string, only []string, single bool) *run {
	log := s.logger.With().Str("backup", name).Logger()
	return &run{
		name:    name,
		only:    only,
		single:  single,
		ledger:  ledger.New(),
		machine: newMachine(log),
		log:     log,
	}
}

func (s *Restorer) execute(ctx context.Context, r *run, phases []phase) (*Report, error) {
	for _, p := range phases {
		if err := r.machine.Event(ctx, p.state); err != nil {
			return s.finish(r), fmt.Errorf("enter %s: %w", p.state, err)
		}
		if err := p.step(ctx, r); err != nil {
			if abortErr := r.machine.Event(ctx, eventAbort); abortErr != nil {
				r.log.Warn().Err(abortErr).Msg("Could not record aborted state")
			}
			r.log.Error().Err(err).Str("phase", p.state).Msg("Restore aborted")
			if r.confirmed {
				r.ledger.MarkCritical(RunEntry, err.Error())
			}
			return s.finish(r), err
		}
	}
	if err := r.machine.Event(ctx, stateReport); err != nil {
		return s.finish(r), fmt.Errorf("enter %s: %w", stateReport, err)
	}
	return s.finish(r), nil
}

func (s *Restorer) finish(r *run) *Report {
	var planned []string
	if r.plan != nil {
		planned = r.plan.Apps()
	}
	report := &Report{
		Backup:  r.name,
		State:   r.machine.Current(),
		Apps:    planned,
		Summary: r.ledger.Summarize(planned),
		Ledger:  r.ledger,
	}
	if r.confirmed {
		r.ledger.WriteReport(s.opts.Out, "Restore summary for "+r.name, planned)
	}
	return report
}

// planRestore prepares the backup tree, builds the plan and asks for
// confirmation. Nothing on the host is changed before the operator agrees.
func (s *Restorer) planRestore(ctx context.Context, r *run) error {
	entry, err := s.store.Get(r.name)
	if err != nil {
		return apperrors.Fatal("plan", err)
	}
	if entry.Kind != backup.KindFull {
		return apperrors.Fatal("plan", fmt.Errorf("%s is an export; use import: %w", r.name, apperrors.ErrInvalidInput))
	}
	r.root = entry.Path

	if !r.single {
		if r.newer, err = s.confirmNewer(r.name); err != nil {
			return apperrors.Fatal("remove_newer_backups", err)
		}
	}
	if err := s.store.RollbackBackup(ctx, r.name); err != nil {
		return apperrors.Fatal("backup_rollback", err)
	}

	if r.kube, err = platform.ReadKubernetesConfig(r.root); err != nil {
		return apperrors.Fatal("plan", err)
	}
	if r.plan, err = BuildPlan(r.name, r.root, r.only, s.opts.Profiles, r.ledger); err != nil {
		return apperrors.Fatal("plan", err)
	}
	r.plan.Write(s.opts.Out)

	ok, err := s.confirm.Confirm("Proceed with the restore?")
	if err != nil {
		return apperrors.Fatal("confirm", err)
	}
	if !ok {
		return apperrors.Fatal("confirm", apperrors.ErrAborted)
	}
	r.confirmed = true

	for _, n := range r.newer {
		if err := s.store.Delete(ctx, n); err != nil {
			return apperrors.Fatal("remove_newer_backups", err)
		}
	}
	return nil
}

// confirmNewer lists the full backups newer than name and asks to delete
// them. The rollback destroys their snapshots anyway.
func (s *Restorer) confirmNewer(name string) ([]string, error) {
	newer, err := s.store.NewerThan(name)
	if err != nil || len(newer) == 0 {
		return nil, err
	}
	names := make([]string, len(newer))
	for i, e := range newer {
		names[i] = e.Name
	}
	fmt.Fprintf(s.opts.Out, "Backups newer than %s will be deleted:\n  %s\n", name, strings.Join(names, "\n  "))
	ok, err := s.confirm.Confirm("Delete the newer backups and continue?")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrAborted
	}
	return names, nil
}

// preconditions stops and resets the runtime and rolls the whole
// applications dataset back. Every failure here is fatal.
func (s *Restorer) preconditions(ctx context.Context, r *run) error {
	appsDataset := r.kube.Dataset
	r.appsExisted = s.lifecycle.Exists(appsDataset)

	type step struct {
		op  string
		run func() error
	}
	var steps []step
	if r.appsExisted {
		if !s.cache.HasSnapshot(appsDataset + "@" + r.name) {
			return apperrors.Fatal("preconditions", fmt.Errorf("snapshot %s@%s does not exist: %w", appsDataset, r.name, apperrors.ErrNotFound))
		}
		steps = append(steps,
			step{"stop_kubernetes", func() error { return s.platform.StopRuntime(ctx) }},
			step{"clear_runtime_state", s.platform.ClearRuntimeState},
			step{"reset_network", func() error { return s.platform.ResetNetwork(ctx) }},
		)
	}
	steps = append(steps,
		step{"abort_sync_jobs", func() error { return s.platform.AbortSyncJobs(ctx) }},
		step{"rollback_apps_dataset", func() error { return s.snapshots.RollbackAllMatching(ctx, r.name, appsDataset) }},
	)
	if r.appsExisted {
		steps = append(steps,
			step{"cleanup_runtime_dir", func() error { return s.platform.CleanupRuntimeDir(appsDataset) }},
			step{"recreate_kubelet", func() error { return s.platform.RecreateKubeletDataset(ctx, appsDataset) }},
		)
	}

	for _, st := range steps {
		r.log.Info().Str("step", st.op).Msg("Running restore precondition")
		if err := st.run(); err != nil {
			return apperrors.Fatal(st.op, err)
		}
	}
	return nil
}

// rollbackVolumes rolls every captured volume back to the backup snapshot,
// or replays its stream file when the snapshot is gone.
func (s *Restorer) rollbackVolumes(ctx context.Context, r *run) error {
	for _, e := range r.eligible() {
		handled := make(map[string]struct{})
		for _, pv := range e.Artifacts.PVs {
			ds, err := kube.VolumeDatasetFromFile(pv)
			if err != nil {
				r.ledger.RecordError(e.App, fmt.Sprintf("Failed to read volume %s: %v", pv, err))
				continue
			}
			handled[ds] = struct{}{}
			s.restoreVolume(ctx, r, e, ds)
		}
		for _, stream := range e.Artifacts.Streams {
			snap, ok := zfs.SnapshotFromStreamFile(stream)
			if !ok {
				continue
			}
			ds, _, _ := zfs.SplitSnapshot(snap)
			if _, done := handled[ds]; done {
				continue
			}
			handled[ds] = struct{}{}
			s.restoreVolume(ctx, r, e, ds)
		}
	}
	return nil
}

func (s *Restorer) restoreVolume(ctx context.Context, r *run, e Entry, dataset string) {
	snapshot := dataset + "@" + r.name
	log := r.log.With().Str("app", e.App).Str("snapshot", snapshot).Logger()
	if s.cache.HasSnapshot(snapshot) {
		if err := s.snapshots.Rollback(ctx, snapshot, true, true); err != nil {
			r.ledger.RecordError(e.App, fmt.Sprintf("Failed to roll back %s: %v", snapshot, err))
			return
		}
		log.Info().Msg("Volume rolled back")
		return
	}

	stream := streamFor(e.Artifacts, snapshot)
	if stream == "" {
		r.ledger.RecordError(e.App, fmt.Sprintf("Snapshot %s does not exist and no stream was captured", snapshot))
		return
	}
	if !s.lifecycle.Exists(dataset) {
		if err := s.lifecycle.Create(ctx, dataset, nil); err != nil {
			r.ledger.RecordError(e.App, fmt.Sprintf("Failed to create %s for stream replay: %v", dataset, err))
			return
		}
	}
	if err := s.snapshots.Receive(ctx, stream, dataset, true); err != nil {
		r.ledger.RecordError(e.App, fmt.Sprintf("Failed to replay %s: %v", snapshot, err))
		return
	}
	log.Info().Msg("Volume replayed from stream")
}

func streamFor(a backup.Artifacts, snapshot string) string {
	want := zfs.StreamFileName(snapshot)
	for _, stream := range a.Streams {
		if strings.HasSuffix(stream, want) {
			return stream
		}
	}
	return ""
}

// restartRuntime restores the Kubernetes configuration and waits for the
// runtime to come back.
func (s *Restorer) restartRuntime(ctx context.Context, r *run) error {
	if err := s.platform.RestoreKubernetesConfig(ctx, r.kube); err != nil {
		return apperrors.Fatal("kubernetes_config", err)
	}
	if r.appsExisted {
		if err := s.platform.StartRuntime(ctx); err != nil {
			return apperrors.Fatal("start_kubernetes", err)
		}
	}
	if err := s.platform.WaitForRuntime(ctx); err != nil {
		return apperrors.Fatal("wait_kubernetes", err)
	}
	return nil
}

func (s *Restorer) restorePlatformResources(ctx context.Context, r *run) error {
	if err := s.platform.RestoreCatalogs(ctx, r.root); err != nil {
		r.log.Warn().Err(err).Msg("Catalog restore failed")
		r.ledger.RecordError(CatalogEntry, err.Error())
	}
	for _, e := range r.eligible() {
		for _, crd := range e.Artifacts.CRDs {
			if err := s.resources.ApplyFile(ctx, crd, false); err != nil {
				r.ledger.Record(e.App, apperrors.Recoverable("restore_crd", e.App, err))
			}
		}
	}
	return nil
}

// restoreApps runs the per-application restore in plan order. Dependents of
// the primary chart wait for it once, and are dropped when it failed.
func (s *Restorer) restoreApps(ctx context.Context, r *run) error {
	primary, hasPrimary := r.plan.Primary()
	waited := false
	for _, e := range r.plan.Entries {
		if r.ledger.IsCritical(e.App) {
			continue
		}
		if hasPrimary && e.App != primary.App && e.DatabaseBacked() {
			if r.ledger.IsCritical(primary.App) {
				r.ledger.MarkCritical(e.App, fmt.Sprintf("Skipped: %s failed to restore", primary.App))
				continue
			}
			if !waited {
				waited = true
				r.log.Info().Str("app", primary.App).Msg("Waiting for primary application before database-backed applications")
				if !s.waiter.WaitForActive(ctx, primary.App, s.opts.ActiveTimeout) {
					r.ledger.RecordError(primary.App, fmt.Sprintf("Did not become active within %s", s.opts.ActiveTimeout))
				}
			}
		}
		if err := s.guardedRestoreApp(ctx, r, e); err != nil {
			r.log.Error().Err(err).Str("app", e.App).Msg("Application restore failed")
			r.ledger.MarkCritical(e.App, err.Error())
		}
	}
	return nil
}

// guardedRestoreApp turns a panic in restoreApp into a critical failure of
// that application.
func (s *Restorer) guardedRestoreApp(ctx context.Context, r *run, e Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.Critical("restore", e.App, fmt.Errorf("unexpected failure: %v", p))
		}
	}()
	return s.restoreApp(ctx, r, e)
}

// restoreApp restores one application. A returned error is critical for
// the application; recoverable failures go straight to the ledger.
func (s *Restorer) restoreApp(ctx context.Context, r *run, e Entry) error {
	log := r.log.With().Str("app", e.App).Str("mode", string(e.Mode)).Logger()
	log.Info().Msg("Restoring application")
	a := e.Artifacts
	releaseDataset := r.kube.Dataset + "/releases/" + e.App
	recoverable := func(op string, err error) {
		log.Warn().Err(err).Str("step", op).Msg("Restore step failed")
		r.ledger.Record(e.App, apperrors.Recoverable(op, e.App, err))
	}

	if e.Mode == ModeRedeploy {
		for _, ds := range []string{releaseDataset + "/charts", releaseDataset + "/volumes/ix_volumes"} {
			if s.lifecycle.Exists(ds) {
				continue
			}
			if err := s.lifecycle.Create(ctx, ds, nil); err != nil {
				return apperrors.Critical("create_dataset", e.App, err)
			}
		}
	}

	var chartDir string
	if a.Version != "" {
		chartDir = s.platform.MountPath(releaseDataset + "/charts/" + charts.VersionFromArchive(a.Version))
	}
	if e.Mode == ModeRedeploy && chartDir != "" {
		if _, err := charts.ExtractVersion(a.Version, chartDir); err != nil {
			recoverable("restore_chart_version", err)
		}
	}

	if e.Mode == ModeRedeploy {
		if err := s.resources.ApplyFile(ctx, a.Namespace, true); err != nil {
			return apperrors.Critical("restore_namespace", e.App, err)
		}
	}

	for _, manifest := range append(append([]string(nil), a.ZFSVolumes...), a.PVs...) {
		if err := s.resources.ApplyFile(ctx, manifest, true); err != nil {
			recoverable("restore_volume", err)
		}
	}

	if e.Mode == ModeRecreate {
		if chartDir != "" {
			if err := charts.RemoveVersion(chartDir); err != nil {
				recoverable("remove_chart_version", err)
			}
		}
		if err := s.installer.Install(ctx, a.Metadata, a.Values); err != nil {
			return apperrors.Critical("create_release", e.App, err)
		}
	}

	for _, secret := range a.Secrets {
		if err := s.resources.ApplySecretFile(ctx, secret); err != nil {
			recoverable("restore_secret", err)
		}
	}

	if e.Mode == ModeRedeploy {
		id, err := s.deployer.RedeployRelease(ctx, e.App)
		if err != nil {
			return apperrors.Critical("redeploy", e.App, err)
		}
		r.jobs = append(r.jobs, redeployJob{app: e.App, id: id})
	}

	for _, ds := range a.CNPGDeletes {
		if !s.lifecycle.Exists(ds) {
			continue
		}
		if err := s.lifecycle.Delete(ctx, ds); err != nil {
			recoverable("delete_cnpg_volume", err)
		}
	}
	return nil
}

// restoreDatabases restores the dump of every database-backed application
// still standing.
func (s *Restorer) restoreDatabases(ctx context.Context, r *run) error {
	if err := s.releases.Refresh(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Application refresh failed; assuming databases are running")
	}
	for _, e := range r.eligible() {
		if e.Artifacts.Database == "" {
			continue
		}
		t := database.Target{App: e.App, ChartName: e.Artifacts.Metadata.ChartName}
		if rel, ok := s.releases.Get(e.App); ok {
			t.Stopped = rel.Stopped
		}
		r.log.Info().Str("app", e.App).Msg("Restoring database")
		if err := s.databases.Restore(ctx, t, e.Artifacts.Database); err != nil {
			r.ledger.RecordError(e.App, err.Error())
		}
	}
	return nil
}

// eligible returns the plan entries not marked critical, in plan order.
func (r *run) eligible() []Entry {
	var out []Entry
	for _, e := range r.plan.Entries {
		if !r.ledger.IsCritical(e.App) {
			out = append(out, e)
		}
	}
	return out
}

// IsAborted reports whether err ended a restore before any change was made
// because the operator declined.
func IsAborted(err error) bool {
	return errors.Is(err, apperrors.ErrAborted)
}
