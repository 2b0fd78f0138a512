package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/heavyscript/appsnap/internal/apps"
	"github.com/heavyscript/appsnap/internal/backup"
	"github.com/heavyscript/appsnap/internal/charts"
	"github.com/heavyscript/appsnap/internal/config"
	"github.com/heavyscript/appsnap/internal/database"
	"github.com/heavyscript/appsnap/internal/journal"
	"github.com/heavyscript/appsnap/internal/kube"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/heavyscript/appsnap/internal/logging"
	"github.com/heavyscript/appsnap/internal/metrics"
	"github.com/heavyscript/appsnap/internal/platform"
	"github.com/heavyscript/appsnap/internal/prompt"
	"github.com/heavyscript/appsnap/internal/restore"
	"github.com/heavyscript/appsnap/internal/truenas"
	"github.com/heavyscript/appsnap/internal/zfs"
)

const mountRoot = "/mnt"

// environment holds the collaborators of one command. The middleware,
// Kubernetes and release cache are only set up by connect, so list and
// delete work without them.
type environment struct {
	cfg    *config.Config
	logger zerolog.Logger

	zfsCache  *zfs.Cache
	lifecycle *zfs.LifecycleManager
	snapshots *zfs.SnapshotManager
	store     *backup.Store
	journal   *journal.Journal
	metrics   *metrics.Recorder
	prompter  *prompt.Prompter

	client   *truenas.Client
	releases *apps.Cache
	kube     *kube.Client
	platform *platform.Platform
}

func newEnvironment(ctx context.Context, action journal.Action) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		FilePath:   logging.RunFilePath(cfg.LogDir, string(action)),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	logger = logger.With().Str("run_id", logging.RunID(ctx)).Logger()
	logger.Debug().Interface("config", cfg.Redacted()).Msg("Configuration loaded")

	root, err := backupRoot(backupPath)
	if err != nil {
		return nil, err
	}

	runner := zfs.NewExecRunner(cfg.ZFSBinary)
	env := &environment{
		cfg:      cfg,
		logger:   logger,
		zfsCache: zfs.NewCache(runner, logger),
		metrics:  metrics.New(cfg.MetricsTextfile),
		prompter: prompt.New(assumeYes),
	}
	env.lifecycle = zfs.NewLifecycleManager(env.zfsCache, runner, logger)
	env.snapshots = zfs.NewSnapshotManager(env.zfsCache, runner, logger)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		env.snapshots.Progress = os.Stderr
	}
	if err := env.zfsCache.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("read zfs datasets: %w", err)
	}
	if env.store, err = backup.NewStore(root, mountRoot, env.zfsCache, env.lifecycle, env.snapshots, logger); err != nil {
		return nil, err
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Run journal unavailable")
		} else {
			env.journal = j
			env.seedMetrics()
		}
	}
	return env, nil
}

// backupRoot validates the --path flag.
func backupRoot(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("--path is required")
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("--path must be absolute: %s", path)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, mountRoot+"/") {
		return "", fmt.Errorf("--path must be under %s: %s", mountRoot, path)
	}
	return path, nil
}

func (e *environment) seedMetrics() {
	counts, err := e.journal.Counts()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read run counts")
		return
	}
	last, err := e.journal.LastSuccess()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read last successful runs")
		return
	}
	runs := make(map[string]map[string]int, len(counts))
	for action, outcomes := range counts {
		m := make(map[string]int, len(outcomes))
		for outcome, n := range outcomes {
			m[string(outcome)] = n
		}
		runs[string(action)] = m
	}
	success := make(map[string]time.Time, len(last))
	for action, at := range last {
		success[string(action)] = at
	}
	e.metrics.Seed(runs, success)
}

// connect dials the middleware and the Kubernetes API and loads the release
// cache.
func (e *environment) connect(ctx context.Context) error {
	cfg := e.cfg
	client, err := truenas.Dial(ctx, truenas.ClientConfig{
		URL:                cfg.MiddlewareURL,
		APIKey:             cfg.APIKey,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		JobPollInterval:    cfg.JobPollInterval,
		JobMaxPolls:        cfg.JobMaxPolls,
	}, e.logger)
	if err != nil {
		return fmt.Errorf("connect to middleware: %w", err)
	}
	e.client = client

	if e.releases, err = apps.NewCache(ctx, client, cfg.AppRefreshInterval, e.logger); err != nil {
		return err
	}
	if e.kube, err = kube.New(kube.Config{
		KubeconfigPath: cfg.Kubeconfig,
		KubeContext:    cfg.KubeContext,
		PodTimeout:     cfg.PodTimeout,
	}, e.logger); err != nil {
		return err
	}
	e.platform = platform.New(client, zfs.NewExecRunner(cfg.CLIBinary), platform.Options{
		RuntimeTimeout:      cfg.RuntimeTimeout,
		RuntimePollInterval: cfg.RuntimePollInterval,
		MountRoot:           mountRoot,
	}, e.logger)
	return nil
}

func (e *environment) backupOptions() backup.Options {
	return backup.Options{
		StreamSnapshots: e.cfg.StreamSnapshots,
		MaxStreamSize:   zfs.ParseSize(e.cfg.MaxStreamSize),
		MinFreeBytes:    e.cfg.MinFreeBytes,
		Retention:       retention,
		Exclude:         e.cfg.Excluded,
	}
}

func (e *environment) orchestrator() *backup.Orchestrator {
	dumper := database.NewManager(e.kube, e.client, e.logger)
	return backup.NewOrchestrator(e.store, e.zfsCache, e.lifecycle, e.snapshots,
		e.releases, e.platform, e.kube, dumper, e.backupOptions(), e.logger)
}

func (e *environment) exporter() *backup.Exporter {
	return backup.NewExporter(e.store, e.releases, e.platform, e.backupOptions(), e.logger)
}

func (e *environment) restorer() *restore.Restorer {
	return restore.New(restore.Deps{
		Store:     e.store,
		Cache:     e.zfsCache,
		Lifecycle: e.lifecycle,
		Snapshots: e.snapshots,
		Platform:  e.platform,
		Resources: e.kube,
		Installer: charts.NewInstaller(e.client, e.logger),
		Deployer:  e.client,
		Waiter:    apps.NewWaiter(e.releases, e.logger),
		Databases: database.NewManager(e.kube, e.client, e.logger),
		Releases:  e.releases,
		Confirm:   e.prompter,
	}, restore.Options{
		ActiveTimeout: e.cfg.AppActiveTimeout,
		Out:           os.Stdout,
	}, e.logger)
}

// record journals a run and feeds the metrics. fn returns the backup name
// it acted on, its ledger and the applications it attempted.
func (e *environment) record(action journal.Action, name string, fn func() (string, *ledger.Ledger, []string, error)) error {
	var run *journal.Run
	if e.journal != nil {
		r, err := e.journal.Start(action, name)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to journal run start")
		}
		run = r
	}
	started := time.Now()

	acted, l, attempted, err := fn()

	outcome := journal.OutcomeFor(l, attempted)
	switch {
	case restore.IsAborted(err):
		outcome = journal.OutcomeAborted
	case err != nil:
		outcome = journal.OutcomeFailed
		e.metrics.ObserveFatal(string(action), err)
	}
	finished := time.Now()
	e.metrics.ObserveRun(string(action), string(outcome), finished.Sub(started), outcome == journal.OutcomeSuccess, finished, l)
	if action == journal.ActionBackup || action == journal.ActionDelete {
		e.metrics.SetRetained(len(e.store.Full()))
	}
	if err := e.metrics.Flush(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to write metrics")
	}

	if run != nil {
		if acted != "" && acted != run.Backup {
			if jerr := e.journal.SetBackup(run, acted); jerr != nil {
				e.logger.Warn().Err(jerr).Msg("Failed to journal backup name")
			}
		}
		if jerr := e.journal.Finish(run, outcome, l, attempted); jerr != nil {
			e.logger.Warn().Err(jerr).Msg("Failed to journal run finish")
		}
	}
	e.logger.Info().Str("action", string(action)).Str("backup", acted).Str("outcome", string(outcome)).
		Dur("duration", finished.Sub(started)).Msg("Run finished")
	return err
}

func (e *environment) close() {
	if e.releases != nil {
		e.releases.Close()
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("Closing middleware connection")
		}
	}
	if e.journal != nil {
		e.journal.Close()
	}
	logging.Shutdown()
}
